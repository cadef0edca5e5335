package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/properties"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const baseYAML = `
definitions:
  - id: http
    description: HTTP endpoint
    properties:
      - key: port
        default: 80
      - key: host
units:
  - id: db
    provides:
      - name: http
    commands: [install, start]
`

func TestLoader_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", baseYAML)
	path := writeFile(t, dir, "profile.yaml", `
imports: [base.yaml]
deployment: staging
description: Staging shop
units:
  - id: web
    requires:
      - name: backend
        kind: http
    attributes:
      - key: web.port
        value: 8080
      - key: web.debug
        value: true
        policy: add-if-absent
    commands: [install, start]
    depends_on: [db]
bindings:
  - consumer: web/backend
    producer: db/http
`)

	profile, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if profile.ID.String() != "profile" {
		t.Errorf("Expected profile id from the file name, got %q", profile.ID)
	}
	if profile.Deployment.String() != "staging" || profile.Description != "Staging shop" {
		t.Errorf("unexpected deployment/description %q / %q", profile.Deployment, profile.Description)
	}
	if len(profile.Units) != 2 {
		t.Fatalf("Expected 2 units, got %d", len(profile.Units))
	}

	web, ok := profile.Unit(ids.MustParse[ids.Unit]("web"))
	if !ok {
		t.Fatal("Expected unit web")
	}
	if web.Attributes[0].Value != "8080" || web.Attributes[1].Value != "true" {
		t.Errorf("Expected scalar values as strings, got %+v", web.Attributes)
	}
	if web.Attributes[1].Policy != model.PolicyAddIfAbsent {
		t.Errorf("Expected add-if-absent policy, got %q", web.Attributes[1].Policy)
	}
	if web.Requires[0].Definition().String() != "http" || web.Requires[0].Direction != model.DirectionRequired {
		t.Errorf("unexpected required capability %+v", web.Requires[0])
	}
	if web.HostClass != model.HostClassLocal {
		t.Errorf("Expected local host class by default, got %q", web.HostClass)
	}

	def, ok := profile.Definition(ids.MustParse[ids.Capability]("http"))
	if !ok {
		t.Fatal("Expected definition http")
	}
	port, _ := def.Property("port")
	if port.Default == nil || *port.Default != "80" {
		t.Errorf("Expected port default 80, got %v", port.Default)
	}
	if host, _ := def.Property("host"); host.Default != nil {
		t.Errorf("Expected no default for host, got %q", *host.Default)
	}

	if len(profile.Bindings) != 1 || profile.Bindings[0].String() != "web/backend -> db/http" {
		t.Errorf("unexpected bindings %v", profile.Bindings)
	}
	if len(profile.Dependencies) != 1 || profile.Dependencies[0].DependsOn.String() != "db" {
		t.Errorf("unexpected dependencies %v", profile.Dependencies)
	}
}

func TestLoader_LoadCUE(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "shop.cue", `
profile:    "shop"
deployment: "prod"

_agent: "/opt/deployer/bin/deploy-agent"

hosts: [{
	id:         "app-1"
	address:    "10.0.0.5"
	port:       2222
	agent_path: _agent
	labels: role: "app"
}]

units: [{
	id:         "api"
	host_class: "remote"
	host:       "app-1"
	package: {id: "api", version: "v1.4"}
	commands: ["install", "upgrade", "start"]
	key_filters: install: ["api.*"]
}]

overrides: [{
	unit: "api"
	attribute: {key: "api.replicas", value: "3"}
}]
`)

	profile, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if profile.ID.String() != "shop" || profile.Deployment.String() != "prod" {
		t.Errorf("unexpected profile %s/%s", profile.ID, profile.Deployment)
	}

	host, ok := profile.Host(ids.MustParse[ids.Host]("app-1"))
	if !ok {
		t.Fatal("Expected host app-1")
	}
	if host.Port != 2222 || host.AgentPath != "/opt/deployer/bin/deploy-agent" || host.Labels["role"] != "app" {
		t.Errorf("unexpected host %+v", host)
	}

	api, _ := profile.Unit(ids.MustParse[ids.Unit]("api"))
	if !api.IsRemote() || api.Host != host.ID {
		t.Errorf("Expected remote unit on app-1, got %+v", api)
	}
	if api.Package.CanonicalVersion() != "1.4.0" {
		t.Errorf("Expected package version 1.4.0, got %q", api.Package.CanonicalVersion())
	}
	if got := api.KeyFilter("install"); len(got) != 1 || got[0] != "api.*" {
		t.Errorf("unexpected key filter %v", got)
	}
	if attrs := profile.OverridesFor(api.ID); len(attrs) != 1 || attrs[0].Value != "3" {
		t.Errorf("unexpected overrides %v", attrs)
	}
}

func TestLoader_LoadStarlark(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.star", `
_count = int(vars["replicas"])

def worker(i):
    return {
        "id": "worker-%d" % i,
        "attributes": [{"key": "worker.index", "value": i}],
        "commands": ["install", "start"],
    }

deployment = vars["env"]
units = [worker(i) for i in range(_count)]
helper = "ignored"
`)

	loader := NewLoader(WithVars(map[string]string{"replicas": "3", "env": "prod"}))
	profile, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if profile.Deployment.String() != "prod" {
		t.Errorf("Expected deployment prod, got %q", profile.Deployment)
	}
	if len(profile.Units) != 3 {
		t.Fatalf("Expected 3 units, got %d", len(profile.Units))
	}
	if u := profile.Units[2]; u.ID.String() != "worker-2" || u.Attributes[0].Value != "2" {
		t.Errorf("unexpected unit %+v", u)
	}
}

func TestLoader_UnitExtendedByLaterDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
units:
  - id: web
    attributes:
      - {key: web.port, value: "80"}
    commands: [install]
`)
	path := writeFile(t, dir, "profile.yaml", `
imports: [base.yaml]
deployment: dev
units:
  - id: web
    description: Front end
    attributes:
      - {key: web.port, value: "8080"}
    commands: [install, start]
`)

	profile, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(profile.Units) != 1 {
		t.Fatalf("Expected the unit to be merged, got %d units", len(profile.Units))
	}
	web := profile.Units[0]
	if web.Description != "Front end" || len(web.Attributes) != 2 || len(web.Commands) != 2 {
		t.Errorf("unexpected merged unit %+v", web)
	}
	if web.Attributes[1].Value != "8080" {
		t.Errorf("Expected the later attribute last, got %+v", web.Attributes)
	}
}

func TestLoader_LoadDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.yaml", "description: common\n")
	writeFile(t, dir, "parts/a.yaml", "imports: [../common.yaml]\n")
	writeFile(t, dir, "parts/b.cue", `imports: ["../common.yaml"]`)
	writeFile(t, dir, "profile.yaml", "imports: [parts/a.yaml, parts/b.cue]\ndeployment: dev\n")

	docs, err := NewLoader().LoadDocuments(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDocuments failed: %v", err)
	}

	var names []string
	for _, src := range Sources(docs) {
		rel, _ := filepath.Rel(dir, src)
		names = append(names, rel)
	}
	want := []string{"common.yaml", filepath.Join("parts", "a.yaml"), filepath.Join("parts", "b.cue"), "profile.yaml"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Expected order %v, got %v", want, names)
	}
}

func TestLoader_ImportCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "imports: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "imports: [a.yaml]\n")
	path := writeFile(t, dir, "profile.yaml", "imports: [a.yaml]\ndeployment: dev\n")

	_, err := NewLoader().Load(context.Background(), path)
	var cycle *ImportCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Expected ImportCycleError, got: %v", err)
	}
	if len(cycle.Chain) != 4 || filepath.Base(cycle.Chain[3]) != "a.yaml" {
		t.Errorf("unexpected cycle %v", cycle.Chain)
	}
}

func TestLoader_InvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{name: "unknown field", file: "p.yaml", content: "deployment: dev\nunts: []\n", want: "unts"},
		{name: "bad host class", file: "p.yaml", content: "units:\n  - id: web\n    host_class: remot\n", want: "host_class"},
		{name: "bad binding ref", file: "p.yaml", content: "bindings:\n  - {consumer: web-http, producer: db/http}\n", want: "consumer"},
		{name: "port out of range", file: "p.cue", content: `hosts: [{id: "h", address: "h", port: 70000}]`, want: "port"},
		{name: "unit id with slash", file: "p.yaml", content: "units:\n  - id: a/b\n", want: "id"},
		{name: "missing attribute value", file: "p.cue", content: `units: [{id: "web", attributes: [{key: "k"}]}]`, want: "value"},
		{name: "yaml syntax", file: "p.yaml", content: "units: [\n", want: "yaml"},
		{name: "cue syntax", file: "p.cue", content: "units: [{\n", want: "p.cue"},
		{name: "starlark error", file: "p.star", content: "units = undefined_name\n", want: "undefined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := NewLoader().ParseDocument(context.Background(), path)
			var docErr *DocumentError
			if !errors.As(err, &docErr) {
				t.Fatalf("Expected DocumentError, got: %v", err)
			}
			if docErr.File != path || len(docErr.Errors) == 0 {
				t.Errorf("unexpected document error %+v", docErr)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoader_BuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "no deployment", content: "units:\n  - id: web\n", want: "names no deployment"},
		{name: "remote without host", content: "deployment: dev\nunits:\n  - {id: web, host_class: remote}\n", want: "remote unit requires a host"},
		{name: "unknown binding unit", content: "deployment: dev\nunits:\n  - id: web\nbindings:\n  - {consumer: web/db, producer: dbb/db}\n", want: "dbb"},
		{name: "undefined capability", content: "deployment: dev\nunits:\n  - id: web\n    provides: [{name: http}]\n", want: "undefined definition"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "profile.yaml", tt.content)
			_, err := NewLoader().Load(context.Background(), path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoader_PathErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader()

	if _, err := loader.Load(context.Background(), dir); err == nil || !strings.Contains(err.Error(), "no profile found") {
		t.Errorf("Expected missing profile error, got: %v", err)
	}

	path := writeFile(t, dir, "profile.json", "{}")
	if _, err := loader.ParseDocument(context.Background(), path); err == nil || !strings.Contains(err.Error(), "unsupported profile format") {
		t.Errorf("Expected unsupported format error, got: %v", err)
	}

	path = writeFile(t, dir, "profile.yaml", "imports: [missing.yaml]\ndeployment: dev\n")
	_, err := loader.Load(context.Background(), path)
	if !errors.Is(err, os.ErrNotExist) || !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("Expected missing import error, got: %v", err)
	}
}

func TestValidationError_String(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{File: "p.cue", Line: 3, Column: 7, Path: "units.0.id", Message: "conflicting values"}, "p.cue:3:7: units.0.id: conflicting values"},
		{ValidationError{File: "p.yaml", Path: "hosts.0.port", Message: "invalid value"}, "p.yaml: hosts.0.port: invalid value"},
		{ValidationError{Message: "bad"}, "bad"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}

	docErr := &DocumentError{File: "p.yaml"}
	for i := 0; i < 7; i++ {
		docErr.Errors = append(docErr.Errors, ValidationError{Message: "bad"})
	}
	if !strings.HasSuffix(docErr.Error(), "and 2 more") {
		t.Errorf("Expected truncated error list, got %q", docErr.Error())
	}
}

func ExampleLoader_Load() {
	loader := NewLoader(WithVars(map[string]string{"env": "staging"}))
	profile, err := loader.Load(context.Background(), "deploy/profile.star")
	if err != nil {
		return
	}
	_ = profile.UnitIDs()
}

// Layers flatten depth-first: base.yaml, then mid.yaml, then profile.yaml. Same-key
// attributes of one unit apply later-wins unless the later one is add-if-absent.
func TestLoader_NestedImportOverwrites(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "layers/base.yaml", `
definitions:
  - id: http
    properties:
      - key: listen
        default: 80
units:
  - id: web
    provides:
      - name: http
    commands: [install]
    attributes:
      - {key: port, value: 1000}
      - {key: region, value: eu}
      - {key: tier, value: gold, policy: add-if-absent}
`)
	writeFile(t, dir, "layers/mid.yaml", `
imports: [base.yaml]
units:
  - id: web
    attributes:
      - {key: port, value: 2000}
      - {key: tier, value: silver, policy: add-if-absent}
      - {key: mode, value: a}
      - {key: listen, value: 8080}
`)
	path := writeFile(t, dir, "profile.yaml", `
imports: [layers/mid.yaml]
deployment: dev
units:
  - id: web
    attributes:
      - {key: port, value: 3000, policy: add-if-absent}
      - {key: mode, value: b}
      - {key: listen, value: "", policy: inherit}
`)

	profile, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	holder, err := properties.Resolve(context.Background(), profile)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	web := ids.MustParse[ids.Unit]("web")
	tests := []struct {
		key  string
		want string
	}{
		{key: "port", want: "2000"},
		{key: "region", want: "eu"},
		{key: "tier", want: "gold"},
		{key: "mode", want: "b"},
		{key: "listen", want: "80"},
	}
	for _, tt := range tests {
		got, ok := holder.GetProperty(web, tt.key)
		if !ok || got != tt.want {
			t.Errorf("Expected %s=%q, got %q (set: %v)", tt.key, tt.want, got, ok)
		}
	}
	if got, _ := holder.Get("web/http", "listen"); got != "80" {
		t.Errorf("Expected the provided capability to carry listen=80, got %q", got)
	}
}

func TestLoader_DeepDiamondImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base/root.yaml", `
units:
  - id: web
    commands: [install]
    attributes:
      - {key: port, value: 1}
      - {key: region, value: eu}
      - {key: tier, value: bronze, policy: add-if-absent}
`)
	writeFile(t, dir, "base/shared.yaml", `
imports: [root.yaml]
units:
  - id: web
    attributes:
      - {key: port, value: 2}
      - {key: tier, value: gold, policy: add-if-absent}
`)
	writeFile(t, dir, "left/left.yaml", `
imports: [../base/shared.yaml]
units:
  - id: web
    attributes:
      - {key: port, value: 3}
`)
	writeFile(t, dir, "right/right.yaml", `
imports: [../base/shared.yaml]
units:
  - id: web
    attributes:
      - {key: port, value: 4}
      - {key: region, value: us}
`)
	path := writeFile(t, dir, "profile.yaml", `
imports: [left/left.yaml, right/right.yaml]
deployment: dev
`)

	docs, err := NewLoader().LoadDocuments(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadDocuments failed: %v", err)
	}
	var names []string
	for _, src := range Sources(docs) {
		rel, _ := filepath.Rel(dir, src)
		names = append(names, filepath.ToSlash(rel))
	}
	want := "base/root.yaml,base/shared.yaml,left/left.yaml,right/right.yaml,profile.yaml"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("Expected order %s, got: %s", want, got)
	}

	profile, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	holder, err := properties.Resolve(context.Background(), profile)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	web := ids.MustParse[ids.Unit]("web")
	tests := []struct {
		key  string
		want string
	}{
		{key: "port", want: "4"},
		{key: "region", want: "us"},
		{key: "tier", want: "bronze"},
	}
	for _, tt := range tests {
		if got, ok := holder.GetProperty(web, tt.key); !ok || got != tt.want {
			t.Errorf("Expected %s=%q, got %q (set: %v)", tt.key, tt.want, got, ok)
		}
	}
}
