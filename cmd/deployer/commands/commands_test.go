package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/properties"
)

const shopProfile = `
deployment: shop
definitions:
  - id: sql
    properties:
      - key: port
        default: 5432
units:
  - id: db
    provides:
      - name: sql
    commands: [install, start, stop]
  - id: web
    requires:
      - name: database
        kind: sql
    attributes:
      - key: listen
        value: 8080
    commands: [install, start, stop]
bindings:
  - consumer: web/database
    producer: db/sql
`

const installScript = "#!/bin/sh\necho \"installing $DEPLOYER_UNIT\"\n"

// runCLI executes the command tree with args and returns everything written to
// stdout and stderr.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(BuildInfo{Version: "test", Commit: "abc123", BuildDate: "today"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// newSolution writes a solution with the shop profile and install scripts.
func newSolution(t *testing.T, profile string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "profile.yaml"), []byte(profile), 0o644); err != nil {
		t.Fatalf("Failed to write profile: %v", err)
	}
	for _, unit := range []string{"db", "web"} {
		script := filepath.Join(dir, "scripts", unit, "install")
		if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
			t.Fatalf("Failed to create script directory: %v", err)
		}
		if err := os.WriteFile(script, []byte(installScript), 0o755); err != nil {
			t.Fatalf("Failed to write script: %v", err)
		}
	}
	return dir
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "solution")

	out, err := runCLI(t, "init", "-C", dir)
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}

	for _, path := range []string{
		"deployer.toml",
		"profile.yaml",
		filepath.Join("scripts", "example", "install"),
		filepath.Join(".deployer", "state.db"),
		filepath.Join(".deployer", "keys", "id_ed25519"),
		filepath.Join(".deployer", "keys", "id_ed25519.pub"),
	} {
		if _, err := os.Stat(filepath.Join(dir, path)); err != nil {
			t.Errorf("Expected %s to exist, got: %v", path, err)
		}
	}

	pub, err := os.ReadFile(filepath.Join(dir, ".deployer", "keys", "id_ed25519.pub"))
	if err != nil || !strings.HasPrefix(string(pub), "ssh-ed25519 ") {
		t.Fatalf("Expected an OpenSSH public key, got: %q (%v)", pub, err)
	}

	out, err = runCLI(t, "init", "-C", dir)
	if err != nil {
		t.Fatalf("second init failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Settings already exist") || !strings.Contains(out, "Profile already exists") ||
		!strings.Contains(out, "SSH keypair already exists") {
		t.Fatalf("Expected existing files to be kept, got:\n%s", out)
	}

	out, err = runCLI(t, "validate", "-C", dir)
	if err != nil {
		t.Fatalf("validate of the example failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "is valid: 1 units") {
		t.Fatalf("Expected the example profile to validate, got:\n%s", out)
	}

	out, err = runCLI(t, "execute", "install", "-C", dir, "-v")
	if err != nil {
		t.Fatalf("execute of the example failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "| greeting=hello") {
		t.Fatalf("Expected the example script to print its properties, got:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	dir := newSolution(t, shopProfile)

	out, err := runCLI(t, "validate", "-C", dir)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "profile profile (shop) is valid: 2 units, 2 groups") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		want    string
	}{
		{
			name:    "schema",
			profile: "deployment: shop\nunits:\n  - id: db\n    colour: red\n",
			want:    "colour",
		},
		{
			name: "cycle",
			profile: `
deployment: shop
units:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`,
			want: "circular dependency",
		},
		{
			name:    "policy",
			profile: "deployment: shop\nunits:\n  - id: Web\n    commands: [install]\n",
			want:    "denied by policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newSolution(t, tt.profile)
			_, err := runCLI(t, "validate", "-C", dir)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestGraph(t *testing.T) {
	dir := newSolution(t, shopProfile)

	out, err := runCLI(t, "graph", "-C", dir)
	if err != nil {
		t.Fatalf("graph failed: %v\n%s", err, out)
	}
	if out != "group 1: db\ngroup 2: web\n" {
		t.Fatalf("unexpected groups:\n%s", out)
	}

	out, err = runCLI(t, "graph", "-C", dir, "--dot")
	if err != nil {
		t.Fatalf("graph --dot failed: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "digraph UnitDependencies {") || !strings.Contains(out, `"db" -> "web";`) {
		t.Fatalf("unexpected DOT output:\n%s", out)
	}

	out, err = runCLI(t, "graph", "-C", dir, "--unit", "db")
	if err != nil {
		t.Fatalf("graph --unit failed: %v\n%s", err, out)
	}
	if out != "group 1: db\n" {
		t.Fatalf("Expected only db, got:\n%s", out)
	}

	if _, err := runCLI(t, "graph", "-C", dir, "--unit", "cache"); err == nil {
		t.Fatal("Expected error for unknown unit")
	}
}

func TestProperties(t *testing.T) {
	dir := newSolution(t, shopProfile)

	out, err := runCLI(t, "properties", "-C", dir)
	if err != nil {
		t.Fatalf("properties failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "web listen=8080\n") {
		t.Fatalf("Expected web's attribute in the dump, got:\n%s", out)
	}

	out, err = runCLI(t, "properties", "-C", dir, "--unit", "web", "--command", "install")
	if err != nil {
		t.Fatalf("properties --unit failed: %v\n%s", err, out)
	}
	values, err := properties.Decode(strings.NewReader(out))
	if err != nil {
		t.Fatalf("Expected properties-file output, got: %v\n%s", err, out)
	}
	if values["listen"] != "8080" {
		t.Fatalf("Expected listen=8080, got: %v", values)
	}

	if _, err := runCLI(t, "properties", "-C", dir, "--command", "install"); err == nil {
		t.Fatal("Expected --command without --unit to fail")
	}
	if _, err := runCLI(t, "properties", "-C", dir, "--unit", "web", "--command", "deploy"); err == nil {
		t.Fatal("Expected unknown command to fail")
	}
}

func TestExecuteLifecycle(t *testing.T) {
	dir := newSolution(t, shopProfile)

	out, err := runCLI(t, "plan", "install", "-C", dir)
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "install on shop: 2 to run, 0 to skip") {
		t.Fatalf("unexpected plan:\n%s", out)
	}

	out, err = runCLI(t, "execute", "install", "-C", dir)
	if err != nil {
		t.Fatalf("execute failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "succeeded in") || !strings.Contains(out, "2 succeeded, 0 failed") {
		t.Fatalf("unexpected run output:\n%s", out)
	}

	props, err := properties.ReadFile(filepath.Join(dir, "shop", "web", "install.properties"))
	if err != nil {
		t.Fatalf("Expected the properties file of web install: %v", err)
	}
	if props["listen"] != "8080" {
		t.Fatalf("Expected listen=8080 in the properties file, got: %v", props)
	}

	out, err = runCLI(t, "state", "list", "-C", dir)
	if err != nil {
		t.Fatalf("state list failed: %v\n%s", err, out)
	}
	if strings.Count(out, "succeeded") != 2 || !strings.Contains(out, "install") {
		t.Fatalf("Expected two recorded successes, got:\n%s", out)
	}

	out, err = runCLI(t, "plan", "install", "-C", dir)
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0 to run, 2 to skip") {
		t.Fatalf("Expected recorded successes to be skipped, got:\n%s", out)
	}

	out, err = runCLI(t, "execute", "install", "-C", dir)
	if err != nil {
		t.Fatalf("second execute failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 skipped") {
		t.Fatalf("Expected the second run to skip everything, got:\n%s", out)
	}

	out, err = runCLI(t, "state", "runs", "-C", dir)
	if err != nil {
		t.Fatalf("state runs failed: %v\n%s", err, out)
	}
	if strings.Count(out, "install") != 2 {
		t.Fatalf("Expected two runs in the history, got:\n%s", out)
	}

	out, err = runCLI(t, "state", "reset", "web", "-C", dir)
	if err != nil {
		t.Fatalf("state reset failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "removed 1 records from shop") {
		t.Fatalf("unexpected reset output:\n%s", out)
	}

	out, err = runCLI(t, "plan", "install", "-C", dir)
	if err != nil {
		t.Fatalf("plan failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 to run, 1 to skip") {
		t.Fatalf("Expected only web to run again, got:\n%s", out)
	}

	if _, err := runCLI(t, "state", "reset", "-C", dir); err == nil {
		t.Fatal("Expected reset without units or --all to fail")
	}
	out, err = runCLI(t, "state", "reset", "--all", "-C", dir)
	if err != nil {
		t.Fatalf("state reset --all failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "removed 1 records") {
		t.Fatalf("unexpected reset output:\n%s", out)
	}
}

func TestExecute_ScriptFailure(t *testing.T) {
	dir := newSolution(t, shopProfile)
	failing := "#!/bin/sh\necho broken >&2\nexit 3\n"
	if err := os.WriteFile(filepath.Join(dir, "scripts", "db", "install"), []byte(failing), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	out, err := runCLI(t, "execute", "install", "-C", dir)
	if err == nil {
		t.Fatalf("Expected the run to fail, got:\n%s", out)
	}
	if !strings.Contains(out, "failed") || !strings.Contains(out, "cancelled") {
		t.Fatalf("Expected db to fail and web to be cancelled, got:\n%s", out)
	}
}

func TestExecute_PolicyDenied(t *testing.T) {
	profile := strings.Replace(shopProfile, "id: web", "id: Web", 1)
	profile = strings.Replace(profile, "consumer: web/database", "consumer: Web/database", 1)
	dir := newSolution(t, profile)
	if err := os.Rename(filepath.Join(dir, "scripts", "web"), filepath.Join(dir, "scripts", "Web")); err != nil {
		t.Fatalf("Failed to rename scripts: %v", err)
	}

	_, err := runCLI(t, "execute", "install", "-C", dir)
	var denied *policy.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Expected DeniedError, got: %v", err)
	}

	// In warn mode the same profile runs and the violation is printed.
	settings := "[policy]\nenabled = true\nmode = \"warn\"\n"
	if err := os.WriteFile(filepath.Join(dir, "deployer.toml"), []byte(settings), 0o644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}
	out, err := runCLI(t, "execute", "install", "-C", dir)
	if err != nil {
		t.Fatalf("Expected warn mode to run, got: %v\n%s", err, out)
	}
	if !strings.Contains(out, "warning: [error] unit-naming: unit Web") {
		t.Fatalf("Expected the violation as a warning, got:\n%s", out)
	}
}

func TestPolicyCommands(t *testing.T) {
	dir := newSolution(t, shopProfile)
	rego := "# Every profile needs a description.\n# severity: error\npackage custom.describe\n\ndeny contains \"profile has no description\" if {\n\tnot input.profile.description\n}\n"
	if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
		t.Fatalf("Failed to create policy directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "policies", "describe.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	settings := "[policy]\nenabled = true\nmode = \"enforce\"\npaths = [\"policies\"]\ndisabled = [\"package-pinned\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "deployer.toml"), []byte(settings), 0o644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	out, err := runCLI(t, "policy", "list", "-C", dir)
	if err != nil {
		t.Fatalf("policy list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "describe") || !strings.Contains(out, filepath.Join("policies", "describe.rego")) {
		t.Fatalf("Expected the file policy to be listed, got:\n%s", out)
	}
	if !strings.Contains(out, "package-pinned       disabled") {
		t.Fatalf("Expected package-pinned to be disabled, got:\n%s", out)
	}

	out, err = runCLI(t, "policy", "check", "-C", dir)
	var denied *policy.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Expected DeniedError, got: %v\n%s", err, out)
	}
	if !strings.Contains(out, "[error] describe: profile has no description") {
		t.Fatalf("Expected the violation, got:\n%s", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "deployer test (commit: abc123, built: today") {
		t.Fatalf("unexpected version output: %s", out)
	}
}
