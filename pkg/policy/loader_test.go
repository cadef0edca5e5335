package policy

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(nil)
	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")

	regoContent := `# Units must not be named "tmp".
# They are removed by the nightly cleanup.
# severity: critical
# tags: naming, hygiene

package test.policy

deny contains "tmp is reserved" if {
	some unit in input.profile.units
	unit.id == "tmp"
}
`
	writePolicy(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got: %s", policy.Severity)
	}
	if !reflect.DeepEqual(policy.Tags, []string{"naming", "hygiene"}) {
		t.Errorf("Expected tags, got: %v", policy.Tags)
	}
	want := `Units must not be named "tmp". They are removed by the nightly cleanup.`
	if policy.Description != want {
		t.Errorf("Expected description %q, got: %q", want, policy.Description)
	}
	if policy.Source != policyFile || policy.Builtin() {
		t.Errorf("Expected source %s, got: %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(nil)
	policyFile := filepath.Join(t.TempDir(), "from-json.json")

	writePolicy(t, policyFile, `{
	"description": "JSON policy",
	"rego": "package json.policy\n\ndeny contains \"never\" if { false }\n",
	"enabled": true,
	"tags": ["test"]
}`)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "from-json" {
		t.Errorf("Expected name from file, got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default warning severity, got '%s'", policy.Severity)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got: %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "broken.json"), `{"name": `)
	writePolicy(t, filepath.Join(dir, "notes.txt"), "hello")

	tests := []struct {
		name string
		path string
	}{
		{name: "missing", path: filepath.Join(dir, "missing.rego")},
		{name: "bad json", path: filepath.Join(dir, "broken.json")},
		{name: "unsupported", path: filepath.Join(dir, "notes.txt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader(nil).loadFromFile(context.Background(), tt.path); err == nil {
				t.Fatal("Expected error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "a.rego"), "package a\n")
	writePolicy(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writePolicy(t, filepath.Join(dir, "README.md"), "# policies")
	single := filepath.Join(t.TempDir(), "c.rego")
	writePolicy(t, single, "package c\n")

	loader := NewLoader(nil)
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("Expected policies a, b, c, got: %v", names)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestLoadFromPaths_BrokenFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "a.rego"), "package a\n")
	writePolicy(t, filepath.Join(dir, "b.json"), "{")

	if _, err := NewLoader(nil).LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected error for broken policy file")
	}
}

func TestLoader_Cache(t *testing.T) {
	loader := NewLoader(nil)
	path := filepath.Join(t.TempDir(), "p.rego")
	writePolicy(t, path, "# first\npackage p\n")

	p, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Description != "first" {
		t.Fatalf("Expected first description, got: %s", p.Description)
	}
	if got := loader.Cached(); !reflect.DeepEqual(got, []string{path}) {
		t.Fatalf("Expected cached path, got: %v", got)
	}

	writePolicy(t, path, "# second\npackage p\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch file: %v", err)
	}

	p, err = loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Description != "second" {
		t.Fatalf("Expected modified file to be reparsed, got: %s", p.Description)
	}

	loader.ClearCache()
	if len(loader.Cached()) != 0 {
		t.Fatalf("Expected empty cache, got: %v", loader.Cached())
	}
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "a.rego"), "package a\n")

	loader := NewLoader(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloads [][]Policy
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
			mu.Lock()
			defer mu.Unlock()
			reloads = append(reloads, policies)
			return nil
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, filepath.Join(dir, "b.rego"), "package b\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(reloads)
		var last []Policy
		if n > 0 {
			last = reloads[n-1]
		}
		mu.Unlock()

		if len(last) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected reload with two policies, got %d reloads", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected clean shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
