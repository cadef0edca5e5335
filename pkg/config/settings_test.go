package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/deployer/pkg/transports/ssh"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("/srv/shop")
	if err := s.Validate(); err != nil {
		t.Fatalf("Expected defaults to be valid, got: %v", err)
	}
	if s.Path() != "" {
		t.Errorf("Expected no settings path for defaults, got %q", s.Path())
	}
	if got := s.Resolve(s.StateDB); got != "/srv/shop/.deployer/state.db" {
		t.Errorf("unexpected state db path %q", got)
	}
	if s.ProfilePath() != "/srv/shop" {
		t.Errorf("Expected the solution dir as profile path, got %q", s.ProfilePath())
	}
	if s.Resolve("/etc/deployer/policies") != "/etc/deployer/policies" {
		t.Error("Expected absolute paths to stay unchanged")
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	s, warnings, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings without a file failed: %v", err)
	}
	if len(warnings) != 0 || s.LockWait != 30*time.Second {
		t.Errorf("Expected defaults, got %+v / %v", s, warnings)
	}

	writeFile(t, dir, SettingsFile, `
profile = "profiles/prod.cue"
parallelism = 4
lock_wait = "2m"
colour = "blue"

[ssh]
user = "deploy"
port = 2222
auth_method = "agent"
strict_host_keys = false

[agent]
binary = "bin/deploy-agent"
command_timeout = "10m"

[policy]
paths = ["policies"]
mode = "warn"

[telemetry.logging]
level = "debug"

[vars]
env = "prod"
`)
	s, warnings, err = LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Path() != filepath.Join(dir, SettingsFile) {
		t.Errorf("unexpected settings path %q", s.Path())
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "colour") {
		t.Errorf("Expected a warning for the unknown key, got %v", warnings)
	}
	if s.Parallelism != 4 || s.LockWait != 2*time.Minute || s.Agent.CommandTimeout != 10*time.Minute {
		t.Errorf("unexpected settings %+v", s)
	}
	if s.Telemetry.Logging.Level != "debug" || s.Telemetry.Logging.Format != "console" {
		t.Errorf("Expected telemetry defaults to be kept, got %+v", s.Telemetry.Logging)
	}
	if s.ProfilePath() != filepath.Join(dir, "profiles", "prod.cue") {
		t.Errorf("unexpected profile path %q", s.ProfilePath())
	}
	if paths := s.PolicyPaths(); len(paths) != 1 || paths[0] != filepath.Join(dir, "policies") {
		t.Errorf("unexpected policy paths %v", paths)
	}
	if s.Vars["env"] != "prod" || s.Agent.RemoteRoot != "/var/tmp/deployer" {
		t.Errorf("unexpected vars/agent %v / %+v", s.Vars, s.Agent)
	}

	base := s.SSHBase()
	if base.User != "deploy" || base.Port != 2222 || base.AuthMethod != ssh.AuthMethodAgent || base.StrictHostKeyChecking {
		t.Errorf("unexpected SSH base %+v", base)
	}
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "syntax", content: "parallelism = \n", want: "failed to read settings"},
		{name: "policy mode", content: "[policy]\nmode = \"block\"\n", want: "Mode"},
		{name: "negative parallelism", content: "parallelism = -1\n", want: "Parallelism"},
		{name: "relative remote root", content: "[agent]\nremote_root = \"tmp\"\n", want: "RemoteRoot"},
		{name: "auth method", content: "[ssh]\nauth_method = \"kerberos\"\n", want: "AuthMethod"},
		{name: "log level", content: "[telemetry.logging]\nlevel = \"loud\"\n", want: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, SettingsFile, tt.content)
			_, _, err := LoadSettings(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestSettings_Save(t *testing.T) {
	dir := t.TempDir()
	s := DefaultSettings(dir)
	s.Parallelism = 8
	s.Wasm.CacheDir = ".deployer/wasm"
	s.UnitTimeout = 90 * time.Second

	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `unit_timeout = "1m30s"`) {
		t.Errorf("Expected durations written as strings, got:\n%s", data)
	}

	loaded, warnings, err := LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected saved settings to load without warnings, got %v", warnings)
	}
	if loaded.Parallelism != 8 || loaded.Wasm.CacheDir != ".deployer/wasm" || loaded.UnitTimeout != 90*time.Second {
		t.Errorf("unexpected reloaded settings %+v", loaded)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/.ssh/id_ed25519"); got != filepath.Join(home, ".ssh", "id_ed25519") {
		t.Errorf("unexpected expansion %q", got)
	}
	if got := expandHome("/keys/id"); got != "/keys/id" {
		t.Errorf("Expected absolute path unchanged, got %q", got)
	}
}
