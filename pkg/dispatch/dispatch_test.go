package dispatch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
)

func writeScript(t *testing.T, dir, unit, command, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, unit, command)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

// newRequest writes a properties file the way the engine lays it out and returns
// a request for it.
func newRequest(t *testing.T, unit, command string, local bool) *engine.DispatchRequest {
	t.Helper()
	props := filepath.Join(t.TempDir(), "dev", unit, command+".properties")
	if err := os.MkdirAll(filepath.Dir(props), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(props, []byte("web.port=8080\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return &engine.DispatchRequest{
		RunID:          "run-1",
		Deployment:     ids.MustParse[ids.Deployment]("dev"),
		Command:        command,
		Unit:           &model.Unit{ID: ids.MustParse[ids.Unit](unit)},
		Local:          local,
		PropertiesFile: props,
		Properties:     map[string]string{"web.port": "8080"},
		Env:            map[string]string{"DEPLOYER_RUN_ID": "run-1", "DEPLOYER_UNIT": unit},
	}
}

func TestScripts_Resolve(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "web", "install", "#!/bin/sh\n", 0o755)
	writeScript(t, dir, "web", "start.wasm", "\x00asm", 0o644)
	writeScript(t, dir, "web", "stop", "#!/bin/sh\n", 0o755)
	writeScript(t, dir, "web", "stop.wasm", "\x00asm", 0o644)
	writeScript(t, dir, "web", "config", "#!/bin/sh\n", 0o644)

	tests := []struct {
		name     string
		unit     string
		command  string
		wantKind Kind
		wantErr  string
	}{
		{name: "executable script", unit: "web", command: "install", wantKind: KindExec},
		{name: "wasm module", unit: "web", command: "start", wantKind: KindWasm},
		{name: "script wins over wasm", unit: "web", command: "stop", wantKind: KindExec},
		{name: "not executable", unit: "web", command: "config", wantErr: "not executable"},
		{name: "missing", unit: "web", command: "upgrade", wantErr: "no upgrade script"},
		{name: "path in unit", unit: "../web", command: "install", wantErr: "invalid unit command"},
		{name: "parent command", unit: "web", command: "..", wantErr: "invalid unit command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := Scripts{Dir: dir}.Resolve(tt.unit, tt.command)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if script.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, script.Kind)
			}
		})
	}

	_, err := Scripts{Dir: dir}.Resolve("db", "install")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected missing script to match fs.ErrNotExist, got: %v", err)
	}
	if _, err := (Scripts{}).Resolve("web", "install"); err == nil {
		t.Error("Expected an error without a scripts directory")
	}
}

func TestScripts_ResolvePackageFallback(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "web", "install", "#!/bin/sh\n", 0o755)
	pkgInstall := writeScript(t, dir, filepath.Join(PackagesDir, "nginx"), "install", "#!/bin/sh\n", 0o755)
	writeScript(t, dir, filepath.Join(PackagesDir, "nginx"), "start.wasm", "\x00asm", 0o644)

	tests := []struct {
		name     string
		unit     string
		pkg      string
		command  string
		wantPath string
		wantKind Kind
		wantErr  string
	}{
		{name: "unit script wins", unit: "web", pkg: "nginx", command: "install", wantPath: filepath.Join(dir, "web", "install"), wantKind: KindExec},
		{name: "package script", unit: "proxy", pkg: "nginx", command: "install", wantPath: pkgInstall, wantKind: KindExec},
		{name: "package wasm", unit: "proxy", pkg: "nginx", command: "start", wantPath: filepath.Join(dir, PackagesDir, "nginx", "start.wasm"), wantKind: KindWasm},
		{name: "no package", unit: "proxy", command: "install", wantErr: "no install script for unit proxy under"},
		{name: "missing in both", unit: "proxy", pkg: "nginx", command: "stop", wantErr: "no stop script for unit proxy or package nginx"},
		{name: "invalid package", unit: "proxy", pkg: "../nginx", command: "install", wantErr: "invalid package"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := Scripts{Dir: dir}.ResolveUnit(tt.unit, tt.pkg, tt.command)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got: %v", tt.wantErr, err)
				}
				if !strings.Contains(tt.wantErr, "invalid") && !errors.Is(err, fs.ErrNotExist) {
					t.Errorf("Expected fs.ErrNotExist, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveUnit failed: %v", err)
			}
			if script.Path != tt.wantPath || script.Kind != tt.wantKind {
				t.Errorf("Expected %s (%s), got %s (%s)", tt.wantPath, tt.wantKind, script.Path, script.Kind)
			}
		})
	}
}

func TestScriptError(t *testing.T) {
	err := error(&ScriptError{Unit: "web", Command: "install", ExitCode: 4, Output: "step 1\nport already in use\n"})
	if want := "install of unit web exited with code 4: port already in use"; err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	wrapped := errors.Join(errors.New("run failed"), err)
	if ExitCode(wrapped) != 4 {
		t.Errorf("Expected exit code 4, got %d", ExitCode(wrapped))
	}
	if ExitCode(errors.New("other")) != -1 {
		t.Error("Expected -1 for non-script errors")
	}
	if lastLine(strings.Repeat("x", 300)) != strings.Repeat("x", 200)+"..." {
		t.Error("Expected long last line to be truncated")
	}
}

func TestLocalDispatcher_Dispatch(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "web", "install", `#!/bin/sh
echo "unit=$DEPLOYER_UNIT run=$DEPLOYER_RUN_ID"
cat "$DEPLOYER_PROPERTIES_FILE"
echo installed > "$DEPLOYER_STATE_DIR/status"
`, 0o755)
	writeScript(t, dir, "web", "start", "#!/bin/sh\necho booting\necho 'port in use' >&2\nexit 3\n", 0o755)

	d := NewLocalDispatcher(Scripts{Dir: dir}, nil)

	req := newRequest(t, "web", "install", true)
	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !strings.Contains(res.Output, "unit=web run=run-1") || !strings.Contains(res.Output, "web.port=8080") {
		t.Errorf("unexpected output %q", res.Output)
	}
	if string(res.Artifacts["status"]) != "installed\n" {
		t.Errorf("Expected status artifact, got %v", res.Artifacts)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(req.PropertiesFile), "state", "status")); err != nil {
		t.Errorf("Expected state file next to the properties file: %v", err)
	}

	res, err = d.Dispatch(context.Background(), newRequest(t, "web", "start", true))
	var se *ScriptError
	if !errors.As(err, &se) || se.ExitCode != 3 {
		t.Fatalf("Expected ScriptError with code 3, got: %v", err)
	}
	if res == nil || !strings.Contains(res.Output, "booting") || !strings.Contains(res.Output, "port in use") {
		t.Errorf("Expected output with the failure, got %+v / %v", res, err)
	}
}

func TestLocalDispatcher_Errors(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "web", "start.wasm", "\x00asm", 0o644)
	d := NewLocalDispatcher(Scripts{Dir: dir}, nil)

	if _, err := d.Dispatch(context.Background(), newRequest(t, "web", "start", true)); err == nil || !strings.Contains(err.Error(), "wasm module") {
		t.Errorf("Expected wasm rejection, got: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), newRequest(t, "web", "install", true)); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected missing script error, got: %v", err)
	}
}

func TestRouter_Dispatch(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "web", "install", "#!/bin/sh\n", 0o755)
	writeScript(t, dir, "web", "start.wasm", "\x00asm", 0o644)

	var got string
	named := func(name string) engine.Dispatcher {
		return engine.DispatcherFunc(func(ctx context.Context, req *engine.DispatchRequest) (*engine.DispatchResult, error) {
			got = name
			return &engine.DispatchResult{}, nil
		})
	}
	full := &Router{Scripts: Scripts{Dir: dir}, Local: named("local"), Remote: named("remote"), Wasm: named("wasm")}
	localOnly := &Router{Scripts: Scripts{Dir: dir}, Local: named("local")}

	tests := []struct {
		name    string
		router  *Router
		command string
		local   bool
		want    string
		wantErr string
	}{
		{name: "remote unit", router: full, command: "install", want: "remote"},
		{name: "local script", router: full, command: "install", local: true, want: "local"},
		{name: "local wasm", router: full, command: "start", local: true, want: "wasm"},
		{name: "remote without dispatcher", router: localOnly, command: "install", wantErr: "no remote dispatcher"},
		{name: "wasm without runtime", router: localOnly, command: "start", local: true, wantErr: "WebAssembly runtime"},
		{name: "missing script", router: full, command: "stop", local: true, wantErr: "no stop script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = ""
			_, err := tt.router.Dispatch(context.Background(), newRequest(t, "web", tt.command, tt.local))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s dispatcher, got %q", tt.want, got)
			}
		})
	}

	if err := full.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestRouter_PackageScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, filepath.Join(PackagesDir, "nginx"), "install", "#!/bin/sh\necho \"package install for $DEPLOYER_UNIT\"\n", 0o755)
	writeScript(t, dir, filepath.Join(PackagesDir, "nginx"), "start.wasm", "\x00asm", 0o644)

	var wasmCalled bool
	router := &Router{
		Scripts: Scripts{Dir: dir},
		Local:   NewLocalDispatcher(Scripts{Dir: dir}, nil),
		Wasm: engine.DispatcherFunc(func(ctx context.Context, req *engine.DispatchRequest) (*engine.DispatchResult, error) {
			wasmCalled = true
			return &engine.DispatchResult{}, nil
		}),
	}
	withPackage := func(req *engine.DispatchRequest) *engine.DispatchRequest {
		req.Unit.Package = &model.PackageRef{ID: ids.MustParse[ids.Package]("nginx"), Version: "1.25"}
		return req
	}

	res, err := router.Dispatch(context.Background(), withPackage(newRequest(t, "proxy", "install", true)))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !strings.Contains(res.Output, "package install for proxy") {
		t.Errorf("Expected the package script to run, got: %q", res.Output)
	}

	if _, err := router.Dispatch(context.Background(), withPackage(newRequest(t, "proxy", "start", true))); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !wasmCalled {
		t.Error("Expected the package wasm module to route to the WebAssembly runtime")
	}

	if _, err := router.Dispatch(context.Background(), newRequest(t, "proxy", "install", true)); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected a unit without package to miss, got: %v", err)
	}
}
