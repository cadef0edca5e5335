// Package dispatch runs unit commands. LocalDispatcher runs unit scripts on the
// orchestrating host, RemoteDispatcher drives the deploy agent over SSH,
// WasmDispatcher runs WebAssembly unit commands under WASI and Router picks
// between them for each request.
//
// Unit scripts live in a scripts directory laid out as <dir>/<unit>/<command>. Units
// without their own script use <dir>/packages/<package>/<command>. A file named
// <command>.wasm next to it selects the WebAssembly runtime instead.
package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/deployer/pkg/model"
)

// Kind is how a unit command is executed.
type Kind string

const (
	KindExec Kind = "exec"
	KindWasm Kind = "wasm"
)

// Script is a resolved unit command.
type Script struct {
	Path string
	Kind Kind
}

// Scripts resolves unit commands in a scripts directory.
type Scripts struct {
	Dir string
}

// PackagesDir is the subdirectory of the scripts directory holding package scripts.
const PackagesDir = "packages"

// Resolve finds the script for a unit command. An executable file wins over a
// .wasm module of the same name.
func (s Scripts) Resolve(unit, command string) (*Script, error) {
	return s.ResolveUnit(unit, "", command)
}

// ResolveUnit finds the script for a unit command, falling back to the script of
// the unit's package under <dir>/packages/<package>/<command> when the unit has
// none of its own. pkg may be empty.
func (s Scripts) ResolveUnit(unit, pkg, command string) (*Script, error) {
	if s.Dir == "" {
		return nil, fmt.Errorf("no scripts directory configured")
	}
	if !validName(unit) || !validName(command) {
		return nil, fmt.Errorf("invalid unit command %q/%q", unit, command)
	}
	if pkg != "" && !validName(pkg) {
		return nil, fmt.Errorf("invalid package %q for unit %s", pkg, unit)
	}

	script, err := lookupScript(filepath.Join(s.Dir, unit, command))
	if script != nil || err != nil || pkg == "" {
		if script == nil && err == nil {
			err = &ScriptNotFoundError{Unit: unit, Command: command, Dir: s.Dir}
		}
		return script, err
	}

	script, err = lookupScript(filepath.Join(s.Dir, PackagesDir, pkg, command))
	if script == nil && err == nil {
		err = &ScriptNotFoundError{Unit: unit, Package: pkg, Command: command, Dir: s.Dir}
	}
	return script, err
}

// resolveRequest resolves the script for a dispatch request.
func (s Scripts) resolveRequest(unit *model.Unit, command string) (*Script, error) {
	pkg := ""
	if unit.Package != nil {
		pkg = unit.Package.ID.String()
	}
	return s.ResolveUnit(unit.ID.String(), pkg, command)
}

// lookupScript returns nil without error when base has neither form.
func lookupScript(base string) (*Script, error) {
	if info, err := os.Stat(base); err == nil && info.Mode().IsRegular() {
		if info.Mode().Perm()&0o111 == 0 {
			return nil, fmt.Errorf("unit script %s is not executable", base)
		}
		return &Script{Path: base, Kind: KindExec}, nil
	}
	if info, err := os.Stat(base + ".wasm"); err == nil && info.Mode().IsRegular() {
		return &Script{Path: base + ".wasm", Kind: KindWasm}, nil
	}
	return nil, nil
}

func validName(s string) bool {
	return s != "" && s != ".." && s != "." && !strings.ContainsAny(s, `/\`)
}

// ScriptNotFoundError reports a unit without a script for a command.
type ScriptNotFoundError struct {
	Unit    string
	Package string
	Command string
	Dir     string
}

func (e *ScriptNotFoundError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("no %s script for unit %s or package %s under %s", e.Command, e.Unit, e.Package, e.Dir)
	}
	return fmt.Sprintf("no %s script for unit %s under %s", e.Command, e.Unit, e.Dir)
}

func (e *ScriptNotFoundError) Unwrap() error {
	return fs.ErrNotExist
}

// ScriptError is a unit command that ran and exited non-zero.
type ScriptError struct {
	Unit     string
	Command  string
	ExitCode int
	Output   string
}

func (e *ScriptError) Error() string {
	msg := fmt.Sprintf("%s of unit %s exited with code %d", e.Command, e.Unit, e.ExitCode)
	if last := lastLine(e.Output); last != "" {
		msg += ": " + last
	}
	return msg
}

// ExitCode returns the exit code of a ScriptError in err's chain, or -1.
func ExitCode(err error) int {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.ExitCode
	}
	return -1
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const max = 200
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// stateDir is where a unit command leaves state files, next to its properties file.
func stateDir(propertiesFile string) string {
	return filepath.Join(filepath.Dir(propertiesFile), "state")
}
