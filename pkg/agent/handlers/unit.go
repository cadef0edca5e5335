package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/deployer/pkg/agent/protocol"
)

const (
	// maxOutput bounds the output kept in the result. Every line is still streamed.
	maxOutput = 256 * 1024
	// maxArtifact bounds a single state file returned to the orchestrator.
	maxArtifact = 1024 * 1024
)

// UnitRunHandler runs a unit lifecycle script.
type UnitRunHandler struct {
	CommandID string
}

// Handle runs the script with the properties file and state directory exported. Each
// output line becomes an event. A non-zero exit is reported in the result, not as an error.
func (h *UnitRunHandler) Handle(ctx context.Context, params *protocol.UnitRunParams, eventCh chan<- *protocol.EventMessage) (*protocol.UnitRunResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(params.Script)
	if err != nil {
		return nil, fmt.Errorf("unit script: %w", err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("unit script %s is not executable", params.Script)
	}
	if _, err := os.Stat(params.PropertiesFile); err != nil {
		return nil, fmt.Errorf("properties file: %w", err)
	}

	stateDir := params.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(filepath.Dir(params.PropertiesFile), "state")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	env := map[string]string{
		"DEPLOYER_DEPLOYMENT":      params.Deployment,
		"DEPLOYER_UNIT":            params.Unit,
		"DEPLOYER_COMMAND":         params.Command,
		"DEPLOYER_PROPERTIES_FILE": params.PropertiesFile,
		"DEPLOYER_STATE_DIR":       stateDir,
	}
	for k, v := range params.Env {
		if _, reserved := env[k]; !reserved {
			env[k] = v
		}
	}

	cmd := exec.CommandContext(ctx, params.Script)
	cmd.Dir = params.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(params.Script)
	}
	cmd.Env = mergeEnv(os.Environ(), env)
	terminateOnCancel(cmd)

	out := &lineStreamer{commandID: h.CommandID, events: eventCh}
	cmd.Stdout = out.stream("stdout")
	cmd.Stderr = out.stream("stderr")

	start := time.Now()
	err = cmd.Run()
	out.flush()

	result := &protocol.UnitRunResult{
		Duration: time.Since(start).Seconds(),
		Output:   out.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run unit script: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	result.Artifacts, err = CollectArtifacts(stateDir)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CollectArtifacts reads the regular files directly under dir. Dot files are skipped.
func CollectArtifacts(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var artifacts map[string][]byte
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if info.Size() > maxArtifact {
			return nil, fmt.Errorf("state file %s is larger than %d bytes", e.Name(), maxArtifact)
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read state file: %w", err)
		}
		if artifacts == nil {
			artifacts = make(map[string][]byte)
		}
		artifacts[e.Name()] = data
	}
	return artifacts, nil
}

// lineStreamer collects combined output and emits one event per complete line.
type lineStreamer struct {
	commandID string
	events    chan<- *protocol.EventMessage

	mu      sync.Mutex
	out     bytes.Buffer
	pending map[string]*bytes.Buffer
}

type streamWriter struct {
	s    *lineStreamer
	name string
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.s.write(w.name, p)
	return len(p), nil
}

func (s *lineStreamer) stream(name string) streamWriter {
	return streamWriter{s: s, name: name}
}

func (s *lineStreamer) write(stream string, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := maxOutput - s.out.Len(); room > 0 {
		s.out.Write(p[:min(len(p), room)])
	}

	if s.pending == nil {
		s.pending = make(map[string]*bytes.Buffer)
	}
	buf := s.pending[stream]
	if buf == nil {
		buf = new(bytes.Buffer)
		s.pending[stream] = buf
	}
	buf.Write(p)
	for {
		i := bytes.IndexByte(buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(buf.Next(i + 1))
		s.emit(stream, strings.TrimRight(line, "\r\n"))
	}
}

func (s *lineStreamer) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for stream, buf := range s.pending {
		if buf.Len() > 0 {
			s.emit(stream, buf.String())
			buf.Reset()
		}
	}
}

func (s *lineStreamer) emit(stream, line string) {
	if s.events == nil || s.commandID == "" {
		return
	}
	level := "info"
	if stream == "stderr" {
		level = "warn"
	}
	s.events <- &protocol.EventMessage{CommandID: s.commandID, Level: level, Message: line, Stream: stream}
}

func (s *lineStreamer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}
