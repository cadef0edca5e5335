package client

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/deployer/pkg/agent"
	"github.com/openfroyo/deployer/pkg/agent/protocol"
	"github.com/openfroyo/deployer/pkg/transports/ssh"
)

// pipeTransport runs an in-process agent behind io.Pipes in place of an SSH session.
type pipeTransport struct {
	mu       sync.Mutex
	uploads  []string
	removed  []string
	commands []string
	ttl      time.Duration

	// raw replaces the agent with a canned stdout stream when canned is set.
	canned bool
	raw    string
}

func (p *pipeTransport) Upload(ctx context.Context, localPath, remotePath string, mode uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, localPath+"->"+remotePath)
	return nil
}

func (p *pipeTransport) Remove(ctx context.Context, remotePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, remotePath)
	return nil
}

func (p *pipeTransport) StartProcess(ctx context.Context, cmd string) (*ssh.Process, error) {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	if p.canned {
		go func() {
			_, _ = io.WriteString(outW, p.raw)
			_ = outW.Close()
		}()
		return ssh.NewProcess(inW, outR, func() error { return nil }, func() error {
			_ = inR.Close()
			return outR.Close()
		}), nil
	}

	ttl := p.ttl
	if ttl == 0 {
		ttl = time.Minute
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.NewRunner(inR, outW, agent.WithTTL(ttl)).Serve(context.Background())
		_ = outW.Close()
	}()

	return ssh.NewProcess(inW, outR,
		func() error { <-done; return nil },
		func() error {
			_ = inR.CloseWithError(io.ErrClosedPipe)
			_ = outR.Close()
			return nil
		}), nil
}

func startClient(t *testing.T, tr *pipeTransport, cfg Config) *Client {
	t.Helper()
	cfg.Transport = tr
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

func unitScript(t *testing.T) (script, props string) {
	t.Helper()
	dir := t.TempDir()
	script = filepath.Join(dir, "install")
	body := "#!/bin/sh\necho \"installing $DEPLOYER_UNIT\"\necho ok > \"$DEPLOYER_STATE_DIR/status\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	props = filepath.Join(dir, "dev", "web", "install.properties")
	if err := os.MkdirAll(filepath.Dir(props), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(props, []byte("port=8080\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return script, props
}

func TestClient_RunUnit(t *testing.T) {
	tr := &pipeTransport{}
	var events []string
	c := startClient(t, tr, Config{
		AgentPath: "/build/deploy-agent",
		OnEvent:   func(e *protocol.EventMessage) { events = append(events, e.Message) },
	})

	if r := c.Ready(); r == nil || r.Version != agent.Version || !r.Supports(protocol.CommandTypeUnitRun) {
		t.Fatalf("unexpected READY %+v", r)
	}
	if len(tr.uploads) != 1 || tr.uploads[0] != "/build/deploy-agent->"+DefaultRemotePath {
		t.Errorf("unexpected uploads %v", tr.uploads)
	}
	if tr.commands[0] != "'"+DefaultRemotePath+"'" {
		t.Errorf("unexpected start command %q", tr.commands[0])
	}

	script, props := unitScript(t)
	result, err := c.RunUnit(context.Background(), &protocol.UnitRunParams{
		Deployment:     "dev",
		Unit:           "web",
		Command:        "install",
		Script:         script,
		PropertiesFile: props,
	}, time.Minute)
	if err != nil {
		t.Fatalf("RunUnit failed: %v", err)
	}
	if result.ExitCode != 0 || string(result.Artifacts["status"]) != "ok\n" {
		t.Errorf("unexpected result %+v", result)
	}
	if len(events) != 1 || events[0] != "installing web" {
		t.Errorf("unexpected events %v", events)
	}

	// a failing command leaves the agent usable
	_, err = c.RunUnit(context.Background(), &protocol.UnitRunParams{
		Deployment:     "dev",
		Unit:           "web",
		Command:        "install",
		Script:         filepath.Join(t.TempDir(), "missing"),
		PropertiesFile: props,
	}, 0)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.ErrCodeExecFailed {
		t.Fatalf("Expected CommandError, got: %v", err)
	}
	if _, err := c.RunUnit(context.Background(), &protocol.UnitRunParams{
		Deployment: "dev", Unit: "web", Command: "install", Script: script, PropertiesFile: props,
	}, 0); err != nil {
		t.Fatalf("Expected agent to stay usable, got: %v", err)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if exit := c.ExitInfo(); exit == nil || exit.Reason != agent.ExitStdinClosed || exit.CommandsTotal != 3 {
		t.Errorf("unexpected EXIT %+v", exit)
	}
	if len(tr.removed) != 1 {
		t.Errorf("Expected uploaded agent to be removed, got %v", tr.removed)
	}
	if _, err := c.RunUnit(context.Background(), &protocol.UnitRunParams{}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got: %v", err)
	}
}

func TestClient_PreinstalledAgent(t *testing.T) {
	tr := &pipeTransport{}
	c := startClient(t, tr, Config{RemotePath: "/opt/deployer/bin/deploy-agent"})
	if len(tr.uploads) != 0 {
		t.Errorf("Expected no upload for a preinstalled agent, got %v", tr.uploads)
	}
	if want := "env DEPLOY_AGENT_KEEP='1' '/opt/deployer/bin/deploy-agent'"; tr.commands[0] != want {
		t.Errorf("Expected start command %q, got %q", want, tr.commands[0])
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.removed) != 0 {
		t.Errorf("Expected preinstalled agent to be kept, got %v", tr.removed)
	}
}

func TestClient_CancelBreaksConnection(t *testing.T) {
	tr := &pipeTransport{}
	c := startClient(t, tr, Config{})
	defer c.Close(context.Background())

	dir := t.TempDir()
	script := filepath.Join(dir, "start")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 10\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	props := filepath.Join(dir, "start.properties")
	if err := os.WriteFile(props, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.RunUnit(ctx, &protocol.UnitRunParams{
		Deployment: "dev", Unit: "web", Command: "start", Script: script, PropertiesFile: props,
	}, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got: %v", err)
	}

	_, err = c.RunUnit(context.Background(), &protocol.UnitRunParams{
		Deployment: "dev", Unit: "web", Command: "start", Script: script, PropertiesFile: props,
	}, 0)
	if err == nil || !strings.Contains(err.Error(), "unusable") {
		t.Errorf("Expected unusable connection, got: %v", err)
	}
}

func TestClient_StartErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"stream closed", "", "agent closed the stream"},
		{"wrong first message", `{"type":"EXIT","timestamp":"2024-01-01T00:00:00Z","data":{"reason":"error"}}` + "\n", "expected READY"},
		{"garbage", "not json\n", "failed to receive READY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &pipeTransport{canned: true, raw: tt.raw}
			c, err := New(Config{Transport: tr, StartupTimeout: time.Second})
			if err != nil {
				t.Fatal(err)
			}
			err = c.Start(context.Background())
			if err == nil {
				t.Fatal("Expected start to fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Expected error without transport")
	}
}
