package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"unit.run": true},
			},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data:    &EventMessage{CommandID: "cmd-123", Level: "info", Message: "installing"},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{CommandID: "cmd-123", Duration: 1.5},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{CommandID: "cmd-123", Code: ErrCodeExecFailed, Message: "script not found"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", SelfDeleted: true, CommandsTotal: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") || strings.Count(buf.String(), "\n") != 1 {
				t.Errorf("expected exactly one line, got %q", buf.String())
			}
			var msg Message
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","capabilities":{"unit.run":true}}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode run message",
			input:   `{"type":"RUN","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-1","type":"exec","params":{"command":"ls"}}}`,
			msgType: MessageTypeRun,
		},
		{
			name:    "invalid JSON",
			input:   `{"type":"READY"`,
			wantErr: true,
		},
		{
			name:    "invalid message type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder_EOF(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("")).Decode()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF, got: %v", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	cmd, err := NewCommand("cmd-1", CommandTypeUnitRun, &UnitRunParams{
		Deployment:     "dev",
		Unit:           "web",
		Command:        "install",
		Script:         "/opt/units/web/install",
		PropertiesFile: "/var/lib/deployer/dev/web/install.properties",
	})
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	cmd.Deployment, cmd.Unit = "dev", "web"
	if err := enc.EncodeRun(cmd); err != nil {
		t.Fatalf("EncodeRun failed: %v", err)
	}
	// a second command missing its unit
	if err := enc.Encode(MessageTypeRun, &CommandMessage{ID: "cmd-2", Type: CommandTypeUnitRun, Params: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := enc.EncodeDone(&DoneMessage{CommandID: "cmd-3"}); err != nil {
		t.Fatalf("EncodeDone failed: %v", err)
	}

	dec := NewDecoder(&buf)
	got, err := dec.DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	var params UnitRunParams
	if err := ParseParams(got.Params, &params); err != nil {
		t.Fatalf("ParseParams failed: %v", err)
	}
	if got.ID != "cmd-1" || params.Unit != "web" || params.Command != "install" {
		t.Errorf("unexpected command %+v %+v", got, params)
	}

	_, err = dec.DecodeCommand()
	var invalid *InvalidCommandError
	if !errors.As(err, &invalid) || invalid.ID != "cmd-2" {
		t.Fatalf("Expected InvalidCommandError for cmd-2, got: %v", err)
	}

	if _, err := dec.DecodeCommand(); err == nil || !strings.Contains(err.Error(), "expected RUN") {
		t.Errorf("Expected error for non-RUN message, got: %v", err)
	}
}

func TestEncodeRun_RejectsInvalid(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeRun(&CommandMessage{Type: CommandTypeExec}); err == nil {
		t.Fatal("Expected error for command without ID")
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing written, got %q", buf.String())
	}
}

func TestArtifactsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	result, _ := json.Marshal(&UnitRunResult{
		ExitCode:  0,
		Artifacts: map[string][]byte{"status": []byte("running\x00binary")},
	})
	if err := NewEncoder(&buf).EncodeDone(&DoneMessage{CommandID: "cmd-1", Result: result}); err != nil {
		t.Fatalf("EncodeDone failed: %v", err)
	}

	msg, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var done DoneMessage
	if err := ParseParams(msg.Data, &done); err != nil {
		t.Fatal(err)
	}
	var got UnitRunResult
	if err := ParseParams(done.Result, &got); err != nil {
		t.Fatal(err)
	}
	if string(got.Artifacts["status"]) != "running\x00binary" {
		t.Errorf("artifact not preserved: %q", got.Artifacts["status"])
	}
}
