package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessageTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		wantErr bool
	}{
		{"valid READY", MessageTypeReady, false},
		{"valid RUN", MessageTypeRun, false},
		{"valid EVENT", MessageTypeEvent, false},
		{"valid DONE", MessageTypeDone, false},
		{"valid ERROR", MessageTypeError, false},
		{"valid EXIT", MessageTypeExit, false},
		{"invalid type", MessageType("INVALID"), true},
		{"empty type", MessageType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msgType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandMessageValidate(t *testing.T) {
	params := json.RawMessage(`{"command":"true"}`)
	tests := []struct {
		name    string
		cmd     CommandMessage
		wantErr bool
	}{
		{"valid exec", CommandMessage{ID: "1", Type: CommandTypeExec, Params: params}, false},
		{"valid unit run", CommandMessage{ID: "1", Type: CommandTypeUnitRun, Deployment: "dev", Unit: "web", Params: params}, false},
		{"unit run without unit", CommandMessage{ID: "1", Type: CommandTypeUnitRun, Deployment: "dev", Params: params}, true},
		{"missing ID", CommandMessage{Type: CommandTypeExec, Params: params}, true},
		{"invalid type", CommandMessage{ID: "1", Type: "pkg.ensure", Params: params}, true},
		{"negative timeout", CommandMessage{ID: "1", Type: CommandTypeExec, Timeout: -1, Params: params}, true},
		{"missing params", CommandMessage{ID: "1", Type: CommandTypeExec}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	evt := &EventMessage{CommandID: "1"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("expected default level info, got %s", evt.Level)
	}
	if err := (&EventMessage{CommandID: "1", Level: "trace"}).Validate(); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := (&EventMessage{Level: "info"}).Validate(); err == nil {
		t.Error("expected error for missing command ID")
	}
}

func TestUnitRunParamsValidate(t *testing.T) {
	p := UnitRunParams{Command: "install", Script: "/units/web/install", PropertiesFile: "/tmp/p"}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Script = ""
	if err := p.Validate(); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestReadySupports(t *testing.T) {
	ready := &ReadyMessage{Caps: map[string]bool{"unit.run": true}}
	if !ready.Supports(CommandTypeUnitRun) || ready.Supports(CommandTypeExec) {
		t.Error("unexpected capability answer")
	}
	var none *ReadyMessage
	if none.Supports(CommandTypeUnitRun) {
		t.Error("nil ready message supports nothing")
	}
}
