package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "space.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
space: demo
participants:
  - id: alice
    tokens: [secret]
    capabilities:
      - kind: chat
`)
	space, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if space.Name != "demo" {
		t.Errorf("name = %q, want demo", space.Name)
	}
	if space.Gateway.Listen != ":8870" {
		t.Errorf("listen = %q, want :8870", space.Gateway.Listen)
	}
	if space.Gateway.Codec != "json" {
		t.Errorf("codec = %q, want json", space.Gateway.Codec)
	}
	if space.Gateway.OutboundQueue != 256 {
		t.Errorf("outbound_queue = %d, want 256", space.Gateway.OutboundQueue)
	}
	if space.Gateway.HistoryLimit != 10000 {
		t.Errorf("history_limit = %d, want 10000", space.Gateway.HistoryLimit)
	}
	if got := space.ProposalLifetime(); got != 5*time.Minute {
		t.Errorf("proposal lifetime = %v, want 5m", got)
	}
	if got := space.CompactTimeout(); got != 2*time.Minute {
		t.Errorf("compact timeout = %v, want 2m", got)
	}

	p, ok := space.Participant("alice")
	if !ok {
		t.Fatal("participant alice not found")
	}
	if p.Transport != "socket" {
		t.Errorf("transport = %q, want socket", p.Transport)
	}
	if len(p.Capabilities) != 1 || p.Capabilities[0].Kind != "chat" {
		t.Errorf("capabilities = %+v, want one chat capability", p.Capabilities)
	}
}

func TestLoadParsesCapabilityPatterns(t *testing.T) {
	path := writeConfig(t, `
space: demo
participants:
  - id: orchestrator
    tokens: [tok]
    capabilities:
      - kind: "*"
  - id: proposer
    tokens: [tok2]
    capabilities:
      - kind: mcp/proposal
      - kind: mcp/request
        payload:
          method: tools/call
          params:
            name: read_file
    default_to: [orchestrator]
`)
	space, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	p, _ := space.Participant("proposer")
	if len(p.Capabilities) != 2 {
		t.Fatalf("capabilities = %d, want 2", len(p.Capabilities))
	}
	payload, ok := p.Capabilities[1].Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload type = %T, want map", p.Capabilities[1].Payload)
	}
	if payload["method"] != "tools/call" {
		t.Errorf("payload method = %v, want tools/call", payload["method"])
	}
	if len(p.DefaultTo) != 1 || p.DefaultTo[0] != "orchestrator" {
		t.Errorf("default_to = %v, want [orchestrator]", p.DefaultTo)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "duplicate ids",
			body: `
participants:
  - id: alice
    tokens: [a]
  - id: alice
    tokens: [b]
`,
			want: "duplicate participant id",
		},
		{
			name: "reserved id",
			body: `
participants:
  - id: system
    tokens: [a]
`,
			want: "reserved",
		},
		{
			name: "missing token",
			body: `
participants:
  - id: alice
`,
			want: "at least one token",
		},
		{
			name: "bad codec",
			body: `
gateway:
  codec: protobuf
participants:
  - id: alice
    tokens: [a]
`,
			want: "codec must be json or binary",
		},
		{
			name: "bad transport",
			body: `
participants:
  - id: alice
    tokens: [a]
    transport: carrier-pigeon
`,
			want: "transport must be socket or pipe",
		},
		{
			name: "pipe without auto_start",
			body: `
participants:
  - id: alice
    tokens: [a]
    transport: pipe
`,
			want: "pipe transport requires auto_start",
		},
		{
			name: "negative queue",
			body: `
gateway:
  outbound_queue: -1
participants:
  - id: alice
    tokens: [a]
`,
			want: "outbound_queue cannot be negative",
		},
		{
			name: "capability without kind",
			body: `
participants:
  - id: alice
    tokens: [a]
    capabilities:
      - to: [bob]
`,
			want: "capability kind is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestPipeAutoStartMayOmitTokens(t *testing.T) {
	path := writeConfig(t, `
participants:
  - id: worker
    transport: pipe
    auto_start: "./worker --attach"
`)
	space, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, _ := space.Participant("worker")
	if len(p.Tokens) != 0 {
		t.Errorf("tokens = %v, want none", p.Tokens)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultHasNoListener(t *testing.T) {
	s := Default()
	if s.Gateway.Listen != "" {
		t.Errorf("listen = %q, want empty", s.Gateway.Listen)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestNormalizeDefaultsAddedParticipants(t *testing.T) {
	s := Default()
	s.Participants = append(s.Participants, Participant{ID: "late", Tokens: []string{"t"}})

	if err := s.Validate(); err == nil {
		t.Fatal("expected validation failure before normalize")
	}
	s.Normalize()
	if got := s.Participants[0].Transport; got != "socket" {
		t.Errorf("transport = %q, want socket", got)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("normalized config invalid: %v", err)
	}
}
