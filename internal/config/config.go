// Package config loads and validates the YAML space configuration: the
// participant roster with tokens and static capabilities, plus the gateway
// tuning knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mewproto/mew/internal/capability"
	"github.com/mewproto/mew/internal/envelope"
)

// Space is the root configuration document.
type Space struct {
	Name  string `yaml:"space"`
	Debug bool   `yaml:"debug"`

	Gateway      GatewayConfig `yaml:"gateway"`
	Participants []Participant `yaml:"participants"`
}

// GatewayConfig tunes the router and its listeners.
type GatewayConfig struct {
	// Listen is the network socket bind address. Empty disables the
	// listener (embedded spaces connect in-process).
	Listen string `yaml:"listen"`
	// Codec frames socket connections: "json" (newline-delimited) or
	// "binary" (length-prefixed).
	Codec string `yaml:"codec"`

	OutboundQueue int    `yaml:"outbound_queue"`
	HistoryLimit  int    `yaml:"history_limit"`
	JournalDir    string `yaml:"journal_dir"`
	MetricsListen string `yaml:"metrics_listen"`

	HeartbeatSeconds        int `yaml:"heartbeat_seconds"`
	IdleTimeoutSeconds      int `yaml:"idle_timeout_seconds"`
	ProposalLifetimeSeconds int `yaml:"proposal_lifetime_seconds"`
	PauseDefaultSeconds     int `yaml:"pause_default_seconds"`
	CompactTimeoutSeconds   int `yaml:"compact_timeout_seconds"`
}

// Participant is one provisioned identity.
type Participant struct {
	ID           string                  `yaml:"id"`
	Tokens       []string                `yaml:"tokens"`
	Capabilities []capability.Capability `yaml:"capabilities"`

	// AutoStart, when set, is a command line the gateway spawns on
	// startup. Transport selects how the process attaches: "pipe"
	// (stdio of the spawned process) or "socket" (the process dials
	// back itself).
	AutoStart string `yaml:"auto_start"`
	Transport string `yaml:"transport"`

	// DefaultTo is handed to the participant in its welcome as the
	// default chat recipient list.
	DefaultTo []string `yaml:"default_to"`
}

// Default returns a programmatic configuration with production defaults
// and no listener, as embedded spaces use.
func Default() *Space {
	s := &Space{}
	s.applyDefaults()
	return s
}

// Load reads, defaults, and validates a space configuration file.
func Load(filename string) (*Space, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var space Space
	if err := yaml.Unmarshal(data, &space); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	space.applyDefaults()
	// A loaded config describes a daemon; serve on the default port
	// unless told otherwise.
	if space.Gateway.Listen == "" {
		space.Gateway.Listen = ":8870"
	}

	if err := space.Validate(); err != nil {
		return nil, err
	}
	return &space, nil
}

func (s *Space) applyDefaults() {
	if s.Name == "" {
		s.Name = "default"
	}
	if s.Gateway.Codec == "" {
		s.Gateway.Codec = "json"
	}
	if s.Gateway.OutboundQueue == 0 {
		s.Gateway.OutboundQueue = 256
	}
	if s.Gateway.HistoryLimit == 0 {
		s.Gateway.HistoryLimit = 10000
	}
	if s.Gateway.ProposalLifetimeSeconds == 0 {
		s.Gateway.ProposalLifetimeSeconds = 300
	}
	if s.Gateway.CompactTimeoutSeconds == 0 {
		s.Gateway.CompactTimeoutSeconds = 120
	}
	for i := range s.Participants {
		if s.Participants[i].Transport == "" {
			s.Participants[i].Transport = "socket"
		}
	}
}

// Normalize applies defaults to a programmatically built configuration,
// as embedded spaces use. Load does this itself for file-based configs.
func (s *Space) Normalize() {
	s.applyDefaults()
}

// Validate checks the configuration values, collecting every problem
// before reporting.
func (s *Space) Validate() error {
	var errors []string

	if s.Gateway.Codec != "json" && s.Gateway.Codec != "binary" {
		errors = append(errors, fmt.Sprintf("gateway codec must be json or binary, got %q", s.Gateway.Codec))
	}
	if s.Gateway.OutboundQueue < 0 {
		errors = append(errors, fmt.Sprintf("outbound_queue cannot be negative: %d", s.Gateway.OutboundQueue))
	}
	if s.Gateway.HistoryLimit < 0 {
		errors = append(errors, fmt.Sprintf("history_limit cannot be negative: %d", s.Gateway.HistoryLimit))
	}
	if s.Gateway.HeartbeatSeconds < 0 {
		errors = append(errors, fmt.Sprintf("heartbeat_seconds cannot be negative: %d", s.Gateway.HeartbeatSeconds))
	}
	if s.Gateway.IdleTimeoutSeconds < 0 {
		errors = append(errors, fmt.Sprintf("idle_timeout_seconds cannot be negative: %d", s.Gateway.IdleTimeoutSeconds))
	}
	if s.Gateway.ProposalLifetimeSeconds < 0 {
		errors = append(errors, fmt.Sprintf("proposal_lifetime_seconds cannot be negative: %d", s.Gateway.ProposalLifetimeSeconds))
	}
	if s.Gateway.PauseDefaultSeconds < 0 {
		errors = append(errors, fmt.Sprintf("pause_default_seconds cannot be negative: %d", s.Gateway.PauseDefaultSeconds))
	}
	if s.Gateway.CompactTimeoutSeconds < 0 {
		errors = append(errors, fmt.Sprintf("compact_timeout_seconds cannot be negative: %d", s.Gateway.CompactTimeoutSeconds))
	}

	seen := make(map[string]bool)
	for _, p := range s.Participants {
		switch {
		case p.ID == "":
			errors = append(errors, "participant id is required")
		case p.ID == envelope.System || p.ID == envelope.Broadcast:
			errors = append(errors, fmt.Sprintf("participant id %q is reserved", p.ID))
		case seen[p.ID]:
			errors = append(errors, fmt.Sprintf("duplicate participant id %q", p.ID))
		default:
			seen[p.ID] = true
		}

		if p.Transport != "socket" && p.Transport != "pipe" {
			errors = append(errors, fmt.Sprintf("participant %q: transport must be socket or pipe, got %q", p.ID, p.Transport))
		}
		if p.Transport == "pipe" && p.AutoStart == "" {
			errors = append(errors, fmt.Sprintf("participant %q: pipe transport requires auto_start", p.ID))
		}
		// Spawned pipe participants get an ephemeral token from the
		// gateway; everyone else must bring one.
		if len(p.Tokens) == 0 && !(p.AutoStart != "" && p.Transport == "pipe") {
			errors = append(errors, fmt.Sprintf("participant %q: at least one token is required", p.ID))
		}
		for _, c := range p.Capabilities {
			if c.Kind == "" {
				errors = append(errors, fmt.Sprintf("participant %q: capability kind is required", p.ID))
			}
		}
	}

	if len(errors) > 0 {
		errMsg := "configuration validation failed:\n"
		for _, err := range errors {
			errMsg += "  - " + err + "\n"
		}
		return fmt.Errorf("%s", errMsg)
	}
	return nil
}

// Participant returns the configuration entry for id.
func (s *Space) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// ProposalLifetime returns the proposal expiry as a duration.
func (s *Space) ProposalLifetime() time.Duration {
	return time.Duration(s.Gateway.ProposalLifetimeSeconds) * time.Second
}

// PauseDefault returns the default pause timeout; zero means indefinite.
func (s *Space) PauseDefault() time.Duration {
	return time.Duration(s.Gateway.PauseDefaultSeconds) * time.Second
}

// CompactTimeout returns how long the gateway waits for compact-done.
func (s *Space) CompactTimeout() time.Duration {
	return time.Duration(s.Gateway.CompactTimeoutSeconds) * time.Second
}

// Heartbeat returns the broadcast interval; zero disables heartbeats.
func (s *Space) Heartbeat() time.Duration {
	return time.Duration(s.Gateway.HeartbeatSeconds) * time.Second
}

// IdleTimeout returns the reaper threshold; zero disables reaping.
func (s *Space) IdleTimeout() time.Duration {
	return time.Duration(s.Gateway.IdleTimeoutSeconds) * time.Second
}
