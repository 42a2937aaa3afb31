package agent

import (
	"github.com/mewproto/mew/public/client"
)

// Runner is the domain logic of one participant. The runtime owns
// everything around it: connection bootstrap, the dispatch loop,
// lifecycle control envelopes, and shutdown.
type Runner interface {
	// Init runs once after the welcome, before any envelope is
	// dispatched. The agent is connected; the welcome snapshot is
	// available through a.Welcome().
	Init(a *Agent) error

	// HandleEnvelope processes one inbound envelope. It runs on the
	// dispatch goroutine; long work belongs in goroutines the runner
	// manages itself. A returned error is logged, not fatal.
	HandleEnvelope(a *Agent, env *client.Envelope) error

	// Cleanup runs once on shutdown, while the connection is still up
	// when the gateway allows it.
	Cleanup(a *Agent) error
}

// FrameHandler is implemented by runners that consume stream frames.
// Frames arriving at a runner without it are dropped.
type FrameHandler interface {
	HandleFrame(a *Agent, frame client.StreamFrame) error
}

// Compactor is implemented by runners that hold conversational context.
// The runtime calls Compact on participant/compact and reports
// participant/compact-done when it returns nil; runners without it
// compact trivially. On error no done is sent and the gateway's
// compaction deadline recovers the lifecycle state.
type Compactor interface {
	Compact(a *Agent, env *client.Envelope) error
}

// Clearer is implemented by runners that can discard their context on
// participant/clear. The transition itself is immediate either way.
type Clearer interface {
	Clear(a *Agent, env *client.Envelope) error
}

// Restarter is implemented by runners that handle participant/restart
// in-process. Without it the runtime stops, leaving the restart to the
// process supervisor.
type Restarter interface {
	Restart(a *Agent, env *client.Envelope) error
}

// StatusReporter is implemented by runners that report more than a bare
// state, typically context window usage. The runtime uses it for
// participant/request-status replies and periodic reports.
type StatusReporter interface {
	Status(a *Agent) client.StatusPayload
}

// Run wires a runner into a new agent configured from flags and
// environment, and serves it until shutdown. It is the whole main
// function of a typical participant binary.
func Run(runner Runner) error {
	a, err := New(Config{})
	if err != nil {
		return err
	}
	return a.Run(runner)
}
