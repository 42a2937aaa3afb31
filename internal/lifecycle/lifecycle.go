// Package lifecycle implements the per-participant control state machine:
// pause/resume, compact, clear, restart, and shutdown.
//
// The machine is deliberately strict about source states (pausing a
// participant that is not active is an invalid operation, not a no-op) so
// orchestrators get an unambiguous signal when they race each other. The
// paused allow-list is a hard invariant: it is what guarantees a stuck
// agent can always be un-wedged.
package lifecycle

import (
	"time"

	"github.com/mewproto/mew/internal/envelope"
)

// State of one participant.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StatePaused     State = "paused"
	StateCompacting State = "compacting"
	StateClearing   State = "clearing"
	StateRestarting State = "restarting"
	StateShutDown   State = "shut_down"
)

// Machine tracks one participant's lifecycle. Owned by the router task.
//
// While paused, the reason/deadline pair doubles as the pause record; it
// is cleared on resume or expiry.
type Machine struct {
	state State
	prior State // restored when compaction ends

	PauseReason string
	PauseUntil  time.Time // zero deadline = indefinite pause
}

// NewMachine returns a machine in the active state. The connecting state
// exists only between transport accept and welcome, before the machine is
// created.
func NewMachine() *Machine {
	return &Machine{state: StateActive}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Terminal reports whether the participant has been shut down.
func (m *Machine) Terminal() bool {
	return m.state == StateShutDown
}

// Pause transitions active -> paused and stores the pause record.
func (m *Machine) Pause(reason string, until time.Time) bool {
	if m.state != StateActive {
		return false
	}
	m.state = StatePaused
	m.PauseReason = reason
	m.PauseUntil = until
	return true
}

// Resume transitions paused -> active and clears the pause record.
func (m *Machine) Resume() bool {
	if m.state != StatePaused {
		return false
	}
	m.state = StateActive
	m.PauseReason = ""
	m.PauseUntil = time.Time{}
	return true
}

// BeginCompact transitions any non-terminal, non-compacting state to
// compacting, remembering the prior state.
func (m *Machine) BeginCompact() bool {
	if m.state == StateShutDown || m.state == StateCompacting {
		return false
	}
	m.prior = m.state
	m.state = StateCompacting
	return true
}

// EndCompact restores the state preceding compaction. Fires on
// participant/compact-done and on compact timeout.
func (m *Machine) EndCompact() (State, bool) {
	if m.state != StateCompacting {
		return m.state, false
	}
	m.state = m.prior
	m.prior = ""
	return m.state, true
}

// Clear validates the transient clearing transition. The state passes
// through clearing and lands back on active within one router step, so
// only the broadcasts observe the intermediate state.
func (m *Machine) Clear() bool {
	return m.state == StateActive
}

// Restart forces the participant back to active from any non-terminal
// state, abandoning pause records and in-flight compaction.
func (m *Machine) Restart() bool {
	if m.state == StateShutDown {
		return false
	}
	m.state = StateActive
	m.prior = ""
	m.PauseReason = ""
	m.PauseUntil = time.Time{}
	return true
}

// Shutdown moves to the terminal state.
func (m *Machine) Shutdown() bool {
	if m.state == StateShutDown {
		return false
	}
	m.state = StateShutDown
	return true
}

// PausedAllows reports whether a paused participant may still emit kind.
// stream/close carries an extra owner check the router applies after this
// filter. All other outbound envelopes are dropped with a Paused denial.
func PausedAllows(kind string) bool {
	switch kind {
	case envelope.KindChatAcknowledge,
		envelope.KindChatCancel,
		envelope.KindParticipantStatus,
		envelope.KindParticipantCompactDone,
		envelope.KindStreamClose,
		envelope.KindSystemError:
		return true
	}
	return false
}
