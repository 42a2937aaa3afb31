package router

import (
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/registry"
)

// WelcomePayload is the body of the system/welcome envelope: a complete
// snapshot of the space at admission time. Replay is never offered; this
// snapshot is all the catch-up a joiner gets.
type WelcomePayload struct {
	You           registry.PublicRecord    `json:"you"`
	Participants  []registry.PublicRecord  `json:"participants"`
	ActiveStreams []map[string]interface{} `json:"active_streams"`
}

// buildWelcome snapshots the space for a freshly admitted participant.
// The caller enqueues the result before releasing any other envelope to
// this connection.
func (r *Router) buildWelcome(p *registry.Participant) *envelope.Envelope {
	others := r.reg.Others(p.ID)
	participants := make([]registry.PublicRecord, 0, len(others))
	for _, o := range others {
		participants = append(participants, o.Public())
	}

	active := r.streams.Active()
	streams := make([]map[string]interface{}, 0, len(active))
	for _, s := range active {
		streams = append(streams, s.Record())
	}

	env, err := envelope.New(envelope.System, envelope.KindSystemWelcome, WelcomePayload{
		You:           p.Own(),
		Participants:  participants,
		ActiveStreams: streams,
	})
	if err != nil {
		panic("failed to build welcome payload: " + err.Error())
	}
	env.To = []string{p.ID}
	return env
}
