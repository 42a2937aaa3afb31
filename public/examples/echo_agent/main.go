// A minimal participant binary: echoes every chat message back to its
// sender. Run it by hand against a gateway, or let a space spawn it:
//
//	participants:
//	  - id: echo
//	    auto_start: "echo_agent"
//	    transport: pipe
//	    capabilities:
//	      - kind: "chat/**"
//
// Identity, token, and transport resolve from -gateway/-participant
// flags or the MEW_* environment the spawner sets.
package main

import (
	"fmt"
	"log"

	"github.com/mewproto/mew/public/agent"
	"github.com/mewproto/mew/public/client"
)

type echo struct{}

func (echo) Init(a *agent.Agent) error {
	a.Log().Infof("echoing as %s", a.ID())
	return nil
}

func (echo) HandleEnvelope(a *agent.Agent, env *client.Envelope) error {
	if env.Kind != client.KindChat {
		return nil
	}
	var msg client.ChatPayload
	if err := env.UnmarshalPayload(&msg); err != nil {
		return err
	}
	if err := a.Client().Acknowledge(env); err != nil {
		return err
	}
	_, err := a.Client().Chat(fmt.Sprintf("echo: %s", msg.Text), env.From)
	return err
}

func (echo) Cleanup(a *agent.Agent) error { return nil }

func main() {
	if err := agent.Run(echo{}); err != nil {
		log.Fatal(err)
	}
}
