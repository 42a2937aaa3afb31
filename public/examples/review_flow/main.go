// Demo of the proposal review flow inside an embedded space: a planner
// without direct tool access proposes an operation, the operator reviews
// it and executes it against the tool on the planner's behalf.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mewproto/mew/public/client"
	"github.com/mewproto/mew/public/space"
)

func main() {
	fmt.Println("=== MEW Proposal Review Demo ===")
	fmt.Println()

	sp, err := space.New(space.Config{
		Name: "review-demo",
		Participants: []space.Participant{
			{ID: "operator", Capabilities: []client.Capability{{Kind: "**"}}},
			{ID: "planner", Capabilities: []client.Capability{
				{Kind: "chat/**"},
				{Kind: "mcp/proposal"},
				{Kind: "mcp/withdraw"},
			}},
			{ID: "tool", Capabilities: []client.Capability{
				{Kind: "mcp/response"},
				{Kind: "chat/**"},
			}},
		},
	})
	if err != nil {
		log.Fatalf("space assembly failed: %v", err)
	}
	if err := sp.Start(); err != nil {
		log.Fatalf("space start failed: %v", err)
	}
	defer sp.Stop()

	operator := connect(sp, "operator")
	planner := connect(sp, "planner")
	tool := connect(sp, "tool")

	fmt.Println("Step 1: the tool serves requests")
	go serveTool(tool)

	fmt.Println("Step 2: the planner proposes a write it cannot perform itself")
	proposal, err := planner.Propose(map[string]interface{}{
		"method": "tools/call",
		"params": map[string]interface{}{
			"name":      "write_file",
			"arguments": map[string]interface{}{"path": "plan.md", "content": "ship it"},
		},
	})
	if err != nil {
		log.Fatalf("proposal failed: %v", err)
	}

	fmt.Println("Step 3: the operator reviews and executes it")
	reviewed := await(operator, client.KindMCPProposal)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := operator.Fulfill(ctx, reviewed, "tool")
	if err != nil {
		log.Fatalf("fulfillment failed: %v", err)
	}
	fmt.Printf("  tool answered: %s\n", result.Payload)

	fmt.Println("Step 4: the planner saw its proposal being executed")
	echoed := await(planner, client.KindMCPRequest)
	fmt.Printf("  request correlated to proposal %s\n", echoed.CorrelationID[0])
	_ = proposal

	fmt.Println()
	fmt.Println("Recent history:")
	for _, env := range sp.History(5) {
		fmt.Printf("  %-14s %s -> %v\n", env.Kind, env.From, env.To)
	}
}

func connect(sp *space.Space, id string) *client.Client {
	c, err := sp.Connect(id)
	if err != nil {
		log.Fatalf("%s failed to join: %v", id, err)
	}
	return c
}

// serveTool answers every mcp/request with a canned result.
func serveTool(tool *client.Client) {
	for env := range tool.Envelopes() {
		if env.Kind != client.KindMCPRequest {
			continue
		}
		if err := tool.Respond(env, map[string]interface{}{
			"result": map[string]interface{}{"status": "written"},
		}); err != nil {
			log.Printf("tool response failed: %v", err)
		}
	}
}

func await(c *client.Client, kind string) *client.Envelope {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-c.Envelopes():
			if !ok {
				log.Fatalf("feed closed while waiting for %s", kind)
			}
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			log.Fatalf("timed out waiting for %s", kind)
		}
	}
}
