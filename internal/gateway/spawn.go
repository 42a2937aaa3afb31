package gateway

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mewproto/mew/internal/registry"
	"github.com/mewproto/mew/internal/transport"
)

// spawnAll launches every participant whose definition carries an
// auto_start command, one supervisor goroutine each. A child that exits
// or fails to start never takes the space down; it is logged and left
// down (restart policy stays with the operator).
func (g *Gateway) spawnAll(ctx context.Context, eg *errgroup.Group) {
	for _, def := range g.defs.All() {
		if def.AutoStart == "" {
			continue
		}
		def := def
		eg.Go(func() error {
			g.spawn(ctx, def)
			return nil
		})
	}
}

// spawn runs one auto-start participant to completion. The identity and
// token reach the child through its environment; pipe-transport children
// attach over their own stdio, socket children dial the listener back
// themselves.
func (g *Gateway) spawn(ctx context.Context, def registry.Definition) {
	log := g.log.WithField("participant", def.ID)

	// No shell: the command line splits on whitespace.
	argv := strings.Fields(def.AutoStart)
	if len(argv) == 0 {
		log.Warn("auto_start command is empty")
		return
	}
	token, err := g.defs.EnsureToken(def.ID)
	if err != nil {
		log.WithError(err).Error("failed to provision a spawn token")
		return
	}

	// The bound address, not the configured one: ":0" listeners
	// resolve to a real port by the time children spawn.
	gatewayAddr := g.cfg.Gateway.Listen
	if addr := g.Addr(); addr != nil {
		gatewayAddr = addr.String()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"MEW_SPACE="+g.cfg.Name,
		"MEW_PARTICIPANT="+def.ID,
		"MEW_TOKEN="+token,
		"MEW_GATEWAY="+gatewayAddr,
		"MEW_TRANSPORT="+def.Transport,
		"MEW_CODEC="+g.cfg.Gateway.Codec,
	)
	cmd.Stderr = os.Stderr

	if def.Transport == "pipe" {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.WithError(err).Error("failed to open stdin pipe")
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.WithError(err).Error("failed to open stdout pipe")
			return
		}
		conn, err := transport.Pipe(def.ID, stdout, stdin, transport.CodecJSON)
		if err != nil {
			log.WithError(err).Error("failed to frame stdio transport")
			return
		}
		if err := cmd.Start(); err != nil {
			log.WithError(err).Error("failed to start participant process")
			return
		}
		g.Attach(conn)
	} else {
		if err := cmd.Start(); err != nil {
			log.WithError(err).Error("failed to start participant process")
			return
		}
	}

	log.WithField("pid", cmd.Process.Pid).Info("participant process started")
	err = cmd.Wait()
	switch {
	case ctx.Err() != nil:
		log.Debug("participant process stopped with the space")
	case err != nil:
		log.WithError(err).Warn("participant process exited")
	default:
		log.Info("participant process exited")
	}
}
