// Package main runs a MEW space gateway as a standalone daemon.
//
// The gateway loads a YAML space configuration (participant roster,
// tokens, static capabilities, tuning), serves the socket listener,
// spawns auto-start participants, and routes envelopes until it is
// signalled to stop.
//
// Configuration resolution:
//  1. -config FILE (or the first positional argument)
//  2. ./mew.yaml when present
//  3. built-in defaults (empty roster, listener on :8870)
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/config"
	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/gateway"
)

func main() {
	var (
		configFile = flag.String("config", "", "space configuration file")
		listen     = flag.String("listen", "", "override the gateway bind address")
		metrics    = flag.String("metrics", "", "override the Prometheus bind address")
		journalDir = flag.String("journal", "", "override the history journal directory")
		debug      = flag.Bool("debug", false, "log at debug level")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, source := loadConfig(*configFile, log)
	if *listen != "" {
		cfg.Gateway.Listen = *listen
	}
	if *metrics != "" {
		cfg.Gateway.MetricsListen = *metrics
	}
	if *journalDir != "" {
		cfg.Gateway.JournalDir = *journalDir
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	entry := logrus.NewEntry(log)
	g, err := gateway.New(cfg, entry)
	if err != nil {
		log.WithError(err).Fatal("invalid space configuration")
	}

	entry.WithFields(logrus.Fields{
		"space":        cfg.Name,
		"config":       source,
		"protocol":     envelope.Protocol,
		"participants": len(cfg.Participants),
	}).Info("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.Run(ctx); err != nil {
		log.WithError(err).Fatal("gateway failed")
	}
	entry.Info("gateway stopped")
}

// loadConfig resolves the configuration source in priority order and
// reports which one won.
func loadConfig(path string, log *logrus.Logger) (*config.Space, string) {
	if path == "" && flag.NArg() > 0 {
		path = flag.Arg(0)
	}
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.WithError(err).Fatalf("failed to load %s", path)
		}
		return cfg, path
	}

	if _, err := os.Stat("mew.yaml"); err == nil {
		cfg, err := config.Load("mew.yaml")
		if err != nil {
			log.WithError(err).Fatal("failed to load mew.yaml")
		}
		return cfg, "mew.yaml"
	}

	// No roster means no participant can authenticate; still useful for
	// probing, and embedded spaces never reach this path.
	log.Warn("no configuration file, using built-in defaults")
	cfg := config.Default()
	cfg.Gateway.Listen = ":8870"
	return cfg, "defaults"
}
