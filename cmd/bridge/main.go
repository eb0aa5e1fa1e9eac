package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/deckbridge/bridge/internal/carabiner"
	"github.com/deckbridge/bridge/internal/config"
	"github.com/deckbridge/bridge/internal/deck"
	"github.com/deckbridge/bridge/internal/midiclock"
	"github.com/deckbridge/bridge/internal/runner"
	"github.com/deckbridge/bridge/internal/server"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "Path to config file")
	port := pflag.Int("port", 0, "Override server port")
	simTempo := pflag.Float64("sim-tempo", 128.0, "Starting tempo of the simulated deck")
	authToken := pflag.String("token", "", "Require this token on API and websocket requests")
	pflag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := deck.NewSimulator(*simTempo)
	sim.Start(ctx)

	var run carabiner.Runner
	if cfg.Carabiner.Path != "" {
		run = runner.New(cfg.Carabiner.Path)
	}

	engine := carabiner.New(sim, run)
	if err := engine.SetPort(cfg.Carabiner.Port); err != nil {
		log.Fatalf("Bad carabiner port: %v", err)
	}
	if err := engine.SetLatency(cfg.Carabiner.LatencyMs); err != nil {
		log.Fatalf("Bad carabiner latency: %v", err)
	}
	engine.SetAlignBars(cfg.Carabiner.AlignBars)

	broadcaster := server.NewBroadcaster(engine)
	broadcaster.Attach()
	srv := server.NewServer(engine, broadcaster, nil, *authToken)

	var clock *midiclock.Clock
	if cfg.MIDI.ClockPort != "" {
		clock, err = midiclock.New(cfg.MIDI.ClockPort)
		if err != nil {
			log.Fatalf("MIDI clock: %v", err)
		}
		defer clock.Close()
		engine.AddStatusListener(func(s carabiner.Snapshot) {
			if s.LinkBPM != nil {
				clock.SetTempo(*s.LinkBPM)
				clock.StartTransport()
			}
		})
		engine.AddDisconnectListener(func(bool) {
			clock.StopTransport()
		})
	}

	if engine.Connect(func(err error) {
		log.Printf("Carabiner connection failed: %v", err)
	}) && cfg.Carabiner.SyncMode != "off" {
		if err := engine.SetSyncMode(carabiner.Mode(cfg.Carabiner.SyncMode)); err != nil {
			log.Printf("Cannot start in sync mode %s: %v", cfg.Carabiner.SyncMode, err)
		}
	}

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	if clock != nil {
		g.Go(func() error {
			clock.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.Host, cfg.Server.Port, mux)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigCh:
			log.Printf("Received %v, shutting down...", sig)
			engine.Disconnect()
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	// Disconnect stops an embedded daemon on a short timer; stopping it
	// again here makes sure the child is down before the process exits.
	if run != nil {
		if err := run.Stop(); err != nil {
			log.Printf("Stopping embedded carabiner: %v", err)
		}
	}
}
