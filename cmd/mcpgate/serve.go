package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/auth"
	"github.com/mcpgate/mcpgate/internal/backpressure"
	"github.com/mcpgate/mcpgate/internal/balance"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/dispatch"
	"github.com/mcpgate/mcpgate/internal/eventbus"
	"github.com/mcpgate/mcpgate/internal/httpapi"
	"github.com/mcpgate/mcpgate/internal/pool"
	"github.com/mcpgate/mcpgate/internal/probe"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/telemetry"
	"github.com/mcpgate/mcpgate/internal/transport"
	"github.com/mcpgate/mcpgate/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "mcpgate", Version, cfg.OTELEnabled, cfg.OTLPEndpoint); err != nil {
		log.Printf("telemetry init failed, continuing without: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	st := store.New()

	persister, err := store.NewPersister(st, cfg.TemplatesDir)
	if err != nil {
		return err
	}
	if err := persister.Load(); err != nil {
		return err
	}
	if err := persister.Start(); err != nil {
		return err
	}
	defer persister.Stop()
	go func() {
		if err := persister.Watch(ctx.Done()); err != nil {
			log.Printf("template watcher stopped: %v", err)
		}
	}()

	bus := eventbus.New()
	defer bus.Stop()

	controller := backpressure.NewController(backpressure.Config{},
		func(instanceID string, state backpressure.BreakerState) {
			t := eventbus.EventBreakerClosed
			if state == backpressure.BreakerOpen {
				t = eventbus.EventBreakerOpened
			}
			bus.Publish(&eventbus.Event{Type: t, InstanceID: instanceID})
		})

	// The manager supplies adapter hooks but is built after the pool; the
	// closure defers the lookup until the first connect.
	var manager *dispatch.Manager
	adapters := pool.New(func(inst types.Instance) transport.Hooks {
		return manager.Hooks(inst)
	})
	defer adapters.Shutdown()

	prober := probe.New(st, adapters, probe.Config{Interval: cfg.ProbeInterval})
	manager = dispatch.NewManager(st, adapters, controller, prober, bus)
	go prober.Run(ctx)

	balancer, err := balance.New(cfg.BalanceStrategy)
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewDispatcher(st, adapters, balancer, controller)
	dispatcher.SetStarter(manager)

	var limiter *auth.Limiter
	if cfg.RateLimit > 0 {
		limiter = auth.NewLimiter(cfg.RateLimit, cfg.RateWindow, nil)
	}

	server := httpapi.NewServer(httpapi.Options{
		Store:      st,
		Manager:    manager,
		Dispatcher: dispatcher,
		Auth: auth.New(auth.Config{
			Mode:    cfg.AuthMode,
			Token:   cfg.AuthToken,
			APIKeys: cfg.APIKeys,
		}),
		Limiter: limiter,
		Bus:     bus,
		Metrics: telemetry.NewGatewayMetrics(),
		Version: Version,
		Addr:    cfg.Addr(),
	})

	log.Printf("mcpgate %s listening on %s (auth=%s)", Version, cfg.Addr(), cfg.AuthMode)
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Stop every instance so subprocess backends exit cleanly.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, inst := range st.ListInstances() {
		if inst.State.Terminal() {
			continue
		}
		if err := manager.StopInstance(shutdownCtx, inst.ID); err != nil {
			log.Printf("stop instance %s: %v", inst.ID, err)
		}
	}
	return nil
}
