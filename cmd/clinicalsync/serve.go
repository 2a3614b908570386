package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/agent"
	"stealthcompany.com/clinicalsync/internal/api"
	"stealthcompany.com/clinicalsync/internal/config"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/metrics"
	"stealthcompany.com/clinicalsync/internal/orchestrator"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

func runServer(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	orchestrator.NewSignalHandler().HandleSignals(ctx, cancel)

	log.Info().Str("agent_id", cfg.AgentID).Msg("Starting clinicalsync agent")

	metrics.StartSystemMetrics(ctx, cfg.SystemMetricsTick)

	cb, err := couchbase.NewClient(couchbaseConfig(cfg), cfg.FeedPollInterval)
	if err != nil {
		return err
	}

	client := initFHIRClient(ctx, cfg, fhir.WithStore(cb.Resources()))

	machineName, _ := os.Hostname()
	monitor := agent.NewMonitor(cfg.AgentID, machineName, fhir.NewAggregator(client), cb.Operational())

	controller := realtime.NewController(cb.Feed(),
		realtime.Watch{Name: couchbase.AgentsCollection, Query: couchbase.AgentsQuery()},
		realtime.Watch{Name: couchbase.LogsCollection, Query: couchbase.LogsQuery()},
		realtime.Watch{Name: couchbase.ConfigurationsCollection, Query: couchbase.ConfigurationQuery(cfg.AgentID)},
	)
	supervisor := realtime.NewSupervisor(controller, cfg.ReconnectDelay)
	controller.SetFailureHandler(supervisor.OnFailure)
	controller.Updates().Subscribe(monitor.HandleSnapshot)

	supervisor.ConnectionChanged().Subscribe(func(connected bool) {
		go appendConnectionLog(cb.Operational(), cfg.AgentID, connected)
	})

	hub := api.NewHub()
	detach := hub.Attach(api.Sources{
		Connection:  supervisor.ConnectionChanged(),
		Collections: controller.Updates(),
		Contexts:    monitor.Contexts(),
	})

	server := api.NewServer(api.Dependencies{
		Contexts:    monitor,
		Writer:      client,
		Connection:  supervisor,
		Collections: controller,
		Operational: cb.Operational(),
		Store:       cb.Resources(),
		Agent:       monitor,
		Hub:         hub,
		AgentID:     cfg.AgentID,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           server.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var listener net.Listener

	sm := orchestrator.NewServiceManager(orchestrator.DefaultShutdownTimeout,
		orchestrator.Service{
			Name: "couchbase",
			Stop: func(ctx context.Context) error { return cb.Close() },
		},
		orchestrator.Service{
			Name:  "agent-monitor",
			Start: monitor.Start,
			Stop:  monitor.Stop,
		},
		orchestrator.Service{
			Name: "subscriptions",
			Start: func(ctx context.Context) error {
				// the supervisor keeps retrying in the background after a failed first start
				if err := supervisor.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("Subscriptions unavailable at startup, reconnecting in background")
				}
				return nil
			},
			Stop: func(ctx context.Context) error {
				detach()
				supervisor.Dispose()
				controller.Dispose()
				return nil
			},
		},
		orchestrator.Service{
			Name: "api",
			Start: func(ctx context.Context) error {
				l, err := net.Listen("tcp", httpServer.Addr)
				if err != nil {
					return err
				}
				listener = l
				log.Info().Str("port", cfg.APIPort).Msg("API Server starting")
				return nil
			},
			Run: func(ctx context.Context) error {
				if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			Stop: func(ctx context.Context) error {
				// Shutdown does not track hijacked websocket connections
				err := httpServer.Shutdown(ctx)
				hub.Close()
				return err
			},
		},
	)

	if err := sm.StartServices(ctx); err != nil {
		return err
	}
	return sm.WaitForServices(ctx)
}

func appendConnectionLog(store *couchbase.OperationalStore, agentID string, connected bool) {
	entry := couchbase.LogEntry{AgentID: agentID, Severity: "Info", Message: "Subscriptions connected"}
	if !connected {
		entry.Severity = "Warning"
		entry.Message = "Subscriptions disconnected, reconnecting"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := store.AppendLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to append connection log")
	}
}
