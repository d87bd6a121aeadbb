package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"devicefleet/internal/adminapi"
	"devicefleet/internal/config"
	"devicefleet/internal/coordinator"
	"devicefleet/internal/durablestore"
	"devicefleet/internal/events"
	"devicefleet/internal/gateway"
	"devicefleet/internal/liveness"
	"devicefleet/internal/livestore"
	"devicefleet/internal/log"
	"devicefleet/internal/queuemanager"
	"devicefleet/internal/remotetask"
	"devicefleet/internal/statemanager"
	"devicefleet/internal/syncwriter"
	"devicefleet/internal/telemetry"
	"devicefleet/internal/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devicefleetd",
	Short: "devicefleetd - device fleet orchestrator control plane",
	Long: `devicefleetd is the server half of the device fleet orchestrator:
it accepts node connections, schedules workflows across connected
devices, and exposes the admin API operators and dashboards use.`,
	Version: Version,
	RunE:    runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devicefleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	bus := events.NewBroker()

	store, err := livestore.NewRedisStore(livestore.RedisConfig{URL: cfg.RedisURL})
	if err != nil {
		return fmt.Errorf("connect live store: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DurableStoreURL)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping durable store: %w", err)
	}
	durable := durablestore.NewPostgresStore(db)

	states := statemanager.New(store, bus)
	queues := queuemanager.New(store, bus)
	gw := gateway.New(bus, states)

	remote := remotetask.NewHTTPExecutor(cfg.RemoteTaskURL, nil)

	coord := coordinator.New(queues, gw, states, remote, bus, coordinator.Config{
		JobTimeout:      cfg.JobTimeout,
		AckWindow:       cfg.AgentResponseTimeout,
		NodeConcurrency: cfg.NodeJobConcurrency,
	})
	coord.Start()

	monitor := liveness.New(store, states, durable, liveness.Config{
		SweepInterval:  cfg.LivenessSweepInterval,
		HeartbeatStale: cfg.HeartbeatStaleAfter,
	})
	monitor.Start()

	collector := telemetry.NewCollector(states, queues, bus, 0, 0)
	collector.Start()

	alerts := telemetry.NewManager(defaultAlertRules(), durable, bus)
	alerts.Start()

	sync := syncwriter.New(durable, states)
	sync.Start(bus)

	admin := adminapi.New(durable, states, queues, coord, collector)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/", admin.Router())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", addr).Msg("devicefleetd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	coord.Stop()
	monitor.Stop()
	collector.Stop()
	alerts.Stop()
	sync.Stop()
	_ = db.Close()

	return nil
}

// defaultAlertRules holds the single built-in alert rule: a critical
// "no nodes online" alert once online_nodes stays below 1 for two
// minutes.
func defaultAlertRules() []telemetry.Rule {
	return []telemetry.Rule{
		{
			Gauge:      "online_nodes",
			Comparator: telemetry.LessThan,
			Value:      1,
			Duration:   2 * time.Minute,
			Level:      types.AlertCritical,
			Message:    "no nodes online",
		},
	}
}
