package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devicefleet/internal/agent"
	"devicefleet/internal/devicedriver"
	"devicefleet/internal/gateway"
	"devicefleet/internal/log"
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
	Use:   "devicefleet-agent",
	Short: "devicefleet-agent - node process connecting devices to devicefleetd",
	Long: `devicefleet-agent runs on a node host: it dials devicefleetd's
gateway, reports the attached devices, and executes the workflow steps
devicefleetd dispatches to them.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devicefleet-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("server-url", "ws://127.0.0.1:8080/ws", "devicefleetd gateway URL")
	rootCmd.Flags().String("node-id", "", "unique node id for this agent (required)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.Flags().Duration("status-interval", agent.DefaultStatusInterval, "DEVICE_STATUS report interval")
	_ = rootCmd.MarkFlagRequired("node-id")
}

func runAgent(cmd *cobra.Command, args []string) error {
	serverURL, _ := cmd.Flags().GetString("server-url")
	nodeID, _ := cmd.Flags().GetString("node-id")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := gateway.Dial(ctx, serverURL, nodeID, map[string]any{"version": Version})
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer client.Close()

	driver := devicedriver.NewSimulatedDriver()
	_ = agent.New(agent.Config{NodeID: nodeID, Driver: driver}, client)

	go agent.RunStatusLoop(ctx, client, driver, nodeID, statusInterval)

	log.Logger.Info().Str("node_id", nodeID).Str("server", serverURL).Msg("agent connected")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
	return nil
}
