package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"devicefleet/internal/log"
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
	Use:     "devicefleetctl",
	Short:   "devicefleetctl - operator CLI for the device fleet orchestrator",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devicefleetctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "devicefleetd admin API base URL")
	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.InfoLevel})
	})

	rootCmd.AddCommand(nodesCmd, devicesCmd, workflowCmd, jobCmd, alertsCmd, statsCmd)

	nodesCmd.AddCommand(nodesListCmd)
	devicesCmd.AddCommand(devicesListCmd)
	workflowCmd.AddCommand(workflowEnqueueCmd)
	jobCmd.AddCommand(jobStatusCmd, jobCancelCmd)
	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd)
	statsCmd.AddCommand(statsOverviewCmd)

	workflowEnqueueCmd.Flags().String("node-id", "", "target node id (required)")
	workflowEnqueueCmd.Flags().String("workflow-file", "", "path to a JSON-encoded workflow (required)")
	workflowEnqueueCmd.Flags().String("device-ids", "", "comma-separated device ids (required)")
	workflowEnqueueCmd.Flags().Int("priority", 0, "job priority (higher runs first)")
	_ = workflowEnqueueCmd.MarkFlagRequired("node-id")
	_ = workflowEnqueueCmd.MarkFlagRequired("workflow-file")
	_ = workflowEnqueueCmd.MarkFlagRequired("device-ids")

	alertsAckCmd.Flags().String("by", "operator", "acknowledging operator name")
}

func client(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	return newAPIClient(server)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

var nodesCmd = &cobra.Command{Use: "nodes", Short: "Inspect connected nodes"}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var nodes []json.RawMessage
		if err := client(cmd).do(context.Background(), "GET", "/nodes", nil, &nodes); err != nil {
			return err
		}
		printJSON(nodes)
		return nil
	},
}

var devicesCmd = &cobra.Command{Use: "devices", Short: "Inspect devices"}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		var devices []*types.Device
		if err := client(cmd).do(context.Background(), "GET", "/devices", nil, &devices); err != nil {
			return err
		}
		printJSON(devices)
		return nil
	},
}

var workflowCmd = &cobra.Command{Use: "workflow", Short: "Dispatch workflows"}

var workflowEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a workflow against a node's devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		workflowFile, _ := cmd.Flags().GetString("workflow-file")
		deviceIDsRaw, _ := cmd.Flags().GetString("device-ids")
		priority, _ := cmd.Flags().GetInt("priority")

		data, err := os.ReadFile(workflowFile)
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		var workflow types.Workflow
		if err := json.Unmarshal(data, &workflow); err != nil {
			return fmt.Errorf("parse workflow file: %w", err)
		}

		req := map[string]any{
			"node_id":     nodeID,
			"workflow_id": workflow.ID,
			"workflow":    workflow,
			"device_ids":  splitNonEmpty(deviceIDsRaw),
			"priority":    priority,
		}

		var resp struct {
			JobID string `json:"job_id"`
		}
		if err := client(cmd).do(context.Background(), "POST", "/workflows/enqueue", req, &resp); err != nil {
			return err
		}
		fmt.Printf("enqueued job %s\n", resp.JobID)
		return nil
	},
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var jobCmd = &cobra.Command{Use: "job", Short: "Inspect and control dispatched jobs"}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show a job's queue and execution status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status json.RawMessage
		if err := client(cmd).do(context.Background(), "GET", "/jobs/"+args[0], nil, &status); err != nil {
			return err
		}
		printJSON(status)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Request cancellation of a dispatched job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := client(cmd).do(context.Background(), "POST", "/jobs/"+args[0]+"/cancel", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("cancelled: %v\n", resp.Cancelled)
		return nil
	},
}

var alertsCmd = &cobra.Command{Use: "alerts", Short: "Inspect operator alerts"}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var alerts []*types.Alert
		if err := client(cmd).do(context.Background(), "GET", "/alerts", nil, &alerts); err != nil {
			return err
		}
		printJSON(alerts)
		return nil
	},
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack ALERT_ID",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		var alert types.Alert
		if err := client(cmd).do(context.Background(), "POST", "/alerts/"+args[0]+"/acknowledge", map[string]string{"by": by}, &alert); err != nil {
			return err
		}
		printJSON(alert)
		return nil
	},
}

var statsCmd = &cobra.Command{Use: "stats", Short: "Fleet-wide statistics"}

var statsOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show the current fleet overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		var overview json.RawMessage
		if err := client(cmd).do(context.Background(), "GET", "/stats/overview", nil, &overview); err != nil {
			return err
		}
		printJSON(overview)
		return nil
	},
}
