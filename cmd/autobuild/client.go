package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and build state",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("status", nil)
		if err != nil {
			return err
		}

		fmt.Printf("status:       %v\n", data["status"])
		fmt.Printf("autonomy:     %v\n", data["autonomy"])
		fmt.Printf("health:       %v\n", data["health_score"])
		fmt.Printf("performance:  %v\n", data["performance_index"])
		fmt.Printf("building:     %v (queue depth %v)\n", data["build_running"], data["queue_depth"])
		fmt.Printf("success rate: %.0f%% (%v ok / %v failed)\n",
			toFloat(data["success_rate"]), data["builds_completed"], data["builds_failed"])
		fmt.Printf("resources:    cpu %.0f%% mem %.0f%% disk %.0f%% temp %.0f°C power %v",
			toFloat(data["cpu_pct"]), toFloat(data["memory_pct"]),
			toFloat(data["disk_pct"]), toFloat(data["temperature_c"]), data["power_source"])
		if stale, _ := data["snapshot_stale"].(bool); stale {
			fmt.Print(" (stale)")
		}
		fmt.Println()
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Enqueue a build",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.EnqueueBuild(reason)
		if err != nil {
			return err
		}
		fmt.Printf("queued %v (reason=%v priority=%v)\n", data["id"], data["reason"], data["priority"])
		return nil
	},
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Run one decision cycle and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("health-check", nil)
		if err != nil {
			return err
		}
		fmt.Printf("health %v action=%v confidence=%.2f reason=%v\n",
			data["health_score"], data["action"], toFloat(data["confidence"]), data["reason"])
		return nil
	},
}

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Execute self-healing actions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("heal", nil)
		if err != nil {
			return err
		}
		fmt.Printf("heal complete (total self-healing actions: %v)\n", data["self_healing_actions"])
		return nil
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run resource remediation hooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("optimize", nil)
		if err != nil {
			return err
		}
		fmt.Printf("caches cleared: %v, disk cleanups: %v, emergency cleanups: %v\n",
			data["caches_cleared"], data["disk_cleanups"], data["emergency_cleanups"])
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Full machine-readable activity report",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("report", nil)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	},
}

var setAutonomyCmd = &cobra.Command{
	Use:   "set-autonomy <limited|supervised|full>",
	Short: "Change the autonomy level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.SetAutonomy(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("autonomy: %v\n", data["autonomy"])
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Arm deployment for the next healthy decision cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("deploy", nil)
		if err != nil {
			return err
		}
		fmt.Printf("deployment armed (success rate %.0f%%)\n", toFloat(data["success_rate"]))
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the latest dependency manifest backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := sendCommand("rollback", nil)
		if err != nil {
			return err
		}
		fmt.Printf("rollback complete (total: %v)\n", data["rollbacks_performed"])
		return nil
	},
}

func init() {
	buildCmd.Flags().String("reason", "manual", "build reason (manual|file_change|dependency_change|test_failure|scheduled)")

	rootCmd.AddCommand(statusCmd, buildCmd, healthCheckCmd, healCmd,
		optimizeCmd, reportCmd, setAutonomyCmd, deployCmd, rollbackCmd)
}

// toFloat pulls a float out of decoded JSON, tolerating missing keys.
func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
