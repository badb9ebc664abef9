package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpaterson/autobuild/internal/supervisor"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor in the foreground",
	Long: `Runs the autobuild supervisor: resource monitor, file watcher,
build orchestrator, and decision loop. Blocks until SIGINT/SIGTERM or a
'stop' command over the socket. Only one daemon may own a data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}

		s, err := supervisor.New(dir, cfg)
		if err != nil {
			return err
		}
		return s.Run()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if client.Ping() == nil {
			fmt.Println("daemon already running")
			return nil
		}

		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}

		daemonArgs := []string{"daemon"}
		if dataDir != "" {
			daemonArgs = append(daemonArgs, "--data-dir", dataDir)
		}
		if cfgFile != "" {
			daemonArgs = append(daemonArgs, "--config", cfgFile)
		}
		if projectRoot != "" {
			daemonArgs = append(daemonArgs, "--project", projectRoot)
		}

		child := exec.Command(self, daemonArgs...)
		child.Stdin = nil
		child.Stdout = nil
		child.Stderr = nil
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := child.Start(); err != nil {
			return fmt.Errorf("spawn daemon: %w", err)
		}
		_ = child.Process.Release()

		// Wait for the socket to come up.
		for i := 0; i < 20; i++ {
			time.Sleep(250 * time.Millisecond)
			if client.Ping() == nil {
				fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
				return nil
			}
		}
		return fmt.Errorf("daemon did not become ready; check logs under the data directory")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running daemon to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.RequestShutdown()
		if err != nil {
			return err
		}
		fmt.Printf("daemon: %v\n", data["status"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd, startCmd, stopCmd)
}
