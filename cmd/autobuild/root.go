package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mpaterson/autobuild/internal/ipc"
	"github.com/mpaterson/autobuild/internal/model"
)

const version = "1.0.0"

var (
	dataDir     string
	cfgFile     string
	projectRoot string
)

var rootCmd = &cobra.Command{
	Use:   "autobuild",
	Short: "Autonomous build and maintenance daemon",
	Long: `autobuild watches a project, builds it when sources or dependencies
change, and keeps the machine healthy while doing so.

Daemon:
  daemon        Run the supervisor in the foreground
  start         Start the daemon in the background
  stop          Ask a running daemon to shut down

Operations:
  status        Show daemon and build state
  build         Enqueue a build
  health-check  Run one decision cycle and print the result
  heal          Execute self-healing actions now
  optimize      Run resource remediation hooks
  report        Full machine-readable activity report
  deploy        Arm deployment for the next healthy cycle
  rollback      Restore the latest dependency manifest backup
  set-autonomy  Change the autonomy level (limited|supervised|full)`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "daemon data directory (default ~/.autobuild)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project", "", "project root to build (default current directory)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autobuild %s\n", version)
		},
	})
}

func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".autobuild"), nil
}

func loadConfig() (model.Config, string, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return model.Config{}, "", err
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return cfg, dir, err
	}

	if projectRoot != "" {
		cfg.Project.Root = projectRoot
	}
	if cfg.Project.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return cfg, dir, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Project.Root = cwd
	}
	return cfg, dir, nil
}

func newClient() (*ipc.Client, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(filepath.Join(dir, ipc.DefaultSocketName)), nil
}

// sendCommand performs one request against the running daemon.
func sendCommand(command string, params any) (map[string]any, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	return client.Call(command, params)
}
