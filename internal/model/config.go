// Package model defines the data structures for autobuild's configuration,
// state, queue entries, and decisions.
package model

import (
	"fmt"
	"os"
	"strconv"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Thresholds ThresholdConfig  `yaml:"thresholds"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Build      BuildConfig      `yaml:"build"`
	Decision   DecisionConfig   `yaml:"decision"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Notify     NotifyConfig     `yaml:"notify"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

// ThresholdConfig holds the WARNING/CRITICAL percentages shared by the
// resource monitor and the decision engine.
type ThresholdConfig struct {
	CPUWarning      float64 `yaml:"cpu_warning"`
	CPUCritical     float64 `yaml:"cpu_critical"`
	MemoryWarning   float64 `yaml:"memory_warning"`
	MemoryCritical  float64 `yaml:"memory_critical"`
	DiskWarning     float64 `yaml:"disk_warning"`
	DiskCritical    float64 `yaml:"disk_critical"`
	TempWarning     float64 `yaml:"temp_warning"`
	TempCritical    float64 `yaml:"temp_critical"`
	Overutilization float64 `yaml:"overutilization"`
}

type MonitorConfig struct {
	IntervalSec       int           `yaml:"interval_sec"`
	HistorySize       int           `yaml:"history_size"`
	OptimizationLevel string        `yaml:"optimization_level"` // conservative|balanced|aggressive
	PeakHoursStart    int           `yaml:"peak_hours_start"`   // hour of day, inclusive
	PeakHoursEnd      int           `yaml:"peak_hours_end"`     // hour of day, exclusive
	Weights           WeightsConfig `yaml:"weights"`
}

type WeightsConfig struct {
	CPU         float64 `yaml:"cpu"`
	Memory      float64 `yaml:"memory"`
	Disk        float64 `yaml:"disk"`
	Temperature float64 `yaml:"temperature"`
	Power       float64 `yaml:"power"`
}

type BuildConfig struct {
	TimeoutSec           int    `yaml:"timeout_sec"`
	RetryBackoffSec      int    `yaml:"retry_backoff_sec"`
	ReadinessGate        int    `yaml:"readiness_gate"`
	HistoryWindow        int    `yaml:"history_window"`
	DeployCommand        string `yaml:"deploy_command"`
	ScheduledIntervalSec int    `yaml:"scheduled_interval_sec"` // 0 disables scheduled builds
}

type DecisionConfig struct {
	IntervalSec     int  `yaml:"interval_sec"`
	LearningEnabled bool `yaml:"learning_enabled"`
}

type WatcherConfig struct {
	Mode            string   `yaml:"mode"` // fsnotify|poll
	DebounceSec     float64  `yaml:"debounce_sec"`
	PollIntervalSec int      `yaml:"poll_interval_sec"`
	IgnoreDirs      []string `yaml:"ignore_dirs"`
}

type NotifyConfig struct {
	Desktop    bool   `yaml:"desktop"`
	WebhookURL string `yaml:"webhook_url"`
}

type DaemonConfig struct {
	Autonomy           string `yaml:"autonomy"` // limited|supervised|full
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		Thresholds: ThresholdConfig{
			CPUWarning:      75,
			CPUCritical:     90,
			MemoryWarning:   75,
			MemoryCritical:  90,
			DiskWarning:     85,
			DiskCritical:    95,
			TempWarning:     75,
			TempCritical:    85,
			Overutilization: 85,
		},
		Monitor: MonitorConfig{
			IntervalSec:       30,
			HistorySize:       2880,
			OptimizationLevel: "balanced",
			PeakHoursStart:    9,
			PeakHoursEnd:      18,
			Weights: WeightsConfig{
				CPU:         0.3,
				Memory:      0.3,
				Disk:        0.2,
				Temperature: 0.1,
				Power:       0.1,
			},
		},
		Build: BuildConfig{
			TimeoutSec:      3600,
			RetryBackoffSec: 60,
			ReadinessGate:   50,
			HistoryWindow:   50,
		},
		Decision: DecisionConfig{
			IntervalSec: 60,
		},
		Watcher: WatcherConfig{
			Mode:            "fsnotify",
			DebounceSec:     2.0,
			PollIntervalSec: 10,
			IgnoreDirs:      []string{".git", "node_modules", "target", "dist", "vendor"},
		},
		Daemon: DaemonConfig{
			Autonomy:           string(AutonomySupervised),
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the YAML config at path, layering it over defaults and
// then applying AUTOBUILD_* environment overrides. A missing file is not an
// error; defaults plus environment apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies environment overrides. Malformed values are ignored so a
// bad override can never prevent the daemon from starting.
func (c *Config) applyEnv() {
	envFloat("AUTOBUILD_CPU_WARNING", &c.Thresholds.CPUWarning)
	envFloat("AUTOBUILD_CPU_CRITICAL", &c.Thresholds.CPUCritical)
	envFloat("AUTOBUILD_MEMORY_WARNING", &c.Thresholds.MemoryWarning)
	envFloat("AUTOBUILD_MEMORY_CRITICAL", &c.Thresholds.MemoryCritical)
	envFloat("AUTOBUILD_DISK_WARNING", &c.Thresholds.DiskWarning)
	envFloat("AUTOBUILD_DISK_CRITICAL", &c.Thresholds.DiskCritical)
	envFloat("AUTOBUILD_TEMP_WARNING", &c.Thresholds.TempWarning)
	envFloat("AUTOBUILD_TEMP_CRITICAL", &c.Thresholds.TempCritical)
	envInt("AUTOBUILD_MONITOR_INTERVAL_SEC", &c.Monitor.IntervalSec)
	envInt("AUTOBUILD_BUILD_TIMEOUT_SEC", &c.Build.TimeoutSec)
	envInt("AUTOBUILD_RETRY_BACKOFF_SEC", &c.Build.RetryBackoffSec)
	envString("AUTOBUILD_OPTIMIZATION_LEVEL", &c.Monitor.OptimizationLevel)
	envString("AUTOBUILD_AUTONOMY", &c.Daemon.Autonomy)
	envString("AUTOBUILD_LOG_LEVEL", &c.Logging.Level)
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
