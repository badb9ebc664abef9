package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		reason BuildReason
		want   BuildPriority
	}{
		{ReasonManual, PriorityHigh},
		{ReasonDependencyChange, PriorityHigh},
		{ReasonTestFailure, PriorityHigh},
		{ReasonFileChange, PriorityNormal},
		{ReasonRetry, PriorityNormal},
		{ReasonScheduled, PriorityLow},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityFor(tt.reason))
		})
	}
}

func TestValidateBuildTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    BuildStatus
		to      BuildStatus
		wantErr bool
	}{
		{"pending to running", StatusPending, StatusRunning, false},
		{"running to succeeded", StatusRunning, StatusSucceeded, false},
		{"running to failed", StatusRunning, StatusFailed, false},
		{"failed to pending (retry)", StatusFailed, StatusPending, false},
		{"pending to succeeded", StatusPending, StatusSucceeded, true},
		{"succeeded is terminal", StatusSucceeded, StatusPending, true},
		{"failed to running", StatusFailed, StatusRunning, true},
		{"unknown status", BuildStatus("bogus"), StatusRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBuildTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseAutonomyLevel(t *testing.T) {
	for _, s := range []string{"limited", "supervised", "full"} {
		level, err := ParseAutonomyLevel(s)
		require.NoError(t, err)
		assert.Equal(t, AutonomyLevel(s), level)
	}
	_, err := ParseAutonomyLevel("yolo")
	assert.Error(t, err)
}

func TestNewBuildID(t *testing.T) {
	id := NewBuildID()
	assert.True(t, ValidateBuildID(id), "generated ID %q should validate", id)

	ts, err := ParseBuildIDTimestamp(id)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestValidateBuildID_Rejects(t *testing.T) {
	for _, id := range []string{"", "bld_123_abc", "cmd_1234567890_deadbeef", "bld_1234567890_DEADBEEF"} {
		assert.False(t, ValidateBuildID(id), "ID %q should not validate", id)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 75.0, cfg.Thresholds.CPUWarning)
	assert.Equal(t, 95.0, cfg.Thresholds.DiskCritical)
	assert.Equal(t, 30, cfg.Monitor.IntervalSec)
	assert.Equal(t, 3600, cfg.Build.TimeoutSec)
	assert.Equal(t, 60, cfg.Build.RetryBackoffSec)
	assert.Equal(t, "supervised", cfg.Daemon.Autonomy)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "build:\n  timeout_sec: 120\nthresholds:\n  cpu_warning: 60\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("AUTOBUILD_CPU_WARNING", "55")
	t.Setenv("AUTOBUILD_RETRY_BACKOFF_SEC", "not-a-number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Build.TimeoutSec, "file value applies")
	assert.Equal(t, 55.0, cfg.Thresholds.CPUWarning, "env wins over file")
	assert.Equal(t, 60, cfg.Build.RetryBackoffSec, "malformed env ignored")
}
