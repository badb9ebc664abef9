// Package monitor samples machine resource usage and scores whether the
// machine can safely run a build.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/mpaterson/autobuild/internal/model"
)

// Probe reads instantaneous resource metrics. Implementations may fail per
// metric; the monitor degrades to last-known values on error.
type Probe interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	DiskPercent(path string) (float64, error)
	TemperatureC() (float64, error)
	Power() (model.PowerSource, error)
}

// procProbe reads metrics from /proc and /sys. CPU utilization is computed
// as the delta between consecutive reads, so the first sample reports
// utilization since boot.
type procProbe struct {
	mu        sync.Mutex
	prevTotal uint64
	prevIdle  uint64
}

// NewProcProbe returns the default Linux probe.
func NewProcProbe() Probe {
	return &procProbe{}
}

func (p *procProbe) CPUPercent() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format: %q", line)
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse /proc/stat field %d: %w", i, err)
		}
		total += v
		if i == 3 || i == 4 { // idle + iowait
			idle += v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	dTotal := total - p.prevTotal
	dIdle := idle - p.prevIdle
	p.prevTotal = total
	p.prevIdle = idle

	if dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal), nil
}

func (p *procProbe) MemoryPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			available, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}
	return 100 * (total - available) / total, nil
}

func (p *procProbe) DiskPercent(path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	if fs.Blocks == 0 {
		return 0, fmt.Errorf("statfs %s: zero blocks", path)
	}
	used := fs.Blocks - fs.Bavail
	return 100 * float64(used) / float64(fs.Blocks), nil
}

func (p *procProbe) TemperatureC() (float64, error) {
	zones, err := filepath.Glob("/sys/class/thermal/thermal_zone*/temp")
	if err != nil || len(zones) == 0 {
		return 0, fmt.Errorf("no thermal zones available")
	}

	max := 0.0
	found := false
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		found = true
		if c := milli / 1000; c > max {
			max = c
		}
	}
	if !found {
		return 0, fmt.Errorf("no readable thermal zone")
	}
	return max, nil
}

func (p *procProbe) Power() (model.PowerSource, error) {
	supplies, err := filepath.Glob("/sys/class/power_supply/*/type")
	if err != nil || len(supplies) == 0 {
		return model.PowerUnknown, fmt.Errorf("no power supplies visible")
	}

	onBattery := false
	onAC := false
	for _, typePath := range supplies {
		data, err := os.ReadFile(typePath)
		if err != nil {
			continue
		}
		dir := filepath.Dir(typePath)
		switch strings.TrimSpace(string(data)) {
		case "Mains":
			online, err := os.ReadFile(filepath.Join(dir, "online"))
			if err == nil && strings.TrimSpace(string(online)) == "1" {
				onAC = true
			}
		case "Battery":
			status, err := os.ReadFile(filepath.Join(dir, "status"))
			if err == nil && strings.TrimSpace(string(status)) == "Discharging" {
				onBattery = true
			}
		}
	}

	switch {
	case onAC:
		return model.PowerAC, nil
	case onBattery:
		return model.PowerBattery, nil
	default:
		// Desktop machines often expose no battery at all.
		return model.PowerAC, nil
	}
}
