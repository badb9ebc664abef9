package model

import "time"

type PowerSource string

const (
	PowerAC      PowerSource = "AC"
	PowerBattery PowerSource = "battery"
	PowerUnknown PowerSource = "unknown"
)

// ResourceSnapshot is one immutable sampling-tick observation of machine
// resource usage. Stale marks values carried over from the previous sample
// after a read error.
type ResourceSnapshot struct {
	Timestamp    time.Time
	CPUPct       float64
	MemoryPct    float64
	DiskPct      float64
	TemperatureC float64
	Power        PowerSource
	Stale        bool
}

// BuildParams are the predicted execution parameters for the next build.
type BuildParams struct {
	MaxParallelJobs int
	MemoryLimitMB   int
	CPULimitPct     int
	Priority        string
}
