package model

import "time"

// DependencyState tracks dependency-management activity for one project root.
type DependencyState struct {
	DetectedEcosystems   []string
	PackageManagers      []string
	VulnerabilitiesFound int
	PatchesApplied       int
	ConflictsResolved    int
	RollbacksPerformed   int
	PackagesManaged      int
	LastScanAt           time.Time
	LastUpdateAt         time.Time
}
