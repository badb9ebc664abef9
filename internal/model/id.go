package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var buildIDRegex = regexp.MustCompile(`^bld_[0-9]{10}_[0-9a-f]{8}$`)

// NewBuildID generates a sortable build request ID:
// bld_<unix-timestamp>_<8 hex chars>.
func NewBuildID() string {
	return fmt.Sprintf("bld_%010d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

func ValidateBuildID(id string) bool {
	return buildIDRegex.MatchString(id)
}

// ParseBuildIDTimestamp extracts the creation time embedded in a build ID.
func ParseBuildIDTimestamp(id string) (time.Time, error) {
	if !ValidateBuildID(id) {
		return time.Time{}, fmt.Errorf("invalid build ID format: %s", id)
	}
	ts, err := strconv.ParseInt(id[4:14], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
