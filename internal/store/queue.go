package store

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mpaterson/autobuild/internal/model"
)

// Queue entries persist one per line as timestamp|reason|priority|status.
// Request IDs are in-memory only; the line format is the compatibility
// surface shared with existing tooling.

// EncodeQueueLine renders one queue entry in the persisted line format.
func EncodeQueueLine(req model.BuildRequest) string {
	return fmt.Sprintf("%s|%s|%s|%s",
		req.EnqueuedAt.UTC().Format(time.RFC3339),
		req.Reason, req.Priority, req.Status)
}

// ParseQueueLine parses one persisted queue line. A fresh ID is assigned;
// IDs do not survive restarts.
func ParseQueueLine(line string) (model.BuildRequest, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 4 {
		return model.BuildRequest{}, fmt.Errorf("malformed queue line: %q", line)
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return model.BuildRequest{}, fmt.Errorf("malformed queue timestamp %q: %w", parts[0], err)
	}
	reason := model.BuildReason(parts[1])
	if !model.ValidReason(reason) {
		return model.BuildRequest{}, fmt.Errorf("unknown queue reason %q", parts[1])
	}
	return model.BuildRequest{
		ID:         model.NewBuildID(),
		Reason:     reason,
		Priority:   model.BuildPriority(parts[2]),
		EnqueuedAt: ts,
		Status:     model.BuildStatus(parts[3]),
	}, nil
}

// SaveQueue rewrites the whole queue file atomically.
func SaveQueue(path string, entries []model.BuildRequest) error {
	var buf bytes.Buffer
	for _, req := range entries {
		buf.WriteString(EncodeQueueLine(req))
		buf.WriteByte('\n')
	}
	return AtomicWriteRaw(path, buf.Bytes())
}

// LoadQueue reads the persisted queue. Malformed lines are skipped so one
// corrupt entry cannot wedge the whole queue; a missing file is an empty
// queue.
func LoadQueue(path string) ([]model.BuildRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []model.BuildRequest
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req, err := ParseQueueLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, req)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read queue: %w", err)
	}
	return entries, nil
}
