package store

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mpaterson/autobuild/internal/model"
)

// History entries persist one per line as
// timestamp|reason|exit_code|duration_seconds|log_path, append-only.

// EncodeHistoryLine renders one build record in the persisted line format.
func EncodeHistoryLine(rec model.BuildRecord) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s",
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.Reason, rec.ExitCode,
		int(rec.Duration.Seconds()), rec.LogPath)
}

// ParseHistoryLine parses one persisted history line.
func ParseHistoryLine(line string) (model.BuildRecord, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 5 {
		return model.BuildRecord{}, fmt.Errorf("malformed history line: %q", line)
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return model.BuildRecord{}, fmt.Errorf("malformed history timestamp %q: %w", parts[0], err)
	}
	exitCode, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.BuildRecord{}, fmt.Errorf("malformed exit code %q: %w", parts[2], err)
	}
	durationSec, err := strconv.Atoi(parts[3])
	if err != nil {
		return model.BuildRecord{}, fmt.Errorf("malformed duration %q: %w", parts[3], err)
	}
	return model.BuildRecord{
		Reason:    model.BuildReason(parts[1]),
		StartedAt: ts,
		ExitCode:  exitCode,
		Duration:  time.Duration(durationSec) * time.Second,
		LogPath:   parts[4],
	}, nil
}

// AppendHistory appends one record to the history file.
func AppendHistory(path string, rec model.BuildRecord) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, EncodeHistoryLine(rec)); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return f.Sync()
}

// LoadHistory reads build records, newest last. When limit > 0 only the most
// recent limit records are returned. Malformed lines are skipped.
func LoadHistory(path string, limit int) ([]model.BuildRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []model.BuildRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := ParseHistoryLine(line)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read history: %w", err)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
