// Package orchestrator owns the durable build queue and the build lifecycle
// state machine. Exactly one build executes at a time system-wide.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/mpaterson/autobuild/internal/model"
	"github.com/mpaterson/autobuild/internal/store"
)

// Queue is the durable FIFO build queue. Enqueue is safe from multiple
// trigger sources (watcher, operator, retry); Pop has a single consumer.
//
// Priority is derived from the trigger reason and persisted for
// observability, but it deliberately never reorders the queue: consumption
// is strictly FIFO.
type Queue struct {
	mu      sync.Mutex
	path    string
	entries []model.BuildRequest
}

// NewQueue loads any persisted entries from path.
func NewQueue(path string) (*Queue, error) {
	entries, err := store.LoadQueue(path)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	// Only pending entries survive a restart; an entry mid-run when the
	// daemon died is re-run from scratch.
	pending := entries[:0]
	for _, e := range entries {
		e.Status = model.StatusPending
		pending = append(pending, e)
	}
	return &Queue{path: path, entries: pending}, nil
}

// Enqueue appends a new request for the given reason.
func (q *Queue) Enqueue(reason model.BuildReason) (model.BuildRequest, error) {
	if !model.ValidReason(reason) {
		return model.BuildRequest{}, fmt.Errorf("invalid build reason %q", reason)
	}

	req := model.BuildRequest{
		ID:         model.NewBuildID(),
		Reason:     reason,
		Priority:   model.PriorityFor(reason),
		EnqueuedAt: time.Now().UTC(),
		Status:     model.StatusPending,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, req)
	if err := q.persistLocked(); err != nil {
		// Entry stays queued in memory even if the disk write failed.
		return req, err
	}
	return req, nil
}

// Requeue puts a request back at the tail, keeping its reason and priority.
// Used for readiness-gate deferrals (TransientResourceConstraint).
func (q *Queue) Requeue(req model.BuildRequest) error {
	req.Status = model.StatusPending

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, req)
	return q.persistLocked()
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (model.BuildRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return model.BuildRequest{}, false
	}
	req := q.entries[0]
	q.entries = append([]model.BuildRequest{}, q.entries[1:]...)
	_ = q.persistLocked()
	return req, true
}

// Depth returns the number of queued requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queued requests in order.
func (q *Queue) Snapshot() []model.BuildRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.BuildRequest, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) persistLocked() error {
	return store.SaveQueue(q.path, q.entries)
}
