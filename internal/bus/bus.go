// Package bus keeps the in-memory, per-project replay buffers that clients
// stream generation events from.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Bus maps projects to their current buffer. At most one buffer per project
// is live (idle or running) at a time.
type Bus struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	buffers map[types.ProjectID]*Buffer
}

// New returns a bus whose buffers are evicted ttl after creation.
func New(ttl time.Duration) *Bus {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Bus{
		ttl:     ttl,
		now:     time.Now,
		buffers: make(map[types.ProjectID]*Buffer),
	}
}

// Create allocates a fresh buffer for a new task. It fails with ErrConflict,
// leaving the existing buffer untouched, while a task for the project has
// not finished.
func (b *Bus) Create(projectID types.ProjectID, taskID types.TaskID) (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.buffers[projectID]; ok && !existing.Status().Terminal() {
		return nil, types.ErrConflict.Withf("project %s already has task %s running", projectID, existing.taskID)
	}
	buf := newBuffer(projectID, taskID, b.now())
	b.buffers[projectID] = buf
	return buf, nil
}

// Get returns the project's current buffer.
func (b *Bus) Get(projectID types.ProjectID) (*Buffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[projectID]
	return buf, ok
}

func (b *Bus) lookup(projectID types.ProjectID) (*Buffer, error) {
	buf, ok := b.Get(projectID)
	if !ok {
		return nil, types.ErrNotFound.Withf("no event buffer for project %s", projectID)
	}
	return buf, nil
}

func (b *Bus) Append(projectID types.ProjectID, ev events.Event) (events.Entry, error) {
	buf, err := b.lookup(projectID)
	if err != nil {
		return events.Entry{}, err
	}
	return buf.Append(ev)
}

func (b *Bus) MarkStarted(projectID types.ProjectID) error {
	buf, err := b.lookup(projectID)
	if err != nil {
		return err
	}
	return buf.MarkStarted()
}

func (b *Bus) MarkComplete(projectID types.ProjectID, taskErr error) error {
	buf, err := b.lookup(projectID)
	if err != nil {
		return err
	}
	buf.MarkComplete(taskErr)
	return nil
}

// Subscribe streams the project's buffer from since. See Buffer.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, projectID types.ProjectID, since int64) (<-chan events.Entry, error) {
	buf, err := b.lookup(projectID)
	if err != nil {
		return nil, err
	}
	return buf.Subscribe(ctx, since), nil
}

// Status returns the project's snapshot, idle when no buffer exists.
func (b *Bus) Status(projectID types.ProjectID) types.Snapshot {
	if buf, ok := b.Get(projectID); ok {
		return buf.Snapshot()
	}
	return types.Snapshot{ProjectID: projectID, Status: types.StatusIdle}
}

// Sweep evicts every buffer older than the TTL, whatever its status, and
// returns how many were removed.
func (b *Bus) Sweep() int {
	cutoff := b.now().Add(-b.ttl)

	b.mu.Lock()
	var expired []*Buffer
	for id, buf := range b.buffers {
		if buf.createdAt.Before(cutoff) {
			expired = append(expired, buf)
			delete(b.buffers, id)
		}
	}
	b.mu.Unlock()

	for _, buf := range expired {
		if status := buf.Status(); !status.Terminal() {
			slog.Warn("evicting unfinished task buffer", "project_id", buf.projectID, "task_id", buf.taskID, "status", status)
		} else {
			slog.Debug("evicted task buffer", "project_id", buf.projectID, "task_id", buf.taskID)
		}
		buf.evict()
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done, then releases all buffers.
func (b *Bus) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer b.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				slog.Info("swept task buffers", "evicted", n)
			}
		}
	}
}

// Close evicts every buffer and wakes their subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	buffers := b.buffers
	b.buffers = make(map[types.ProjectID]*Buffer)
	b.mu.Unlock()

	for _, buf := range buffers {
		buf.evict()
	}
}
