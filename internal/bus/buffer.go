package bus

import (
	"context"
	"sync"
	"time"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
)

// Buffer is the ordered, append-only event log of one task. A single
// producer appends; any number of subscribers read it independently.
type Buffer struct {
	projectID types.ProjectID
	taskID    types.TaskID
	createdAt time.Time

	mu      sync.Mutex
	status  types.TaskStatus
	errMsg  string
	entries []events.Entry
	evicted bool
	wake    chan struct{}
}

func newBuffer(projectID types.ProjectID, taskID types.TaskID, now time.Time) *Buffer {
	return &Buffer{
		projectID: projectID,
		taskID:    taskID,
		createdAt: now,
		status:    types.StatusIdle,
		wake:      make(chan struct{}),
	}
}

func (b *Buffer) ProjectID() types.ProjectID { return b.projectID }
func (b *Buffer) TaskID() types.TaskID       { return b.taskID }
func (b *Buffer) CreatedAt() time.Time       { return b.createdAt }

// broadcast wakes every waiting subscriber. Caller holds mu.
func (b *Buffer) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Append adds ev to the end of the log and wakes all subscribers. It fails
// once the buffer has been marked complete.
func (b *Buffer) Append(ev events.Event) (events.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status.Terminal() {
		return events.Entry{}, types.ErrConflict.Withf("task %s for project %s is already %s", b.taskID, b.projectID, b.status)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	entry := events.Entry{Seq: int64(len(b.entries)), Event: ev}
	b.entries = append(b.entries, entry)
	b.broadcast()
	return entry, nil
}

// MarkStarted moves an idle buffer to running.
func (b *Buffer) MarkStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != types.StatusIdle {
		return types.ErrConflict.Withf("task %s cannot start from %s", b.taskID, b.status)
	}
	b.status = types.StatusRunning
	return nil
}

// MarkComplete ends the task, as errored when err is non-nil. Only the
// first call has an effect; every call wakes subscribers so they can drain.
//
// It is also valid on an idle buffer: a task still queued for an engine
// slot when the server shuts down goes straight from idle to error.
func (b *Buffer) MarkComplete(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.status.Terminal() {
		if err != nil {
			b.status = types.StatusError
			b.errMsg = err.Error()
		} else {
			b.status = types.StatusComplete
		}
	}
	b.broadcast()
}

func (b *Buffer) evict() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evicted = true
	b.broadcast()
}

// Status returns the current lifecycle state.
func (b *Buffer) Status() types.TaskStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Snapshot returns a point-in-time view of the buffer.
func (b *Buffer) Snapshot() types.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.Snapshot{
		ProjectID:  b.projectID,
		TaskID:     b.taskID,
		Status:     b.status,
		EventCount: len(b.entries),
		Error:      b.errMsg,
		CreatedAt:  b.createdAt,
	}
}

// Entries returns a copy of the log.
func (b *Buffer) Entries() []events.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// next blocks until the entry at cursor exists, the buffer is finished, or
// ctx is done. ok is false once no entry at cursor will ever arrive.
func (b *Buffer) next(ctx context.Context, cursor int64) (entry events.Entry, ok bool, err error) {
	for {
		b.mu.Lock()
		if cursor < int64(len(b.entries)) {
			entry = b.entries[cursor]
			b.mu.Unlock()
			return entry, true, nil
		}
		if b.status.Terminal() || b.evicted {
			b.mu.Unlock()
			return entry, false, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return entry, false, ctx.Err()
		}
	}
}

// Subscribe replays every entry with Seq >= since and then follows the log.
// The channel is closed after the last entry of a finished task has been
// delivered, or when ctx is done.
func (b *Buffer) Subscribe(ctx context.Context, since int64) <-chan events.Entry {
	if since < 0 {
		since = 0
	}
	ch := make(chan events.Entry)
	go func() {
		defer close(ch)
		for cursor := since; ; cursor++ {
			entry, ok, err := b.next(ctx, cursor)
			if err != nil || !ok {
				return
			}
			select {
			case ch <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
