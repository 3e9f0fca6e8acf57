package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
)

func textEvent(i int) events.Event {
	return events.New(events.TextDelta{Text: fmt.Sprintf("chunk-%d", i)}, "delta %d", i)
}

func drain(t *testing.T, ch <-chan events.Entry) []events.Entry {
	t.Helper()
	var out []events.Entry
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("subscription did not terminate; got %d entries", len(out))
			return out
		}
	}
}

func startTask(t *testing.T, b *Bus, id types.ProjectID) *Buffer {
	t.Helper()
	buf, err := b.Create(id, types.NewTaskID())
	require.NoError(t, err)
	require.NoError(t, buf.MarkStarted())
	return buf
}

func TestOrderingConcurrentSubscribers(t *testing.T) {
	b := New(DefaultTTL)
	buf := startTask(t, b, "p1")

	const subscribers, total = 8, 200
	results := make([][]events.Entry, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		ch, err := b.Subscribe(context.Background(), "p1", 0)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = drain(t, ch)
		}(i)
	}

	for i := 0; i < total; i++ {
		_, err := buf.Append(textEvent(i))
		require.NoError(t, err)
	}
	buf.MarkComplete(nil)
	wg.Wait()

	for i, got := range results {
		require.Len(t, got, total, "subscriber %d", i)
		for seq, e := range got {
			assert.Equal(t, int64(seq), e.Seq)
			assert.Equal(t, fmt.Sprintf("chunk-%d", seq), e.Event.Data.(events.TextDelta).Text)
		}
	}
}

func TestReplayFromOffset(t *testing.T) {
	b := New(DefaultTTL)
	buf := startTask(t, b, "p1")
	for i := 0; i < 10; i++ {
		_, err := buf.Append(textEvent(i))
		require.NoError(t, err)
	}
	buf.MarkComplete(nil)

	for _, k := range []int64{0, 3, 9} {
		ch, err := b.Subscribe(context.Background(), "p1", k)
		require.NoError(t, err)
		got := drain(t, ch)
		require.Len(t, got, int(10-k))
		assert.Equal(t, k, got[0].Seq)
	}

	ch, err := b.Subscribe(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, drain(t, ch))
}

func TestReplayThenLive(t *testing.T) {
	b := New(DefaultTTL)
	buf := startTask(t, b, "p1")
	for i := 0; i < 3; i++ {
		_, err := buf.Append(textEvent(i))
		require.NoError(t, err)
	}

	ch, err := b.Subscribe(context.Background(), "p1", 1)
	require.NoError(t, err)

	e := <-ch
	assert.Equal(t, int64(1), e.Seq)
	e = <-ch
	assert.Equal(t, int64(2), e.Seq)

	_, err = buf.Append(textEvent(3))
	require.NoError(t, err)
	e = <-ch
	assert.Equal(t, int64(3), e.Seq)

	buf.MarkComplete(errors.New("provider down"))
	assert.Empty(t, drain(t, ch))
}

func TestCreateConflictLeavesBufferUntouched(t *testing.T) {
	b := New(DefaultTTL)
	buf := startTask(t, b, "p1")
	_, err := buf.Append(textEvent(0))
	require.NoError(t, err)

	_, err = b.Create("p1", types.NewTaskID())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConflict)

	current, ok := b.Get("p1")
	require.True(t, ok)
	assert.Same(t, buf, current)
	assert.Equal(t, 1, current.Snapshot().EventCount)
	assert.Equal(t, types.StatusRunning, current.Status())

	// A created but not yet started task also holds the project.
	_, err = b.Create("p2", types.NewTaskID())
	require.NoError(t, err)
	_, err = b.Create("p2", types.NewTaskID())
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestCreateAfterCompletionReplacesBuffer(t *testing.T) {
	b := New(DefaultTTL)
	first := startTask(t, b, "p1")
	_, err := first.Append(textEvent(0))
	require.NoError(t, err)
	first.MarkComplete(nil)

	second, err := b.Create("p1", types.NewTaskID())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 0, b.Status("p1").EventCount)
	assert.Equal(t, types.StatusIdle, b.Status("p1").Status)
}

func TestMarkCompleteIdempotent(t *testing.T) {
	b := New(DefaultTTL)
	buf := startTask(t, b, "p1")

	buf.MarkComplete(errors.New("boom"))
	buf.MarkComplete(nil)

	snap := buf.Snapshot()
	assert.Equal(t, types.StatusError, snap.Status)
	assert.Equal(t, "boom", snap.Error)

	_, err := buf.Append(textEvent(0))
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.ErrorIs(t, buf.MarkStarted(), types.ErrConflict)
}

func TestMarkCompleteFromIdle(t *testing.T) {
	b := New(DefaultTTL)
	buf, err := b.Create("p1", types.NewTaskID())
	require.NoError(t, err)

	sub, err := b.Subscribe(context.Background(), "p1", 0)
	require.NoError(t, err)

	// queued task interrupted before it ever ran
	_, err = buf.Append(events.New(events.Error{Error: "interrupted"}, "task interrupted"))
	require.NoError(t, err)
	buf.MarkComplete(errors.New("interrupted"))

	got := drain(t, sub)
	require.Len(t, got, 1)
	assert.True(t, got[0].Event.Terminal())
	assert.Equal(t, types.StatusError, buf.Status())
	assert.ErrorIs(t, buf.MarkStarted(), types.ErrConflict, "an ended task never runs")
}

func TestFanOutIndependence(t *testing.T) {
	b := New(DefaultTTL)
	buf := startTask(t, b, "p1")

	early, err := b.Subscribe(context.Background(), "p1", 0)
	require.NoError(t, err)
	quitterCtx, quit := context.WithCancel(context.Background())
	quitter, err := b.Subscribe(quitterCtx, "p1", 0)
	require.NoError(t, err)

	var earlyGot []events.Entry
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		earlyGot = drain(t, early)
	}()

	for i := 0; i < 5; i++ {
		_, err := buf.Append(textEvent(i))
		require.NoError(t, err)
	}
	<-quitter
	quit()

	late, err := b.Subscribe(context.Background(), "p1", 0)
	require.NoError(t, err)
	for i := 5; i < 10; i++ {
		_, err := buf.Append(textEvent(i))
		require.NoError(t, err)
	}
	buf.MarkComplete(nil)

	lateGot := drain(t, late)
	wg.Wait()

	require.Len(t, earlyGot, 10)
	require.Len(t, lateGot, 10)
	for i := range 10 {
		assert.Equal(t, int64(i), earlyGot[i].Seq)
		assert.Equal(t, int64(i), lateGot[i].Seq)
	}
}

func TestSubscribeUnknownProject(t *testing.T) {
	b := New(DefaultTTL)
	_, err := b.Subscribe(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = b.Append("missing", textEvent(0))
	assert.ErrorIs(t, err, types.ErrNotFound)

	snap := b.Status("missing")
	assert.Equal(t, types.StatusIdle, snap.Status)
	assert.Zero(t, snap.EventCount)
}

func TestSweepEvictsRegardlessOfStatus(t *testing.T) {
	b := New(30 * time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	running := startTask(t, b, "running")
	done := startTask(t, b, "done")
	done.MarkComplete(nil)

	ch, err := b.Subscribe(context.Background(), "running", 0)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	fresh := startTask(t, b, "fresh")

	now = now.Add(25 * time.Minute)
	assert.Equal(t, 2, b.Sweep())

	_, ok := b.Get("running")
	assert.False(t, ok)
	_, ok = b.Get("done")
	assert.False(t, ok)
	current, ok := b.Get("fresh")
	require.True(t, ok)
	assert.Same(t, fresh, current)

	// the headless task keeps running but its subscribers are released
	assert.Equal(t, types.StatusRunning, running.Status())
	assert.Empty(t, drain(t, ch))

	// the project can start a new task after eviction
	_, err = b.Create("running", types.NewTaskID())
	assert.NoError(t, err)
}

func TestRunSweepsAndCloses(t *testing.T) {
	b := New(time.Millisecond)
	buf := startTask(t, b, "p1")
	ch := buf.Subscribe(context.Background(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		_, ok := b.Get("p1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, drain(t, ch))

	startTask(t, b, "p2")
	cancel()
	require.NoError(t, <-done)
	_, ok := b.Get("p2")
	assert.False(t, ok)
}

func TestSubscribeContextCancel(t *testing.T) {
	b := New(DefaultTTL)
	startTask(t, b, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "p1", 0)
	require.NoError(t, err)
	cancel()
	assert.Empty(t, drain(t, ch))
}
