package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/user/pagewright/internal/bus"
	ctxengine "github.com/user/pagewright/internal/context"
	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/runtime"
	"github.com/user/pagewright/internal/types"
)

// persistTimeout bounds the history write after a task has finished,
// including retries.
const persistTimeout = 2 * time.Minute

// Gateway supervises generation tasks. It admits at most one task per
// project, runs each accepted task in the background under its own root
// context, and writes the finished task to the history store.
type Gateway struct {
	bus        *bus.Bus
	runtime    *runtime.Runtime
	prompts    *ctxengine.Engine
	history    types.HistoryStore
	components types.ComponentStore
	semaphore  *semaphore.Weighted
	retry      *RetryPolicy
	tracer     trace.Tracer

	mu       sync.Mutex
	inflight map[types.ProjectID]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway with the given limit on simultaneously running
// engines. Accepted tasks beyond the limit wait, idle, for a slot.
func New(b *bus.Bus, rt *runtime.Runtime, prompts *ctxengine.Engine, history types.HistoryStore, components types.ComponentStore, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 4
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		bus:        b,
		runtime:    rt,
		prompts:    prompts,
		history:    history,
		components: components,
		semaphore:  semaphore.NewWeighted(concurrency),
		retry:      DefaultRetryPolicy(),
		tracer:     otel.Tracer("github.com/user/pagewright/internal/gateway"),
		inflight:   make(map[types.ProjectID]*task),
	}
}

// SetRetryPolicy replaces the policy used for history writes.
func (g *Gateway) SetRetryPolicy(p *RetryPolicy) {
	g.retry = p
}

// Start initialises the root context that every task runs under.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// Stop cancels the root context and waits for running tasks to end and be
// persisted.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Submit accepts a prompt for a project and starts it in the background.
// It fails with ErrConflict while the project has a task that has not yet
// been persisted.
func (g *Gateway) Submit(projectID types.ProjectID, prompt string) (*Handle, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, types.ErrBadParameter.With("prompt is empty")
	}
	if g.ctx == nil {
		return nil, types.ErrInternal.With("gateway not started")
	}
	if g.ctx.Err() != nil {
		return nil, types.ErrInternal.With("gateway is shutting down")
	}

	g.mu.Lock()
	if running, exists := g.inflight[projectID]; exists {
		g.mu.Unlock()
		// A finished task keeps its slot until its record is saved.
		if running.Buffer.Status().Terminal() {
			return nil, types.ErrConflict.Withf("project %s: previous task %s is still being saved", projectID, running.ID)
		}
		return nil, types.ErrConflict.Withf("project %s already has task %s running", projectID, running.ID)
	}
	buf, err := g.bus.Create(projectID, types.NewTaskID())
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	t := newTask(buf, prompt)
	g.inflight[projectID] = t
	g.wg.Add(1)
	g.mu.Unlock()

	slog.Info("task accepted", "project_id", projectID, "task_id", t.ID)
	go g.process(t)
	return t.handle(), nil
}

// process runs a task to its end and persists it.
func (g *Gateway) process(t *task) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, t.ProjectID)
		g.mu.Unlock()
	}()

	ctx, span := g.tracer.Start(g.ctx, "gateway.task", trace.WithAttributes(
		attribute.String("project_id", string(t.ProjectID)),
		attribute.String("task_id", string(t.ID)),
	))
	defer span.End()

	report := g.execute(ctx, t)
	t.EndedAt = time.Now()
	t.Buffer.MarkComplete(report.Err)
	if report.Err != nil {
		span.SetStatus(codes.Error, report.Err.Error())
	}
	span.SetAttributes(attribute.Int("iterations", report.Iterations))

	slog.Info("task finished",
		"project_id", t.ProjectID,
		"task_id", t.ID,
		"status", t.Buffer.Status(),
		"iterations", report.Iterations,
		"duration", t.EndedAt.Sub(t.StartedAt).Round(time.Millisecond),
	)

	// The root context may already be cancelled at shutdown; the record is
	// still written.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	rec := t.record(report.Iterations, report.Messages)
	if err := g.retry.Execute(pctx, func() error { return g.history.Save(pctx, rec) }); err != nil {
		slog.Error("persist task failed", "project_id", t.ProjectID, "task_id", t.ID, "error", err)
	}
}

// execute waits for an engine slot and runs the turn loop. Failures before
// the loop starts, and engine panics, are reported as a single error event.
func (g *Gateway) execute(ctx context.Context, t *task) (report *runtime.Report) {
	emit := func(ev events.Event) {
		entry, err := t.Buffer.Append(ev)
		if err != nil {
			slog.Warn("dropping event", "project_id", t.ProjectID, "task_id", t.ID, "type", ev.Type(), "error", err)
			return
		}
		slog.Debug("event", "project_id", t.ProjectID, "seq", entry.Seq, "type", ev.Type())
	}
	fail := func(err error, message string) *runtime.Report {
		emit(events.New(events.Error{Error: err.Error()}, "%s", message))
		return &runtime.Report{Err: err}
	}

	if err := g.semaphore.Acquire(ctx, 1); err != nil {
		return fail(types.ErrInternal.With("task interrupted before start: ", err), "task interrupted")
	}
	defer g.semaphore.Release(1)

	t.StartedAt = time.Now()
	if err := t.Buffer.MarkStarted(); err != nil {
		return fail(err, "task could not start")
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("engine panicked", "project_id", t.ProjectID, "task_id", t.ID, "panic", p)
			report = fail(types.ErrInternal.Withf("engine panic: %v", p), "internal error")
		}
	}()

	history, err := g.history.Conversation(ctx, t.ProjectID)
	if err != nil {
		slog.Warn("loading conversation failed, starting without history", "project_id", t.ProjectID, "error", err)
		history = nil
	}

	system, err := g.prompts.SystemPrompt(t.ProjectID, g.runtime.ToolNames(), g.componentNames(ctx, t.ProjectID))
	if err != nil {
		return fail(types.ErrInternal.With(err), "system prompt failed")
	}

	return g.runtime.Run(ctx, runtime.Task{
		ProjectID: t.ProjectID,
		System:    system,
		Messages:  g.prompts.BuildPrompt(system, history, t.Prompt),
	}, emit)
}

func (g *Gateway) componentNames(ctx context.Context, projectID types.ProjectID) []string {
	infos, err := g.components.List(ctx, projectID)
	if err != nil {
		slog.Warn("listing components failed", "project_id", projectID, "error", err)
		return nil
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}

// WaitIdle blocks until no task is in flight, or the timeout expires.
// Returns true if idle, false if timed out.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		g.mu.Lock()
		active := len(g.inflight)
		g.mu.Unlock()
		if active == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Status returns the project's current snapshot.
func (g *Gateway) Status(projectID types.ProjectID) (types.Snapshot, error) {
	if err := projectID.Validate(); err != nil {
		return types.Snapshot{}, err
	}
	return g.bus.Status(projectID), nil
}

// Stream replays the project's events from since and follows live ones
// until the task ends or ctx is done.
func (g *Gateway) Stream(ctx context.Context, projectID types.ProjectID, since int64) (<-chan events.Entry, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	if since < 0 {
		return nil, types.ErrBadParameter.Withf("since must not be negative, got %d", since)
	}
	return g.bus.Subscribe(ctx, projectID, since)
}

// History returns the project's persisted tasks, newest first.
func (g *Gateway) History(ctx context.Context, projectID types.ProjectID, limit int) ([]*types.TaskRecord, error) {
	return g.history.List(ctx, projectID, limit)
}

// Task returns one persisted task with its events.
func (g *Gateway) Task(ctx context.Context, projectID types.ProjectID, taskID types.TaskID) (*types.TaskRecord, error) {
	return g.history.Get(ctx, projectID, taskID)
}

// Components lists the project's generated components.
func (g *Gateway) Components(ctx context.Context, projectID types.ProjectID) ([]types.ComponentInfo, error) {
	return g.components.List(ctx, projectID)
}

// GenerateInteraction produces an event handler for a component. It runs
// under the caller's context and shares the engine slots with tasks.
func (g *Gateway) GenerateInteraction(ctx context.Context, req runtime.InteractionRequest) (*runtime.Interaction, error) {
	if err := g.semaphore.Acquire(ctx, 1); err != nil {
		return nil, types.ErrInternal.With("interaction cancelled while waiting: ", err)
	}
	defer g.semaphore.Release(1)

	start := time.Now()
	out, err := g.runtime.GenerateInteraction(ctx, req)
	if err != nil {
		slog.Warn("interaction failed", "component", req.ComponentName, "error", err)
		return nil, err
	}
	slog.Info("interaction generated", "component", req.ComponentName, "handler", out.HandlerName,
		"duration", time.Since(start).Round(time.Millisecond))
	return out, nil
}
