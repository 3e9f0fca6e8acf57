package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

const DefaultMaxIterations = 150

// truncationNotice is sent back when a turn hit the output token limit.
const truncationNotice = "Your previous response was cut off because it exceeded the output token limit. " +
	"Retry with a smaller artifact: split large components into several smaller ones and write them one at a time."

// Emitter receives the events of a running task in order.
type Emitter func(events.Event)

// Task is the input to one run of the turn loop.
type Task struct {
	ProjectID types.ProjectID
	System    string
	Messages  []llm.Message
}

// Report is the outcome of a run. Err is nil when the model finished on its
// own.
type Report struct {
	Messages   []llm.Message
	Iterations int
	Text       string
	Err        error
}

// Runtime implements the streaming turn loop.
type Runtime struct {
	provider      llm.Provider
	registry      *Registry
	maxIterations int
	maxTokens     int
	tracer        trace.Tracer
}

// New creates a Runtime. maxIterations <= 0 selects DefaultMaxIterations.
func New(provider llm.Provider, registry *Registry, maxIterations, maxTokens int) *Runtime {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Runtime{
		provider:      provider,
		registry:      registry,
		maxIterations: maxIterations,
		maxTokens:     maxTokens,
		tracer:        otel.Tracer("github.com/user/pagewright/internal/runtime"),
	}
}

// MaxIterations returns the turn cap.
func (rt *Runtime) MaxIterations() int { return rt.maxIterations }

// ToolNames lists the registered tools, sorted.
func (rt *Runtime) ToolNames() []string { return rt.registry.Names() }

// Run drives the conversation until the model stops, the provider fails, or
// the iteration cap is reached. Exactly one terminal event (complete or
// error) is emitted. The returned report lists the messages added to the
// conversation by this run.
func (rt *Runtime) Run(ctx context.Context, task Task, emit Emitter) *Report {
	conv := append([]llm.Message(nil), task.Messages...)
	first := len(conv)
	scope := NewScope(task.ProjectID)
	tools := rt.registry.AsLLMTools()

	report := func(iterations int, text string, err error) *Report {
		return &Report{Messages: conv[first:], Iterations: iterations, Text: text, Err: err}
	}

	for iter := 1; iter <= rt.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			emit(events.New(events.Error{Error: "task interrupted: " + err.Error(), Iteration: iter}, "task interrupted"))
			return report(iter-1, "", types.ErrProviderStream.With(err))
		}

		emit(events.New(events.TurnStart{Iteration: iter, MaxIterations: rt.maxIterations}, "turn %d of %d", iter, rt.maxIterations))

		msg, stop, badArgs, err := rt.turn(ctx, task.ProjectID, iter, &llm.Request{
			System:    task.System,
			Messages:  conv,
			Tools:     tools,
			MaxTokens: rt.maxTokens,
		}, emit)
		if err != nil {
			slog.Error("provider stream failed", "project_id", task.ProjectID, "iteration", iter, "error", err)
			emit(events.New(events.Error{Error: err.Error(), Iteration: iter}, "model request failed"))
			return report(iter, "", types.ErrProviderStream.With(err))
		}

		switch stop {
		case llm.StopToolUse:
			if !msg.HasToolCalls() {
				conv = append(conv, msg)
				rt.complete(emit, iter, msg.Content, string(stop))
				return report(iter, msg.Content, nil)
			}
			rt.runTools(ctx, scope, &msg, badArgs, emit)
			conv = append(conv, msg)

		case llm.StopEndTurn, llm.StopSequence:
			conv = append(conv, msg)
			rt.complete(emit, iter, msg.Content, events.ReasonEndTurn)
			return report(iter, msg.Content, nil)

		case llm.StopMaxTokens:
			slog.Warn("turn truncated at max tokens", "project_id", task.ProjectID, "iteration", iter)
			msg.ToolCalls = nil
			if msg.Content != "" || len(msg.ThinkingBlocks) > 0 {
				conv = append(conv, msg)
			}
			conv = append(conv, llm.UserMessage(truncationNotice))

		default:
			slog.Warn("unrecognized stop reason", "project_id", task.ProjectID, "iteration", iter, "stop_reason", stop)
			conv = append(conv, msg)
			rt.complete(emit, iter, msg.Content, string(stop))
			return report(iter, msg.Content, nil)
		}
	}

	emit(events.New(events.Complete{
		Success:    false,
		Reason:     events.ReasonMaxIterations,
		Iterations: rt.maxIterations,
	}, "stopped after %d iterations", rt.maxIterations))
	return report(rt.maxIterations, "", types.ErrMaxIterations.Withf("stopped after %d iterations", rt.maxIterations))
}

func (rt *Runtime) complete(emit Emitter, iter int, text, reason string) {
	emit(events.New(events.Complete{Success: true, Reason: reason, Text: text, Iterations: iter}, "generation complete"))
}

// turn streams one model response. Text and thinking are emitted as they
// arrive; tool arguments are only accumulated.
func (rt *Runtime) turn(ctx context.Context, projectID types.ProjectID, iter int, req *llm.Request, emit Emitter) (llm.Message, llm.StopReason, map[string]string, error) {
	ctx, span := rt.tracer.Start(ctx, "runtime.turn", trace.WithAttributes(
		attribute.String("project_id", string(projectID)),
		attribute.Int("iteration", iter),
	))
	defer span.End()

	fail := func(err error) (llm.Message, llm.StopReason, map[string]string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Message{}, "", nil, err
	}

	stream, err := rt.provider.Stream(ctx, req)
	if err != nil {
		return fail(err)
	}

	acc := newAccumulator()
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case d, ok := <-stream:
			if !ok {
				return fail(errors.New("model stream closed before the turn finished"))
			}
			switch d.Type {
			case llm.DeltaBlockStart:
				acc.start(d)
			case llm.DeltaText:
				acc.add(d)
				emit(events.New(events.TextDelta{Index: d.Index, Text: d.Text}, ""))
			case llm.DeltaThinking:
				acc.add(d)
				emit(events.New(events.ThinkingDelta{Index: d.Index, Text: d.Text}, ""))
			case llm.DeltaSignature, llm.DeltaToolInput:
				acc.add(d)
			case llm.DeltaBlockStop:
				acc.stop(d.Index)
			case llm.DeltaStop:
				msg, bad := acc.message()
				span.SetAttributes(attribute.String("stop_reason", string(d.StopReason)))
				return msg, d.StopReason, bad, nil
			case llm.DeltaError:
				if d.Err == nil {
					d.Err = errors.New("model stream failed")
				}
				return fail(d.Err)
			}
		}
	}
}

// runTools executes the message's tool calls one at a time, in the order
// the model issued them, recording each outcome on the call.
func (rt *Runtime) runTools(ctx context.Context, scope *Scope, msg *llm.Message, badArgs map[string]string, emit Emitter) {
	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		args := call.Arguments
		raw, malformed := badArgs[call.ID]
		if malformed {
			// Carried as a JSON string so the event stays encodable.
			args, _ = json.Marshal(raw)
		}
		emit(events.New(events.ToolCall{ID: call.ID, Name: call.Name, Args: args}, "calling %s", call.Name))

		var out Outcome
		if malformed {
			out = Outcome{Error: fmt.Sprintf("error: arguments for %s were not valid JSON", call.Name)}
		} else {
			out = rt.execute(ctx, scope, call)
		}

		call.Result = out.Text()
		if out.Success {
			call.Status = llm.ToolCallSuccess
		} else {
			call.Status = llm.ToolCallFailed
		}

		result := events.ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Success: out.Success,
			Output:  out.Output,
			Error:   out.Error,
			Forced:  out.Forced,
		}
		if out.SideEffect != nil {
			result.SideEffect = encodeSideEffect(out.SideEffect)
		}
		message := fmt.Sprintf("%s succeeded", call.Name)
		if !out.Success {
			message = fmt.Sprintf("%s failed", call.Name)
		}
		emit(events.New(result, "%s", message))
	}
}

func (rt *Runtime) execute(ctx context.Context, scope *Scope, call *llm.ToolCall) Outcome {
	ctx, span := rt.tracer.Start(ctx, "runtime.tool", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	))
	defer span.End()

	out := rt.registry.Execute(ctx, scope, call.Name, call.Arguments)
	if !out.Success {
		span.SetStatus(codes.Error, out.Error)
	}
	span.SetAttributes(attribute.Bool("forced", out.Forced))
	return out
}

func encodeSideEffect(se SideEffect) *events.SideEffect {
	raw, err := json.Marshal(se)
	if err != nil {
		slog.Error("encoding side effect", "kind", se.Kind(), "error", err)
		return &events.SideEffect{Kind: se.Kind()}
	}
	return &events.SideEffect{Kind: se.Kind(), Payload: raw}
}
