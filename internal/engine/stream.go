package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"ondevice-gateway/internal/canonical"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/model"
	"ondevice-gateway/internal/schema"
	"ondevice-gateway/internal/toolcall"
)

const (
	EventRole     = "role"
	EventContent  = "content"
	EventToolCall = "tool_call"
	EventFinish   = "finish"
	EventError    = "error"
)

// Event is one element of a streaming completion. Exactly one EventFinish
// (or EventError) terminates the sequence; nothing follows it.
type Event struct {
	Type         string
	Content      string
	ToolCall     *canonical.ToolCall
	ToolIndex    int
	FinishReason string
	Usage        *canonical.Usage
	Err          error
}

// StreamResult carries the completion-scoped identity, stable across every
// chunk of the request, plus the event sequence.
type StreamResult struct {
	ID      string
	Created int64
	Model   string
	Events  <-chan Event
}

// eventSink serializes event delivery against channel close. A cancelled
// generation can outlive the request: the executor advances without waiting
// for the body to unwind, so the abandoned forwarder may still be draining
// buffered snapshots when the waiter terminates the sequence. Sends and
// close share one mutex; a send after close is a silent no-op, never a
// panic.
type eventSink struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

func newEventSink(buf int) *eventSink {
	return &eventSink{ch: make(chan Event, buf)}
}

// send delivers ev unless the sink is closed. ctx bounds the wait when the
// channel is full; a send abandoned via ctx reports false like a closed
// sink does.
func (s *eventSink) send(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Stream starts a streaming completion. It never blocks to start: admission
// control fails fast, so queue-full and unavailability surface here as
// errors before any event is produced. Events are yielded as generated.
func (e *Engine) Stream(ctx context.Context, req canonical.Request) (*StreamResult, error) {
	if !e.gen.IsAvailable() {
		return nil, ErrUnavailable
	}

	prompt := BuildPrompt(req)
	events := newEventSink(16)
	sr := &StreamResult{
		ID:      newCompletionID(),
		Created: time.Now().Unix(),
		Model:   e.modelID,
		Events:  events.ch,
	}

	// The role announcement goes into the buffer before any task can run,
	// which pins it as the first event.
	events.send(ctx, Event{Type: EventRole})

	if len(req.Tools) > 0 && req.ToolChoice.Mode != canonical.ToolChoiceNone && req.ResponseFormat.Type == canonical.FormatNone {
		planned := new(string)
		task, err := e.exec.Submit(ctx, func(tctx context.Context) error {
			s, err := e.gen.GenerateStructured(tctx, prompt, toolEnvelopeSchema(), model.Options{
				Greedy:          true,
				MaxOutputTokens: req.MaxOutputTokens,
			})
			if err != nil {
				return err
			}
			*planned = s
			return nil
		})
		if err != nil {
			return nil, err
		}
		go e.streamToolPath(ctx, req, prompt, task, planned, events)
		return sr, nil
	}

	streamPrompt := prompt
	if req.ResponseFormat.Type != canonical.FormatNone {
		var node *schema.Node
		if req.ResponseFormat.Type == canonical.FormatJSONSchema {
			// Guided decoding does not stream; schema-constrained streams
			// always use the prompt-injection fallback.
			node, _ = schema.Normalize(req.ResponseFormat.Schema)
		}
		streamPrompt = prompt + "\n\n" + schemaInstruction(req, node)
	}

	task, full, err := e.submitStream(ctx, streamPrompt, optionsFor(req), events)
	if err != nil {
		return nil, err
	}

	go func() {
		defer events.close()
		if err := task.Wait(ctx); err != nil {
			events.send(ctx, Event{Type: EventError, Err: err})
			return
		}
		usage := usageFor(streamPrompt, len(*full))
		events.send(ctx, Event{Type: EventFinish, FinishReason: canonical.FinishStop, Usage: &usage})
	}()
	return sr, nil
}

// streamToolPath implements the streaming variant of the two-phase tool
// strategy: the planning call has already been admitted; if it yields calls
// they are emitted as tool-call deltas, otherwise the engine falls through
// to a free-text stream whose complete output is scanned as a safety net.
func (e *Engine) streamToolPath(ctx context.Context, req canonical.Request, prompt string, planning *executor.Task, planned *string, events *eventSink) {
	defer events.close()

	perr := planning.Wait(ctx)
	if perr == nil {
		if calls, _ := toolcall.Parse(*planned, req.Tools); len(calls) > 0 {
			e.emitToolCalls(ctx, calls, events)
			usage := usageFor(prompt, len(*planned))
			events.send(ctx, Event{Type: EventFinish, FinishReason: canonical.FinishToolCalls, Usage: &usage})
			return
		}
	} else if isFatal(perr) {
		events.send(ctx, Event{Type: EventError, Err: perr})
		return
	}

	full := new(string)
	task, err := e.exec.Submit(ctx, func(tctx context.Context) error {
		return e.forwardStream(tctx, prompt, optionsFor(req), events, full)
	})
	if err != nil {
		events.send(ctx, Event{Type: EventError, Err: err})
		return
	}
	if err := task.Wait(ctx); err != nil {
		events.send(ctx, Event{Type: EventError, Err: err})
		return
	}

	usage := usageFor(prompt, len(*full))
	// Tool-call detection needs the complete text; it cannot happen
	// incrementally.
	if calls, _ := toolcall.Parse(*full, req.Tools); len(calls) > 0 {
		e.emitToolCalls(ctx, calls, events)
		events.send(ctx, Event{Type: EventFinish, FinishReason: canonical.FinishToolCalls, Usage: &usage})
		return
	}
	events.send(ctx, Event{Type: EventFinish, FinishReason: canonical.FinishStop, Usage: &usage})
}

func (e *Engine) emitToolCalls(ctx context.Context, calls []canonical.ToolCall, events *eventSink) {
	for i := range calls {
		if !events.send(ctx, Event{Type: EventToolCall, ToolCall: &calls[i], ToolIndex: i}) {
			return
		}
	}
}

// submitStream admits the streaming generation and spawns the waiter that
// terminates the event sequence.
func (e *Engine) submitStream(ctx context.Context, prompt string, opts model.Options, events *eventSink) (*executor.Task, *string, error) {
	full := new(string)
	task, err := e.exec.Submit(ctx, func(tctx context.Context) error {
		return e.forwardStream(tctx, prompt, opts, events, full)
	})
	if err != nil {
		return nil, nil, err
	}
	return task, full, nil
}

// forwardStream diffs the runtime's cumulative snapshots into deltas. A
// snapshot that is not an extension of its predecessor is emitted whole;
// there is nothing sensible to diff against.
func (e *Engine) forwardStream(ctx context.Context, prompt string, opts model.Options, events *eventSink, full *string) error {
	snapshots, errc := e.gen.StreamGenerate(ctx, prompt, opts)
	prev := ""
	for snap := range snapshots {
		delta := snap
		if strings.HasPrefix(snap, prev) {
			delta = snap[len(prev):]
		}
		prev = snap
		*full = snap
		if delta == "" {
			continue
		}
		if !events.send(ctx, Event{Type: EventContent, Content: delta}) {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return <-errc
}
