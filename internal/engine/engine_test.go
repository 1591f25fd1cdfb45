package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ondevice-gateway/internal/canonical"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/model"
	"ondevice-gateway/internal/schema"
)

// fakeGen scripts the generation capability. Each field covers one of the
// Generator entry points; unset fields fail the test if reached.
type fakeGen struct {
	available  bool
	generate   func(prompt string, opts model.Options) (string, error)
	structured func(prompt string, node *schema.Node, opts model.Options) (string, error)
	snapshots  []string
	stream     func(ctx context.Context) (<-chan string, <-chan error)

	generateCalls   int
	structuredCalls int
}

func (f *fakeGen) IsAvailable() bool { return f.available }

func (f *fakeGen) Generate(_ context.Context, prompt string, opts model.Options) (string, error) {
	f.generateCalls++
	if f.generate == nil {
		return "", errors.New("unexpected Generate call")
	}
	return f.generate(prompt, opts)
}

func (f *fakeGen) GenerateStructured(_ context.Context, prompt string, node *schema.Node, opts model.Options) (string, error) {
	f.structuredCalls++
	if f.structured == nil {
		return "", errors.New("unexpected GenerateStructured call")
	}
	return f.structured(prompt, node, opts)
}

func (f *fakeGen) StreamGenerate(ctx context.Context, _ string, _ model.Options) (<-chan string, <-chan error) {
	if f.stream != nil {
		return f.stream(ctx)
	}
	snaps := make(chan string, len(f.snapshots))
	errc := make(chan error, 1)
	for _, s := range f.snapshots {
		snaps <- s
	}
	close(snaps)
	errc <- nil
	return snaps, errc
}

func newTestEngine(t *testing.T, gen *fakeGen) *Engine {
	t.Helper()
	exec := executor.New(4, zerolog.Nop())
	t.Cleanup(exec.Close)
	return New(gen, exec, "ondevice", zerolog.Nop())
}

func userReq(content string) canonical.Request {
	return canonical.Request{
		Model:      "ondevice",
		Messages:   []canonical.Message{{Role: canonical.RoleUser, Content: content}},
		ToolChoice: canonical.ToolChoice{Mode: canonical.ToolChoiceAuto},
	}
}

func TestCompletePlainText(t *testing.T) {
	gen := &fakeGen{
		available: true,
		generate:  func(string, model.Options) (string, error) { return "Hello there!", nil },
	}
	res, err := newTestEngine(t, gen).Complete(context.Background(), userReq("Say hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != "Hello there!" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.FinishReason != canonical.FinishStop {
		t.Fatalf("finish = %q", res.FinishReason)
	}
	if !strings.HasPrefix(res.ID, "chatcmpl_") {
		t.Fatalf("id = %q", res.ID)
	}
	if res.Usage.PromptTokens < 1 || res.Usage.CompletionTokens < 1 {
		t.Fatalf("usage = %+v, want both counts >= 1", res.Usage)
	}
	if res.Usage.TotalTokens != res.Usage.PromptTokens+res.Usage.CompletionTokens {
		t.Fatalf("usage total mismatch: %+v", res.Usage)
	}
}

func TestCompleteUnavailable(t *testing.T) {
	gen := &fakeGen{available: false}
	if _, err := newTestEngine(t, gen).Complete(context.Background(), userReq("hi")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if gen.generateCalls != 0 || gen.structuredCalls != 0 {
		t.Fatalf("generator reached while unavailable")
	}
}

func TestCompleteToolCall(t *testing.T) {
	gen := &fakeGen{
		available: true,
		structured: func(_ string, node *schema.Node, opts model.Options) (string, error) {
			if !opts.Greedy {
				t.Errorf("planning call not greedy")
			}
			if node == nil || node.Properties["tool_calls"] == nil {
				t.Errorf("planning call missing envelope schema")
			}
			return `{"tool_calls":[{"name":"get_weather","arguments":{"city":"Tokyo"}}]}`, nil
		},
	}
	req := userReq("What's the weather in Tokyo? Use the tool.")
	req.Tools = []canonical.Tool{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)}}

	res, err := newTestEngine(t, gen).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.FinishReason != canonical.FinishToolCalls {
		t.Fatalf("finish = %q", res.FinishReason)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("calls = %+v", res.ToolCalls)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(res.ToolCalls[0].Arguments), &args); err != nil || args["city"] != "Tokyo" {
		t.Fatalf("arguments = %q (%v)", res.ToolCalls[0].Arguments, err)
	}
	if res.Content != "" {
		t.Fatalf("content should be discarded on tool calls, got %q", res.Content)
	}
	if gen.generateCalls != 0 {
		t.Fatalf("fallback generation ran despite planned calls")
	}
}

func TestCompleteToolPlanningFallsThrough(t *testing.T) {
	gen := &fakeGen{
		available: true,
		structured: func(string, *schema.Node, model.Options) (string, error) {
			return "", errors.New("runtime lacks guided decoding")
		},
		generate: func(string, model.Options) (string, error) { return "Just an answer.", nil },
	}
	req := userReq("hi")
	req.Tools = []canonical.Tool{{Name: "get_weather"}}

	res, err := newTestEngine(t, gen).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.FinishReason != canonical.FinishStop || res.Content != "Just an answer." {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("planning failure should surface as a warning")
	}
}

func TestCompleteToolChoiceNoneSkipsPlanning(t *testing.T) {
	gen := &fakeGen{
		available: true,
		generate:  func(string, model.Options) (string, error) { return "plain", nil },
	}
	req := userReq("hi")
	req.Tools = []canonical.Tool{{Name: "get_weather"}}
	req.ToolChoice = canonical.ToolChoice{Mode: canonical.ToolChoiceNone}

	res, err := newTestEngine(t, gen).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gen.structuredCalls != 0 {
		t.Fatalf("planning ran despite tool_choice none")
	}
	if res.FinishReason != canonical.FinishStop {
		t.Fatalf("finish = %q", res.FinishReason)
	}
}

func TestCompleteJSONSchemaGuided(t *testing.T) {
	gen := &fakeGen{
		available: true,
		structured: func(_ string, node *schema.Node, _ model.Options) (string, error) {
			if node == nil || node.Type != "object" {
				t.Errorf("schema not forwarded: %+v", node)
			}
			return `{"city":"Tokyo"}`, nil
		},
	}
	req := userReq("give me json")
	req.ResponseFormat = canonical.ResponseFormat{
		Type:   canonical.FormatJSONSchema,
		Schema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}

	res, err := newTestEngine(t, gen).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != `{"city":"Tokyo"}` {
		t.Fatalf("content = %q", res.Content)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestCompleteJSONSchemaFallsBackToPromptInjection(t *testing.T) {
	gen := &fakeGen{
		available: true,
		structured: func(string, *schema.Node, model.Options) (string, error) {
			return "", errors.New("guided decoding unsupported")
		},
		generate: func(prompt string, _ model.Options) (string, error) {
			if !strings.Contains(prompt, "JSON schema") {
				t.Errorf("fallback prompt missing schema instruction")
			}
			return "Here you go: ```json\n{\"city\":\"Tokyo\"}\n```", nil
		},
	}
	req := userReq("give me json")
	req.ResponseFormat = canonical.ResponseFormat{
		Type:   canonical.FormatJSONSchema,
		Schema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}

	res, err := newTestEngine(t, gen).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != `{"city":"Tokyo"}` {
		t.Fatalf("content = %q", res.Content)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("fallback should surface a warning")
	}
}

func TestCompleteJSONSchemaValidationWarning(t *testing.T) {
	gen := &fakeGen{
		available: true,
		structured: func(string, *schema.Node, model.Options) (string, error) {
			return "", errors.New("guided decoding unsupported")
		},
		generate: func(string, model.Options) (string, error) {
			return `{"country":"Japan"}`, nil
		},
	}
	req := userReq("give me json")
	req.ResponseFormat = canonical.ResponseFormat{
		Type:   canonical.FormatJSONSchema,
		Schema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}

	res, err := newTestEngine(t, gen).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "conform") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing conformance warning, got %v", res.Warnings)
	}
}

func TestStreamEventOrder(t *testing.T) {
	gen := &fakeGen{
		available: true,
		snapshots: []string{"Hel", "Hello", "Hello world"},
	}
	sr, err := newTestEngine(t, gen).Stream(context.Background(), userReq("hi"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var types []string
	var text strings.Builder
	var finish string
	var usage *canonical.Usage
	for ev := range sr.Events {
		types = append(types, ev.Type)
		switch ev.Type {
		case EventContent:
			text.WriteString(ev.Content)
		case EventFinish:
			finish = ev.FinishReason
			usage = ev.Usage
		case EventError:
			t.Fatalf("stream error: %v", ev.Err)
		}
	}

	if types[0] != EventRole {
		t.Fatalf("first event = %q, want role", types[0])
	}
	if types[len(types)-1] != EventFinish {
		t.Fatalf("last event = %q, want finish", types[len(types)-1])
	}
	if text.String() != "Hello world" {
		t.Fatalf("reassembled text = %q", text.String())
	}
	if finish != canonical.FinishStop {
		t.Fatalf("finish = %q", finish)
	}
	if usage == nil || usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestStreamToolCalls(t *testing.T) {
	gen := &fakeGen{
		available: true,
		structured: func(string, *schema.Node, model.Options) (string, error) {
			return `{"tool_calls":[{"name":"get_weather","arguments":{"city":"Tokyo"}}]}`, nil
		},
	}
	req := userReq("weather in Tokyo, use the tool")
	req.Tools = []canonical.Tool{{Name: "get_weather"}}
	req.Stream = true

	sr, err := newTestEngine(t, gen).Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var toolEvents int
	var finish string
	for ev := range sr.Events {
		switch ev.Type {
		case EventToolCall:
			toolEvents++
			if ev.ToolCall.Name != "get_weather" {
				t.Fatalf("tool call = %+v", ev.ToolCall)
			}
		case EventFinish:
			finish = ev.FinishReason
		case EventError:
			t.Fatalf("stream error: %v", ev.Err)
		}
	}
	if toolEvents != 1 {
		t.Fatalf("tool events = %d, want 1", toolEvents)
	}
	if finish != canonical.FinishToolCalls {
		t.Fatalf("finish = %q", finish)
	}
}

func TestStreamCancelMidGeneration(t *testing.T) {
	// The generator ignores cancellation and keeps delivering snapshots
	// after the stream is torn down; the event sequence must terminate
	// cleanly with no panic from the abandoned forwarder.
	gen := &fakeGen{
		available: true,
		stream: func(context.Context) (<-chan string, <-chan error) {
			// Buffer exceeds the snapshot count so the producer always
			// runs to completion, even with the consumer gone.
			snaps := make(chan string, 64)
			errc := make(chan error, 1)
			go func() {
				defer close(snaps)
				defer close(errc)
				text := ""
				for i := 0; i < 40; i++ {
					text += "word "
					snaps <- text
					time.Sleep(2 * time.Millisecond)
				}
			}()
			return snaps, errc
		},
	}
	eng := newTestEngine(t, gen)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		sr, err := eng.Stream(ctx, userReq("hi"))
		if err != nil {
			cancel()
			t.Fatalf("Stream: %v", err)
		}

		// Read a couple of events, then abandon the request mid-flight.
		n := 0
		for ev := range sr.Events {
			n++
			if n == 2 {
				cancel()
			}
			if ev.Type == EventError && !errors.Is(ev.Err, context.Canceled) {
				t.Fatalf("err = %v, want Canceled", ev.Err)
			}
		}
		cancel()
	}
}

func TestStreamUnavailable(t *testing.T) {
	gen := &fakeGen{available: false}
	if _, err := newTestEngine(t, gen).Stream(context.Background(), userReq("hi")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestQueueFullPassesThrough(t *testing.T) {
	gen := &fakeGen{
		available: true,
		generate:  func(string, model.Options) (string, error) { return "", nil },
	}
	exec := executor.New(1, zerolog.Nop())
	defer exec.Close()
	eng := New(gen, exec, "ondevice", zerolog.Nop())

	// Saturate the single queue slot, then expect fail-fast rejection.
	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := exec.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	if _, err := eng.Complete(context.Background(), userReq("hi")); !errors.Is(err, executor.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(release)
	_ = blocker.Wait(context.Background())
}
