// Package engine orchestrates one chat completion: it builds the
// model-facing prompt, funnels the generation call through the executor,
// and reconstructs an OpenAI-shaped result from the raw model text.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ondevice-gateway/internal/canonical"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/model"
	"ondevice-gateway/internal/schema"
	"ondevice-gateway/internal/tokenizer"
	"ondevice-gateway/internal/toolcall"
)

// ErrUnavailable is returned when the generation capability reports itself
// down. Fatal for the request; mapped to 503 by the transports.
var ErrUnavailable = errors.New("generation capability unavailable")

type Engine struct {
	gen     model.Generator
	exec    *executor.Executor
	modelID string
	log     zerolog.Logger
}

func New(gen model.Generator, exec *executor.Executor, modelID string, log zerolog.Logger) *Engine {
	return &Engine{gen: gen, exec: exec, modelID: modelID, log: log}
}

// Available reports whether the underlying capability can serve requests.
func (e *Engine) Available() bool { return e.gen.IsAvailable() }

// ModelID is the single model this gateway exposes.
func (e *Engine) ModelID() string { return e.modelID }

// Result is one finished, non-streaming completion.
type Result struct {
	ID           string
	Created      int64
	Model        string
	Content      string
	ToolCalls    []canonical.ToolCall
	FinishReason string
	Usage        canonical.Usage
	Warnings     []string

	// rawText is the undiscarded model output backing ToolCalls; usage
	// accounting charges what the model actually produced.
	rawText string
}

func (r *Result) rawLen() int {
	if r.rawText != "" {
		return len(r.rawText)
	}
	return len(r.Content)
}

// Complete runs the request to completion. Validation is the normalizer's
// job; by the time a request reaches here it is canonical.
func (e *Engine) Complete(ctx context.Context, req canonical.Request) (*Result, error) {
	if !e.gen.IsAvailable() {
		return nil, ErrUnavailable
	}

	res := &Result{
		ID:      newCompletionID(),
		Created: time.Now().Unix(),
		Model:   e.modelID,
	}
	prompt := BuildPrompt(req)

	switch {
	case req.ResponseFormat.Type != canonical.FormatNone:
		if err := e.completeWithFormat(ctx, req, prompt, res); err != nil {
			return nil, err
		}
	case len(req.Tools) > 0 && req.ToolChoice.Mode != canonical.ToolChoiceNone:
		if err := e.completeWithTools(ctx, req, prompt, res); err != nil {
			return nil, err
		}
	default:
		text, err := e.generate(ctx, func(tctx context.Context) (string, error) {
			return e.gen.Generate(tctx, prompt, optionsFor(req))
		})
		if err != nil {
			return nil, err
		}
		res.Content = text
		res.FinishReason = canonical.FinishStop
	}

	res.Usage = usageFor(prompt, res.rawLen())
	return res, nil
}

// completeWithFormat handles json_object and json_schema output. Guided
// decoding is preferred; any conversion or decode failure degrades to plain
// generation with the schema injected into the prompt, followed by
// best-effort JSON extraction.
func (e *Engine) completeWithFormat(ctx context.Context, req canonical.Request, prompt string, res *Result) error {
	var node *schema.Node
	if req.ResponseFormat.Type == canonical.FormatJSONSchema {
		n, err := schema.Normalize(req.ResponseFormat.Schema)
		if err != nil {
			res.Warnings = append(res.Warnings, "schema conversion failed, using prompt-injected schema: "+err.Error())
		} else {
			node = n
		}
	}

	if node != nil {
		text, err := e.generate(ctx, func(tctx context.Context) (string, error) {
			return e.gen.GenerateStructured(tctx, prompt, node, optionsFor(req))
		})
		if err == nil {
			res.Content = text
			res.FinishReason = canonical.FinishStop
			return nil
		}
		if isFatal(err) {
			return err
		}
		res.Warnings = append(res.Warnings, "guided generation failed, falling back to plain generation: "+err.Error())
		e.log.Warn().Err(err).Str("completion", res.ID).Msg("guided generation failed, falling back")
	}

	injected := prompt + "\n\n" + schemaInstruction(req, node)
	text, err := e.generate(ctx, func(tctx context.Context) (string, error) {
		return e.gen.Generate(tctx, injected, optionsFor(req))
	})
	if err != nil {
		return err
	}
	res.Content = extractJSON(text)
	res.FinishReason = canonical.FinishStop
	if node != nil {
		if verr := validateAgainst(node, res.Content); verr != nil {
			res.Warnings = append(res.Warnings, "output does not conform to schema: "+verr.Error())
		}
	}
	return nil
}

// completeWithTools runs the two-phase strategy: a constrained planning call
// decides whether a tool is wanted; when it yields nothing the engine falls
// through to normal free-text generation and scans that output loosely as a
// safety net.
func (e *Engine) completeWithTools(ctx context.Context, req canonical.Request, prompt string, res *Result) error {
	envelope := toolEnvelopeSchema()
	planned, err := e.generate(ctx, func(tctx context.Context) (string, error) {
		return e.gen.GenerateStructured(tctx, prompt, envelope, model.Options{
			Greedy:          true,
			MaxOutputTokens: req.MaxOutputTokens,
		})
	})
	if err == nil {
		if calls, _ := toolcall.Parse(planned, req.Tools); len(calls) > 0 {
			// Accompanying free text is discarded once a call is recovered.
			res.ToolCalls = calls
			res.FinishReason = canonical.FinishToolCalls
			res.rawText = planned
			return nil
		}
	} else if isFatal(err) {
		return err
	} else {
		res.Warnings = append(res.Warnings, "tool planning call failed: "+err.Error())
		e.log.Warn().Err(err).Str("completion", res.ID).Msg("tool planning failed, falling through")
	}

	text, err := e.generate(ctx, func(tctx context.Context) (string, error) {
		return e.gen.Generate(tctx, prompt, optionsFor(req))
	})
	if err != nil {
		return err
	}
	if calls, _ := toolcall.Parse(text, req.Tools); len(calls) > 0 {
		res.ToolCalls = calls
		res.FinishReason = canonical.FinishToolCalls
		res.rawText = text
		return nil
	}
	res.Content = text
	res.FinishReason = canonical.FinishStop
	return nil
}

// generate funnels one generation call through the executor's FIFO queue.
// executor.ErrQueueFull passes through untouched so transports can map it
// to a rate-limit response.
func (e *Engine) generate(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	var out string
	task, err := e.exec.Submit(ctx, func(tctx context.Context) error {
		s, err := fn(tctx)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := task.Wait(ctx); err != nil {
		return "", err
	}
	return out, nil
}

// isFatal separates errors that must abort the request from degraded-mode
// errors that the fallback ladders absorb.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, executor.ErrQueueFull) ||
		errors.Is(err, executor.ErrClosed)
}

func optionsFor(req canonical.Request) model.Options {
	return model.Options{
		Temperature:     req.Temperature,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxOutputTokens,
	}
}

// toolEnvelopeSchema constrains the planning call to the tool-call envelope
// shape. Arguments stay an open object; per-tool schemas are conveyed in
// the prompt instead, since the runtime constrains one schema at a time.
func toolEnvelopeSchema() *schema.Node {
	open := true
	closed := false
	return &schema.Node{
		Type: "object",
		Properties: map[string]*schema.Node{
			"tool_calls": {
				Type: "array",
				Items: &schema.Node{
					Type: "object",
					Properties: map[string]*schema.Node{
						"name":      {Type: "string"},
						"arguments": {Type: "object", AdditionalProperties: &open},
					},
					Required:             []string{"arguments", "name"},
					AdditionalProperties: &closed,
				},
			},
		},
		Required:             []string{"tool_calls"},
		AdditionalProperties: &closed,
	}
}

func schemaInstruction(req canonical.Request, node *schema.Node) string {
	if req.ResponseFormat.Type == canonical.FormatJSONObject {
		return "Respond with ONLY a valid JSON object. No markdown fences, no commentary."
	}
	desc := ""
	if node != nil {
		desc = schema.Describe(node)
	} else {
		desc = string(req.ResponseFormat.Schema)
	}
	return "Respond with ONLY a JSON value conforming to this JSON schema. No markdown fences, no commentary.\nSchema: " + desc
}

func validateAgainst(node *schema.Node, content string) error {
	var v any
	if err := jsonUnmarshal([]byte(content), &v); err != nil {
		return err
	}
	return schema.Validate(node, v)
}

func usageFor(prompt string, completionLen int) canonical.Usage {
	pt := tokenizer.Estimate(prompt)
	if pt < 1 {
		pt = 1
	}
	ct := (completionLen + 3) / 4
	if ct < 1 {
		ct = 1
	}
	return canonical.Usage{
		PromptTokens:     pt,
		CompletionTokens: ct,
		TotalTokens:      pt + ct,
	}
}

func newCompletionID() string {
	return "chatcmpl_" + uuid.NewString()
}
