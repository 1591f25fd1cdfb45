package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ondevice-gateway/internal/canonical"
	"ondevice-gateway/internal/engine"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/logbus"
	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/internal/normalize"
	openaiproto "ondevice-gateway/internal/proto/openai"
)

const maxBodyBytes = 20 << 20

// WarningHeader carries non-fatal degradation notices alongside a
// still-successful response.
const WarningHeader = "X-Ondevice-Warning"

type Handler struct {
	eng  *engine.Engine
	m    *metrics.Metrics
	bus  *logbus.Bus
	norm normalize.Options
	log  zerolog.Logger
}

func NewHandler(eng *engine.Engine, m *metrics.Metrics, bus *logbus.Bus, norm normalize.Options, log zerolog.Logger) *Handler {
	return &Handler{eng: eng, m: m, bus: bus, norm: norm, log: log}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/chat/completions", h.chatCompletions)
	r.Get("/models", h.listModels)
	return r
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "", "failed to read request body")
		return
	}

	var wire openaiproto.ChatCompletionsRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "", "invalid json")
		return
	}

	req, warnings, err := normalize.Normalize(wire, h.norm)
	if err != nil {
		status := h.writeRequestError(w, err)
		h.observe(r, requestID, req, status, start, 0, err.Error())
		return
	}
	if len(warnings) > 0 {
		w.Header().Set(WarningHeader, strings.Join(warnings, "; "))
	}

	if req.Stream {
		h.streamCompletion(w, r, requestID, req, start)
		return
	}

	res, err := h.eng.Complete(r.Context(), req)
	if err != nil {
		status := h.writeRequestError(w, err)
		h.observe(r, requestID, req, status, start, 0, err.Error())
		return
	}
	if len(res.Warnings) > 0 {
		w.Header().Set(WarningHeader, strings.Join(append(warnings, res.Warnings...), "; "))
	}

	resp := completionResponse(res)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
	h.observe(r, requestID, req, http.StatusOK, start, res.Usage.CompletionTokens, "")
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, requestID string, req canonical.Request, start time.Time) {
	sr, err := h.eng.Stream(r.Context(), req)
	if err != nil {
		status := h.writeRequestError(w, err)
		h.observe(r, requestID, req, status, start, 0, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "stream_unsupported", "", "response writer does not support streaming")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	completionTokens := 0
	status := http.StatusOK
	errMsg := ""
	for ev := range sr.Events {
		switch ev.Type {
		case engine.EventRole:
			writeChunk(w, chunk(sr, openaiproto.ChunkChoice{
				Delta: openaiproto.Delta{Role: canonical.RoleAssistant},
			}, nil))
		case engine.EventContent:
			writeChunk(w, chunk(sr, openaiproto.ChunkChoice{
				Delta: openaiproto.Delta{Content: ev.Content},
			}, nil))
		case engine.EventToolCall:
			idx := ev.ToolIndex
			writeChunk(w, chunk(sr, openaiproto.ChunkChoice{
				Delta: openaiproto.Delta{ToolCalls: []openaiproto.ToolCall{{
					Index: &idx,
					ID:    ev.ToolCall.ID,
					Type:  "function",
					Function: openaiproto.ToolCallFunction{
						Name:      ev.ToolCall.Name,
						Arguments: ev.ToolCall.Arguments,
					},
				}}},
			}, nil))
		case engine.EventFinish:
			fr := ev.FinishReason
			var usage *openaiproto.Usage
			if ev.Usage != nil {
				completionTokens = ev.Usage.CompletionTokens
				usage = &openaiproto.Usage{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens:      ev.Usage.TotalTokens,
				}
			}
			writeChunk(w, chunk(sr, openaiproto.ChunkChoice{
				Delta:        openaiproto.Delta{},
				FinishReason: &fr,
			}, usage))
		case engine.EventError:
			errMsg = ev.Err.Error()
			status = errStatus(ev.Err)
			writeStreamError(w, ev.Err)
		}
		flusher.Flush()
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
	h.observe(r, requestID, req, status, start, completionTokens, errMsg)
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(openaiproto.ModelList{
		Object: "list",
		Data: []openaiproto.Model{{
			ID:      h.eng.ModelID(),
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "ondevice",
		}},
	})
}

// Health serves GET /health at the server root.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	avail := h.eng.Available()
	status := "ok"
	code := http.StatusOK
	if !avail {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(openaiproto.Health{
		Status:       status,
		Model:        h.eng.ModelID(),
		Availability: avail,
	})
}

// writeRequestError maps engine and validation errors onto the stable
// OpenAI error body and returns the status used.
func (h *Handler) writeRequestError(w http.ResponseWriter, err error) int {
	var ve *normalize.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid_request_error", ve.Code, ve.Param, ve.Message)
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "queue_full", "", "generation queue is full, retry later")
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "server_error", "model_unavailable", "", "generation capability is unavailable")
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return 499
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "", "internal error")
		return http.StatusInternalServerError
	}
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, executor.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) observe(r *http.Request, requestID string, req canonical.Request, status int, start time.Time, completionTokens int, errMsg string) {
	dur := time.Since(start)
	if h.m != nil {
		h.m.ObserveRequest("chat_completions", status, dur)
	}
	if h.bus != nil {
		h.bus.Publish(logbus.Event{
			TS:               time.Now(),
			RequestID:        requestID,
			Endpoint:         "chat_completions",
			Model:            req.Model,
			Stream:           req.Stream,
			Status:           status,
			LatencyMs:        dur.Milliseconds(),
			CompletionTokens: completionTokens,
			SrcIP:            clientIP(r),
			UserAgent:        strings.TrimSpace(r.UserAgent()),
			Error:            errMsg,
		})
	}
}

func completionResponse(res *engine.Result) openaiproto.ChatCompletion {
	msg := openaiproto.ResponseMessage{Role: canonical.RoleAssistant}
	if res.FinishReason == canonical.FinishToolCalls {
		for i, tc := range res.ToolCalls {
			idx := i
			msg.ToolCalls = append(msg.ToolCalls, openaiproto.ToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  "function",
				Function: openaiproto.ToolCallFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
	} else {
		content := res.Content
		msg.Content = &content
	}
	return openaiproto.ChatCompletion{
		ID:      res.ID,
		Object:  "chat.completion",
		Created: res.Created,
		Model:   res.Model,
		Choices: []openaiproto.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: res.FinishReason,
		}},
		Usage: &openaiproto.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}
}

func chunk(sr *engine.StreamResult, choice openaiproto.ChunkChoice, usage *openaiproto.Usage) openaiproto.ChatCompletionChunk {
	choice.Index = 0
	return openaiproto.ChatCompletionChunk{
		ID:      sr.ID,
		Object:  "chat.completion.chunk",
		Created: sr.Created,
		Model:   sr.Model,
		Choices: []openaiproto.ChunkChoice{choice},
		Usage:   usage,
	}
}

func writeChunk(w http.ResponseWriter, c openaiproto.ChatCompletionChunk) {
	b, _ := json.Marshal(c)
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

func writeStreamError(w http.ResponseWriter, err error) {
	b, _ := json.Marshal(errorResponse{Error: errorObject{
		Message: err.Error(),
		Type:    "server_error",
		Code:    "stream_failed",
	}})
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
