package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"ondevice-gateway/internal/engine"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/model"
	"ondevice-gateway/internal/normalize"
	openaiproto "ondevice-gateway/internal/proto/openai"
	"ondevice-gateway/internal/schema"
)

type stubGen struct {
	available bool
	text      string
	snapshots []string
}

func (s *stubGen) IsAvailable() bool { return s.available }

func (s *stubGen) Generate(context.Context, string, model.Options) (string, error) {
	return s.text, nil
}

func (s *stubGen) GenerateStructured(context.Context, string, *schema.Node, model.Options) (string, error) {
	return s.text, nil
}

func (s *stubGen) StreamGenerate(context.Context, string, model.Options) (<-chan string, <-chan error) {
	snaps := make(chan string, len(s.snapshots))
	errc := make(chan error, 1)
	for _, snap := range s.snapshots {
		snaps <- snap
	}
	close(snaps)
	errc <- nil
	return snaps, errc
}

func newTestHandler(t *testing.T, gen *stubGen) *Handler {
	t.Helper()
	exec := executor.New(4, zerolog.Nop())
	t.Cleanup(exec.Close)
	eng := engine.New(gen, exec, "ondevice", zerolog.Nop())
	return NewHandler(eng, nil, nil, normalize.Options{DefaultModel: "ondevice"}, zerolog.Nop())
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: true, text: "Hello!"})
	rec := postJSON(t, h.Routes(), "/chat/completions",
		`{"messages":[{"role":"user","content":"Say hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp openaiproto.ChatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "chat.completion" || len(resp.Choices) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "stop" || choice.Message.Content == nil || *choice.Message.Content != "Hello!" {
		t.Fatalf("choice = %+v", choice)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.Model != "ondevice" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: true})
	rec := postJSON(t, h.Routes(), "/chat/completions", `{"messages":[]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "invalid_request_error" || body.Error.Code != "empty_messages" {
		t.Fatalf("error = %+v", body.Error)
	}
}

func TestChatCompletionsInvalidJSON(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: true})
	rec := postJSON(t, h.Routes(), "/chat/completions", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatCompletionsUnavailable(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: false})
	rec := postJSON(t, h.Routes(), "/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model_unavailable") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestChatCompletionsStream(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: true, snapshots: []string{"Hel", "Hello"}})
	rec := postJSON(t, h.Routes(), "/chat/completions",
		`{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	var chunks []openaiproto.ChatCompletionChunk
	sawDone := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var c openaiproto.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		chunks = append(chunks, c)
	}
	if !sawDone {
		t.Fatalf("missing [DONE] terminator")
	}
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Fatalf("first chunk = %+v", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("last chunk = %+v", last)
	}
	if last.Usage == nil {
		t.Fatalf("final chunk missing usage")
	}

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Choices[0].Delta.Content)
	}
	if text.String() != "Hello" {
		t.Fatalf("reassembled = %q", text.String())
	}

	// IDs must be stable across every chunk of one completion.
	for _, c := range chunks[1:] {
		if c.ID != chunks[0].ID {
			t.Fatalf("chunk id changed: %q vs %q", c.ID, chunks[0].ID)
		}
	}
}

func TestListModels(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: true})
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var list openaiproto.ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "ondevice" {
		t.Fatalf("list = %+v", list)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &stubGen{available: true})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health openaiproto.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || !health.Availability || health.Model != "ondevice" {
		t.Fatalf("health = %+v", health)
	}

	down := newTestHandler(t, &stubGen{available: false})
	rec = httptest.NewRecorder()
	down.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
