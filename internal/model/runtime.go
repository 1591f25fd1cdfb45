package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ondevice-gateway/internal/schema"
)

// Runtime talks to the local single-session inference server over HTTP
// (llama.cpp-style /completion endpoint with grammar-constrained sampling).
// There is exactly one accelerator behind it; the executor guarantees this
// client is never driven concurrently.
type Runtime struct {
	baseURL string
	client  *http.Client
	probe   *http.Client
}

func NewRuntime(baseURL string) *Runtime {
	return &Runtime{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{},
		probe:   &http.Client{Timeout: 2 * time.Second},
	}
}

func (rt *Runtime) IsAvailable() bool {
	resp, err := rt.probe.Get(rt.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type completionRequest struct {
	Prompt      string       `json:"prompt"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopK        *int         `json:"top_k,omitempty"`
	NPredict    int          `json:"n_predict,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	JSONSchema  *schema.Node `json:"json_schema,omitempty"`
}

type completionResponse struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func (rt *Runtime) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return rt.complete(ctx, prompt, nil, opts)
}

func (rt *Runtime) GenerateStructured(ctx context.Context, prompt string, node *schema.Node, opts Options) (string, error) {
	return rt.complete(ctx, prompt, node, opts)
}

func (rt *Runtime) complete(ctx context.Context, prompt string, node *schema.Node, opts Options) (string, error) {
	body := rt.buildRequest(prompt, node, opts, false)
	resp, err := rt.do(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runtime returned status %d", resp.StatusCode)
	}
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode runtime response: %w", err)
	}
	return out.Content, nil
}

// StreamGenerate reads the runtime's SSE stream and republishes each
// accumulated state as a cumulative snapshot.
func (rt *Runtime) StreamGenerate(ctx context.Context, prompt string, opts Options) (<-chan string, <-chan error) {
	snapshots := make(chan string, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(snapshots)
		defer close(errc)

		body := rt.buildRequest(prompt, nil, opts, true)
		resp, err := rt.do(ctx, body)
		if err != nil {
			errc <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errc <- fmt.Errorf("runtime returned status %d", resp.StatusCode)
			return
		}

		var acc strings.Builder
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk completionResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Content != "" {
				acc.WriteString(chunk.Content)
				select {
				case snapshots <- acc.String():
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if chunk.Stop {
				return
			}
		}
		if err := sc.Err(); err != nil {
			errc <- err
		}
	}()

	return snapshots, errc
}

func (rt *Runtime) buildRequest(prompt string, node *schema.Node, opts Options, stream bool) []byte {
	req := completionRequest{
		Prompt:      prompt,
		Temperature: opts.Temperature,
		TopK:        opts.TopK,
		NPredict:    opts.MaxOutputTokens,
		Stream:      stream,
		JSONSchema:  node,
	}
	if opts.Greedy {
		zero := 0.0
		one := 1
		req.Temperature = &zero
		req.TopK = &one
	}
	b, _ := json.Marshal(req)
	return b
}

func (rt *Runtime) do(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return rt.client.Do(req)
}
