// Command chat is a small client for the gateway: one prompt in, one
// completion out, over HTTP or the unix socket.
//
// Exit codes: 0 success, 1 request failed, 2 generation capability
// unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	openaiproto "ondevice-gateway/internal/proto/openai"
	"ondevice-gateway/internal/sockrpc"
)

const (
	exitOK          = 0
	exitError       = 1
	exitUnavailable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		baseURL   = flag.String("base-url", "http://127.0.0.1:8000/v1", "gateway base URL")
		transport = flag.String("transport", "http", "http|socket")
		socket    = flag.String("socket", "/tmp/ondevice-gateway.sock", "unix socket path for -transport socket")
		modelID   = flag.String("model", "ondevice", "model identifier")
		system    = flag.String("system", "", "system prompt")
		temp      = flag.Float64("temperature", -1, "sampling temperature (unset when negative)")
		maxTokens = flag.Int("max-tokens", 0, "completion token cap (unset when zero)")
		stream    = flag.Bool("stream", false, "stream tokens as they arrive")
		timeout   = flag.Duration("timeout", 5*time.Minute, "request timeout")
	)
	flag.Parse()

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			return exitError
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: chat [flags] <prompt>   (or prompt on stdin)")
		return exitError
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *transport {
	case "http":
		return runHTTP(ctx, *baseURL, *modelID, *system, prompt, *temp, *maxTokens, *stream)
	case "socket":
		return runSocket(ctx, *socket, *modelID, *system, prompt, *temp, *maxTokens, *stream)
	default:
		fmt.Fprintf(os.Stderr, "unknown transport %q\n", *transport)
		return exitError
	}
}

func runHTTP(ctx context.Context, baseURL, modelID, system, prompt string, temp float64, maxTokens int, stream bool) int {
	cfg := gopenai.DefaultConfig("")
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	client := gopenai.NewClientWithConfig(cfg)

	req := gopenai.ChatCompletionRequest{
		Model:    modelID,
		Messages: httpMessages(system, prompt),
	}
	if temp >= 0 {
		req.Temperature = float32(temp)
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}

	if stream {
		req.Stream = true
		s, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return reportHTTPError(err)
		}
		defer s.Close()
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return reportHTTPError(err)
			}
			for _, c := range chunk.Choices {
				fmt.Print(c.Delta.Content)
			}
		}
		fmt.Println()
		return exitOK
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return reportHTTPError(err)
	}
	if len(resp.Choices) == 0 {
		fmt.Fprintln(os.Stderr, "empty response")
		return exitError
	}
	fmt.Println(resp.Choices[0].Message.Content)
	return exitOK
}

func httpMessages(system, prompt string) []gopenai.ChatCompletionMessage {
	var msgs []gopenai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleSystem, Content: system})
	}
	return append(msgs, gopenai.ChatCompletionMessage{Role: gopenai.ChatMessageRoleUser, Content: prompt})
}

func reportHTTPError(err error) int {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "error: %s\n", apiErr.Message)
		if apiErr.HTTPStatusCode == 503 {
			return exitUnavailable
		}
		return exitError
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return exitError
}

func runSocket(ctx context.Context, path, modelID, system, prompt string, temp float64, maxTokens int, stream bool) int {
	client, err := sockrpc.Dial(path, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", path, err)
		return exitError
	}
	defer client.Close()

	req := openaiproto.ChatCompletionsRequest{
		Model:    modelID,
		Messages: socketMessages(system, prompt),
	}
	if temp >= 0 {
		req.Temperature = &temp
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	if stream {
		err := client.Stream(ctx, req, func(chunk openaiproto.ChatCompletionChunk) error {
			for _, c := range chunk.Choices {
				fmt.Print(c.Delta.Content)
			}
			return nil
		})
		if err != nil {
			return reportSocketError(err)
		}
		fmt.Println()
		return exitOK
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return reportSocketError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		fmt.Fprintln(os.Stderr, "empty response")
		return exitError
	}
	fmt.Println(*resp.Choices[0].Message.Content)
	return exitOK
}

func socketMessages(system, prompt string) []openaiproto.Message {
	var msgs []openaiproto.Message
	if system != "" {
		msgs = append(msgs, openaiproto.Message{Role: "system", Content: system})
	}
	return append(msgs, openaiproto.Message{Role: "user", Content: prompt})
}

func reportSocketError(err error) int {
	var remote *sockrpc.RemoteError
	if errors.As(err, &remote) {
		fmt.Fprintf(os.Stderr, "error: %s\n", remote.Message)
		if remote.Code == "model_unavailable" {
			return exitUnavailable
		}
		return exitError
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return exitError
}
