package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	openaiproto "ondevice-gateway/internal/proto/openai"
)

// Client is a single-connection RPC client. Requests are issued one at a
// time; the chat CLI has no use for multiplexing.
type Client struct {
	conn net.Conn
	seq  atomic.Uint32
}

// Dial connects to the gateway's unix socket.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Ping round-trips a heartbeat frame.
func (c *Client) Ping(ctx context.Context) error {
	id := c.seq.Add(1)
	if err := c.write(ctx, Frame{Type: TypePing, RequestID: id}); err != nil {
		return err
	}
	f, err := c.read(ctx)
	if err != nil {
		return err
	}
	if f.Type != TypePong || f.RequestID != id {
		return fmt.Errorf("sockrpc: unexpected reply type %d", f.Type)
	}
	return nil
}

// Complete sends a non-streaming chat request and returns the completion.
func (c *Client) Complete(ctx context.Context, req openaiproto.ChatCompletionsRequest) (*openaiproto.ChatCompletion, error) {
	req.Stream = false
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	id := c.seq.Add(1)
	if err := c.write(ctx, Frame{Type: TypeRequest, RequestID: id, Payload: payload}); err != nil {
		return nil, err
	}
	for {
		f, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if f.RequestID != id {
			continue
		}
		switch f.Type {
		case TypeResponse:
			var out openaiproto.ChatCompletion
			if err := json.Unmarshal(f.Payload, &out); err != nil {
				return nil, err
			}
			return &out, nil
		case TypeError:
			return nil, decodeError(f.Payload)
		default:
			return nil, fmt.Errorf("sockrpc: unexpected reply type %d", f.Type)
		}
	}
}

// Stream sends a streaming chat request and invokes fn for every chunk.
func (c *Client) Stream(ctx context.Context, req openaiproto.ChatCompletionsRequest, fn func(openaiproto.ChatCompletionChunk) error) error {
	req.Stream = true
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	id := c.seq.Add(1)
	if err := c.write(ctx, Frame{Type: TypeRequest, Flags: FlagStream, RequestID: id, Payload: payload}); err != nil {
		return err
	}
	for {
		f, err := c.read(ctx)
		if err != nil {
			return err
		}
		if f.RequestID != id {
			continue
		}
		switch f.Type {
		case TypeStreamChunk:
			var chunk openaiproto.ChatCompletionChunk
			if err := json.Unmarshal(f.Payload, &chunk); err != nil {
				return err
			}
			if err := fn(chunk); err != nil {
				return err
			}
		case TypeStreamEnd:
			return nil
		case TypeError:
			return decodeError(f.Payload)
		default:
			return fmt.Errorf("sockrpc: unexpected reply type %d", f.Type)
		}
	}
}

// RemoteError is a server-reported failure, carrying the same fields as the
// HTTP error body.
type RemoteError struct {
	Message string
	Type    string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

func decodeError(payload []byte) error {
	var body errorPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.Error.Message == "" {
		return errors.New("sockrpc: request failed")
	}
	return &RemoteError{
		Message: body.Error.Message,
		Type:    body.Error.Type,
		Code:    body.Error.Code,
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.applyDeadline(ctx)
	return WriteFrame(c.conn, f)
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	c.applyDeadline(ctx)
	return ReadFrame(c.conn)
}

func (c *Client) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
}
