package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"ondevice-gateway/internal/canonical"
	"ondevice-gateway/internal/engine"
	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/normalize"
	openaiproto "ondevice-gateway/internal/proto/openai"
)

type errorPayload struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Server speaks the framed RPC protocol over a unix socket. One frame
// type 1 (request) carries the same JSON body as POST /v1/chat/completions;
// responses mirror the HTTP facade's bodies.
type Server struct {
	eng  *engine.Engine
	norm normalize.Options
	log  zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
	once  sync.Once
}

func NewServer(eng *engine.Engine, norm normalize.Options, log zerolog.Logger) *Server {
	return &Server{
		eng:   eng,
		norm:  norm,
		log:   log,
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

// Close stops accepting and tears down open connections.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	// Writes from concurrent request handlers interleave at frame
	// granularity only.
	var wmu sync.Mutex
	write := func(f Frame) error {
		wmu.Lock()
		defer wmu.Unlock()
		return WriteFrame(conn, f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Msg("socket read failed")
				if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrChecksum) {
					_ = write(errorFrame(f.RequestID, "invalid_request_error", "bad_frame", err.Error()))
				}
			}
			return
		}

		switch f.Type {
		case TypePing:
			_ = write(Frame{Type: TypePong, RequestID: f.RequestID})
		case TypeRequest:
			go s.handleRequest(ctx, f, write)
		default:
			_ = write(errorFrame(f.RequestID, "invalid_request_error", "bad_type", "unexpected message type"))
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, f Frame, write func(Frame) error) {
	var wire openaiproto.ChatCompletionsRequest
	if err := json.Unmarshal(f.Payload, &wire); err != nil {
		_ = write(errorFrame(f.RequestID, "invalid_request_error", "invalid_json", "invalid json"))
		return
	}
	wire.Stream = wire.Stream || f.Flags&FlagStream != 0

	req, _, err := normalize.Normalize(wire, s.norm)
	if err != nil {
		_ = write(requestErrorFrame(f.RequestID, err))
		return
	}

	if req.Stream {
		s.streamRequest(ctx, f.RequestID, req, write)
		return
	}

	res, err := s.eng.Complete(ctx, req)
	if err != nil {
		_ = write(requestErrorFrame(f.RequestID, err))
		return
	}
	payload, _ := json.Marshal(completionBody(res))
	_ = write(Frame{Type: TypeResponse, RequestID: f.RequestID, Payload: payload})
}

func (s *Server) streamRequest(ctx context.Context, id uint32, req canonical.Request, write func(Frame) error) {
	sr, err := s.eng.Stream(ctx, req)
	if err != nil {
		_ = write(requestErrorFrame(id, err))
		return
	}

	for ev := range sr.Events {
		var frame Frame
		switch ev.Type {
		case engine.EventRole:
			frame = chunkFrame(id, sr, openaiproto.Delta{Role: canonical.RoleAssistant}, nil, nil)
		case engine.EventContent:
			frame = chunkFrame(id, sr, openaiproto.Delta{Content: ev.Content}, nil, nil)
		case engine.EventToolCall:
			idx := ev.ToolIndex
			frame = chunkFrame(id, sr, openaiproto.Delta{ToolCalls: []openaiproto.ToolCall{{
				Index: &idx,
				ID:    ev.ToolCall.ID,
				Type:  "function",
				Function: openaiproto.ToolCallFunction{
					Name:      ev.ToolCall.Name,
					Arguments: ev.ToolCall.Arguments,
				},
			}}}, nil, nil)
		case engine.EventFinish:
			fr := ev.FinishReason
			var usage *openaiproto.Usage
			if ev.Usage != nil {
				usage = &openaiproto.Usage{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens:      ev.Usage.TotalTokens,
				}
			}
			frame = chunkFrame(id, sr, openaiproto.Delta{}, &fr, usage)
		case engine.EventError:
			_ = write(requestErrorFrame(id, ev.Err))
			return
		}
		if err := write(frame); err != nil {
			return
		}
	}
	_ = write(Frame{Type: TypeStreamEnd, Flags: FlagStream, RequestID: id})
}

func chunkFrame(id uint32, sr *engine.StreamResult, delta openaiproto.Delta, finish *string, usage *openaiproto.Usage) Frame {
	payload, _ := json.Marshal(openaiproto.ChatCompletionChunk{
		ID:      sr.ID,
		Object:  "chat.completion.chunk",
		Created: sr.Created,
		Model:   sr.Model,
		Choices: []openaiproto.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
	return Frame{Type: TypeStreamChunk, Flags: FlagStream, RequestID: id, Payload: payload}
}

func completionBody(res *engine.Result) openaiproto.ChatCompletion {
	msg := openaiproto.ResponseMessage{Role: canonical.RoleAssistant}
	if res.FinishReason == canonical.FinishToolCalls {
		for i, tc := range res.ToolCalls {
			idx := i
			msg.ToolCalls = append(msg.ToolCalls, openaiproto.ToolCall{
				Index:    &idx,
				ID:       tc.ID,
				Type:     "function",
				Function: openaiproto.ToolCallFunction{Name: tc.Name, Arguments: tc.Arguments},
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
		Choices: []openaiproto.Choice{{Index: 0, Message: msg, FinishReason: res.FinishReason}},
		Usage: &openaiproto.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}
}

func requestErrorFrame(id uint32, err error) Frame {
	var ve *normalize.ValidationError
	switch {
	case errors.As(err, &ve):
		return errorFrameParam(id, "invalid_request_error", ve.Code, ve.Param, ve.Message)
	case errors.Is(err, executor.ErrQueueFull):
		return errorFrame(id, "rate_limit_error", "queue_full", "generation queue is full, retry later")
	case errors.Is(err, engine.ErrUnavailable):
		return errorFrame(id, "server_error", "model_unavailable", "generation capability is unavailable")
	default:
		return errorFrame(id, "server_error", "internal_error", err.Error())
	}
}

func errorFrame(id uint32, typ, code, msg string) Frame {
	return errorFrameParam(id, typ, code, "", msg)
}

func errorFrameParam(id uint32, typ, code, param, msg string) Frame {
	payload, _ := json.Marshal(errorPayload{Error: errorBody{
		Message: msg,
		Type:    typ,
		Code:    code,
		Param:   param,
	}})
	return Frame{Type: TypeError, RequestID: id, Payload: payload}
}
