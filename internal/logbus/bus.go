// Package logbus fans request-log events out to live SSE subscribers,
// keeps a small in-memory ring for late joiners, and persists events to the
// request-log store when one is configured.
package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ondevice-gateway/internal/store"
)

type Event struct {
	TS               time.Time `json:"ts"`
	RequestID        string    `json:"request_id"`
	Endpoint         string    `json:"endpoint"`
	Model            string    `json:"model,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Status           int       `json:"status"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	SrcIP            string    `json:"src_ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Error            string    `json:"error,omitempty"`
}

type Bus struct {
	db  *store.LogStore
	log zerolog.Logger

	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	ring    []Event
	ringCap int
}

// New creates a bus. db may be nil to disable persistence.
func New(db *store.LogStore, ringCap int, log zerolog.Logger) *Bus {
	if ringCap <= 0 {
		ringCap = 200
	}
	return &Bus{
		db:      db,
		log:     log,
		subs:    make(map[chan Event]struct{}),
		ring:    make([]Event, 0, ringCap),
		ringCap: ringCap,
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if len(b.ring) < b.ringCap {
		b.ring = append(b.ring, ev)
	} else {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = ev
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if b.db != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := b.db.Insert(ctx, store.LogRow{
				RequestID:        ev.RequestID,
				Endpoint:         ev.Endpoint,
				Model:            ev.Model,
				Stream:           ev.Stream,
				Status:           ev.Status,
				LatencyMs:        ev.LatencyMs,
				PromptTokens:     ev.PromptTokens,
				CompletionTokens: ev.CompletionTokens,
				SrcIP:            ev.SrcIP,
				UserAgent:        ev.UserAgent,
				Error:            ev.Error,
			})
			if err != nil {
				b.log.Warn().Err(err).Msg("failed to persist request log")
			}
		}()
	}
}

// ServeSSE streams the ring snapshot followed by live events until the
// client disconnects.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	snapshot := append([]Event(nil), b.ring...)
	b.mu.Unlock()

	for _, ev := range snapshot {
		writeSSE(w, ev)
	}
	flusher.Flush()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	b, _ := json.Marshal(ev)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
}
