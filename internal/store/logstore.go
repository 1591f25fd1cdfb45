// Package store persists request logs to a local SQLite file. The gateway
// is single-node; there is no external database.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

type LogStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*LogStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &LogStore{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts DATETIME DEFAULT CURRENT_TIMESTAMP,
	request_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	model TEXT,
	stream INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	src_ip TEXT,
	user_agent TEXT,
	error_msg TEXT
);
CREATE INDEX IF NOT EXISTS idx_request_logs_ts ON request_logs(ts);
CREATE INDEX IF NOT EXISTS idx_request_logs_status ON request_logs(status);
`

type LogRow struct {
	ID               int64     `json:"id"`
	TS               time.Time `json:"ts"`
	RequestID        string    `json:"request_id"`
	Endpoint         string    `json:"endpoint"`
	Model            string    `json:"model"`
	Stream           bool      `json:"stream"`
	Status           int       `json:"status"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	SrcIP            string    `json:"src_ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Error            string    `json:"error,omitempty"`
}

func (s *LogStore) Insert(ctx context.Context, row LogRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, endpoint, model, stream, status, latency_ms, prompt_tokens, completion_tokens, src_ip, user_agent, error_msg)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RequestID, row.Endpoint, row.Model, row.Stream, row.Status, row.LatencyMs,
		row.PromptTokens, row.CompletionTokens, row.SrcIP, row.UserAgent, row.Error)
	return err
}

// Recent returns up to limit rows, newest first.
func (s *LogStore) Recent(ctx context.Context, limit int) ([]LogRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, request_id, endpoint, model, stream, status, latency_ms,
		        COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0),
		        COALESCE(src_ip, ''), COALESCE(user_agent, ''), COALESCE(error_msg, '')
		 FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.ID, &r.TS, &r.RequestID, &r.Endpoint, &r.Model, &r.Stream,
			&r.Status, &r.LatencyMs, &r.PromptTokens, &r.CompletionTokens,
			&r.SrcIP, &r.UserAgent, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LogStore) Close() error { return s.db.Close() }
