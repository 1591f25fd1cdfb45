// Package admin exposes a small operator surface: a live tail of request
// logs and a queue snapshot. Protected by a bearer token when one is
// configured.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ondevice-gateway/internal/executor"
	"ondevice-gateway/internal/logbus"
	"ondevice-gateway/internal/store"
)

type Handler struct {
	bus   *logbus.Bus
	exec  *executor.Executor
	db    *store.LogStore
	token string
}

func NewHandler(bus *logbus.Bus, exec *executor.Executor, db *store.LogStore, token string) *Handler {
	return &Handler{bus: bus, exec: exec, db: db, token: token}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.token != "" {
		r.Use(h.auth)
	}
	r.Get("/logs", h.bus.ServeSSE)
	r.Get("/logs/recent", h.recentLogs)
	r.Get("/stats", h.stats)
	return r
}

func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(h.exec.Snapshot())
}

func (h *Handler) recentLogs(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(w, "log persistence disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.db.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(rows)
}
