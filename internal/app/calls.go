package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voxline/pkg/calllog"
)

// maxSearchLimit caps GET /calls results.
const maxSearchLimit = 500

// getCall serves GET /calls/{id}: the logged turns of one session.
func (a *App) getCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := a.callLog.Session(r.Context(), id)
	if err != nil {
		slog.Warn("call log read failed", "session_id", id, "err", err)
		http.Error(w, "call log unavailable", http.StatusServiceUnavailable)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, entries)
}

// searchCalls serves GET /calls?q=...&session=...&after=...&before=...&limit=...
// Times are RFC 3339.
func (a *App) searchCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	opts := calllog.SearchOpts{SessionID: q.Get("session"), Limit: 50}
	var err error
	if v := q.Get("after"); v != "" {
		if opts.After, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "after: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("before"); v != "" {
		if opts.Before, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "before: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Limit = min(n, maxSearchLimit)
	}

	entries, err := a.callLog.Search(r.Context(), query, opts)
	if err != nil {
		slog.Warn("call log search failed", "err", err)
		http.Error(w, "call log unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
