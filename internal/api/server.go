// Package api exposes the read surface of a running daemon over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/traceloom/internal/engine"
	"github.com/ppiankov/traceloom/internal/export"
	"github.com/ppiankov/traceloom/internal/model"
	"github.com/ppiankov/traceloom/internal/store"
)

// EngineView is the engine surface the API reads from.
type EngineView interface {
	Snapshot() *engine.StateSnapshot
	Trace(traceID string) *model.ActiveTrace
	Recompute(now time.Time) engine.KPISnapshot
}

// LogView is the store surface the API reads and maintains.
type LogView interface {
	Replay(since time.Time) (*store.ReplayResult, error)
	Compact(retention time.Duration) (int, error)
}

// Deps wires the handler to a running daemon.
type Deps struct {
	Engine    EngineView
	Log       LogView
	Retention time.Duration
	Logger    *slog.Logger
}

// NewHandler builds the HTTP routing table.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthz", handleHealth)
	r.Get("/v1/snapshot", handleSnapshot(deps))
	r.Get("/v1/kpi", handleKPI(deps))
	r.Get("/v1/traces/{id}", handleTrace(deps))
	r.Get("/v1/replay", handleReplay(deps))
	r.Get("/v1/export", handleExport(deps))
	r.Post("/v1/compact", handleCompact(deps))
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSnapshot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, deps.Engine.Snapshot())
	}
}

func handleKPI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		kpi := deps.Engine.Recompute(time.Now().UTC())
		writeJSON(w, http.StatusOK, kpi)
	}
}

func handleTrace(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		tr := deps.Engine.Trace(id)
		if tr == nil {
			httpError(w, http.StatusNotFound, "not_found", "no trace %q", id)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	}
}

func handleReplay(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := parseSince(r.URL.Query().Get("since"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "bad since: %v", err)
			return
		}
		result, err := deps.Log.Replay(since)
		if err != nil {
			deps.Logger.Error("replay failed", "error", err)
			httpError(w, http.StatusInternalServerError, "internal", "replay failed")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := r.URL.Query().Get("trace")
		sinceParam := r.URL.Query().Get("since")
		if traceID == "" && sinceParam == "" {
			httpError(w, http.StatusBadRequest, "invalid_request", "trace or since is required")
			return
		}

		since, err := parseSince(sinceParam)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request", "bad since: %v", err)
			return
		}
		// A per-trace export needs the full history; a range export only
		// needs records at or after the cutoff.
		replayFrom := time.Time{}
		if traceID == "" {
			replayFrom = since
		}
		result, err := deps.Log.Replay(replayFrom)
		if err != nil {
			deps.Logger.Error("export replay failed", "error", err)
			httpError(w, http.StatusInternalServerError, "internal", "export failed")
			return
		}

		var doc *export.Document
		if traceID != "" {
			doc = export.ForTrace(traceID, result.Events)
		} else {
			doc = export.ForRange(since, result.Events)
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleCompact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		removed, err := deps.Log.Compact(deps.Retention)
		if err != nil {
			deps.Logger.Error("compaction failed", "error", err)
			httpError(w, http.StatusInternalServerError, "internal", "compaction failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	}
}

// parseSince accepts the wire timestamp formats; empty means everything.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return model.ParseTimestamp(json.RawMessage(fmt.Sprintf("%q", s)))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
