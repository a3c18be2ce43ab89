// Package httpapi serves the engine's status, queue and connectivity
// controls over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/retry"
)

// Engine is the part of *engine.Engine the API needs.
type Engine interface {
	SyncStatus(ctx context.Context) (engine.Status, error)
	Operations(ctx context.Context, statuses ...ir.OperationStatus) ([]ir.Operation, error)
	Sync(ctx context.Context) (retry.Report, error)
	WaitIdle()
}

// Switch flips connectivity; *network.ManualProvider implements it.
type Switch interface {
	Set(online bool)
}

// Handler routes API requests.
type Handler struct {
	engine  Engine
	network Switch
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New builds the router. sw may be nil when connectivity is observed
// rather than controlled, in which case POST /connectivity returns 409.
func New(e Engine, sw Switch, m *metrics.Collector, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: e, network: sw, metrics: m, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/operations", h.operations)
	r.Post("/connectivity", h.connectivity)
	r.Post("/sync", h.sync)
	r.Handle("/metrics", m.Handler())
	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ir.EngineVersion})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.SyncStatus(r.Context())
	if err != nil {
		h.logger.Error("read sync status", "error", err)
		writeError(w, http.StatusInternalServerError, "local_storage", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) operations(w http.ResponseWriter, r *http.Request) {
	var statuses []ir.OperationStatus
	for _, s := range r.URL.Query()["status"] {
		st, err := ir.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		statuses = append(statuses, st)
	}
	ops, err := h.engine.Operations(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "local_storage", err.Error())
		return
	}
	if ops == nil {
		ops = []ir.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (h *Handler) connectivity(w http.ResponseWriter, r *http.Request) {
	if h.network == nil {
		writeError(w, http.StatusConflict, "not_controllable", "connectivity is observed from the environment")
		return
	}
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", `expected {"online": true|false}`)
		return
	}
	h.network.Set(*req.Online)
	if *req.Online {
		h.engine.WaitIdle()
	}
	h.status(w, r)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Sync(r.Context())
	switch {
	case errors.Is(err, engine.ErrOffline):
		writeError(w, http.StatusConflict, "offline", "device is offline")
	case errors.Is(err, retry.ErrDrainInProgress):
		writeError(w, http.StatusConflict, "drain_in_progress", "a drain is already running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "drain_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
