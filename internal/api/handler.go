// Package api provides the admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/ledger"
)

// StatusReader exposes the ledger for reading.
type StatusReader interface {
	Get(correspondent string) ledger.Status
	Snapshot() map[string]ledger.Status
	Degraded() bool
}

// TriggerReader exposes answered trigger records.
type TriggerReader interface {
	Answered(correspondent string) []string
}

// Resetter forces a correspondent back to Idle.
type Resetter interface {
	Reset(ctx context.Context, correspondent string) (ledger.Status, error)
}

// Handler serves the admin endpoints.
type Handler struct {
	status   StatusReader
	triggers TriggerReader
	resetter Resetter
	timeout  time.Duration
}

// NewHandler creates a Handler.
func NewHandler(status StatusReader, triggers TriggerReader, resetter Resetter) *Handler {
	return &Handler{status: status, triggers: triggers, resetter: resetter, timeout: 15 * time.Second}
}

// Correspondent is the API view of one ledger entry.
type Correspondent struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Known    bool     `json:"known"`
	Answered []string `json:"answeredTriggers"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// NewRouter builds the router with middleware and all routes.
func NewRouter(h *Handler, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers correspondent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/correspondents", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{name}", h.Get)
		r.Post("/{name}/reset", h.Reset)
	})
}

// List returns every known correspondent.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	snapshot := h.status.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Correspondent, 0, len(names))
	for _, name := range names {
		out = append(out, h.view(name, snapshot[name], true))
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"degraded":       h.status.Degraded(),
		"correspondents": out,
	})
}

// Get returns one correspondent. Unknown correspondents are reported Idle.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid correspondent name")
		return
	}
	_, known := h.status.Snapshot()[name]
	JSON(w, http.StatusOK, h.view(name, h.status.Get(name), known))
}

// Reset forces a correspondent back to Idle.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	name, ok := nameParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid correspondent name")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	previous, err := h.resetter.Reset(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrPersist):
		JSON(w, http.StatusOK, map[string]interface{}{
			"name":      name,
			"previous":  previous.String(),
			"status":    ledger.Idle.String(),
			"persisted": false,
		})
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		Error(w, http.StatusServiceUnavailable, "coordinator busy, try again")
		return
	default:
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"name":      name,
		"previous":  previous.String(),
		"status":    ledger.Idle.String(),
		"persisted": true,
	})
}

func (h *Handler) view(name string, status ledger.Status, known bool) Correspondent {
	answered := []string{}
	if h.triggers != nil {
		answered = append(answered, h.triggers.Answered(name)...)
		sort.Strings(answered)
	}
	return Correspondent{Name: name, Status: status.String(), Known: known, Answered: answered}
}

// nameParam returns the decoded {name} path parameter.
func nameParam(r *http.Request) (string, bool) {
	name := chi.URLParam(r, "name")
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(name)
		if err != nil {
			return "", false
		}
		name = decoded
	}
	return name, name != ""
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
		})
	}
}
