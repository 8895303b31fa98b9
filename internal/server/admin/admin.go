// Package admin serves the operator endpoints: liveness, host status and
// Prometheus metrics. It listens separately from the VM API.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccheshirecat/lambdo/internal/server/metrics"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator"
	"github.com/ccheshirecat/lambdo/internal/server/registry"
)

// Handler wires the admin endpoints.
type Handler struct {
	logger   *slog.Logger
	engine   orchestrator.Engine
	settings registry.Settings
	started  time.Time
}

// Status is the body of GET /status.
type Status struct {
	Bridge        string    `json:"bridge"`
	BridgeAddress string    `json:"bridge_address"`
	ListenAddr    string    `json:"listen_addr"`
	Images        string    `json:"images"`
	VMs           int       `json:"vms"`
	UsedPorts     []int     `json:"used_ports"`
	StartedAt     time.Time `json:"started_at"`
}

// New constructs the admin router. recorder may be nil, in which case
// /metrics is not mounted.
func New(logger *slog.Logger, engine orchestrator.Engine, settings registry.Settings, recorder *metrics.Recorder) http.Handler {
	h := &Handler{logger: logger, engine: engine, settings: settings, started: time.Now().UTC()}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	if recorder != nil {
		r.Method(http.MethodGet, "/metrics", recorder.Handler())
	}
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("latency", time.Since(start).String()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	used := h.engine.UsedPorts(ctx)
	if used == nil {
		used = []int{}
	}
	writeJSON(w, http.StatusOK, Status{
		Bridge:        h.settings.Bridge,
		BridgeAddress: h.settings.BridgeAddress,
		ListenAddr:    h.settings.ListenAddr,
		Images:        h.settings.ImagesKind + ":" + h.settings.ImagesPath,
		VMs:           len(h.engine.ListVMs(ctx)),
		UsedPorts:     used,
		StartedAt:     h.started,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
