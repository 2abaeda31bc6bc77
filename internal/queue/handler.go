package queue

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"mailflow/internal/pkg/ctxlog"
	"mailflow/internal/pkg/httputil"
)

// Handler handles HTTP requests for the queue module.
type Handler struct {
	processor          *Processor
	store              Store
	staleLockThreshold time.Duration
	validator          *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(processor *Processor, store Store, staleLockThreshold time.Duration) *Handler {
	return &Handler{
		processor:          processor,
		store:              store,
		staleLockThreshold: staleLockThreshold,
		validator:          validator.New(),
	}
}

// RegisterRoutes registers queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Post("/process", h.Process)
		r.Post("/reconcile", h.Reconcile)
		r.Get("/stats", h.GetStats)
	})
}

// ProcessRequest represents the optional request body for a processing pass.
type ProcessRequest struct {
	BatchSize int  `json:"batchSize" validate:"omitempty,gt=0"`
	DryRun    bool `json:"dryRun"`
}

// Process handles POST /queue/process. One invocation drains at most one
// batch. Partial failure is not a transport-level error: the response is
// 200 with a complete per-item accounting. 503 is reserved for the store
// being unreachable at claim time, so the external trigger can retry the
// whole invocation.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	summary, err := h.processor.Run(r.Context(), RunOptions{
		BatchSize: req.BatchSize,
		DryRun:    req.DryRun,
	})
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("processing pass failed", "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}

	httputil.Success(w, http.StatusOK, summary)
}

// ReconcileResponse reports how many stale items were recovered.
type ReconcileResponse struct {
	Requeued int64 `json:"requeued"`
}

// Reconcile handles POST /queue/reconcile: items stuck in processing longer
// than the stale lock threshold (left behind by a crashed run) are returned
// to pending.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.RequeueStale(r.Context(), h.staleLockThreshold)
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("reconciliation failed", "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}

	if n > 0 {
		ctxlog.FromContext(r.Context()).Info("requeued stale items", "count", n)
	}

	httputil.Success(w, http.StatusOK, ReconcileResponse{Requeued: n})
}

// GetStats handles GET /queue/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("queue stats failed", "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}
