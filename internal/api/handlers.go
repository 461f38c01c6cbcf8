package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/jobs"
	"github.com/maltedev/price-tracker/internal/models"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000

	pendingWarnThreshold   = 1000
	deadLetterErrThreshold = 100
)

// RunManager is the part of the run manager the API drives.
type RunManager interface {
	Request(trigger string) (*jobs.Run, bool, error)
	GetRun(id string) (*jobs.Run, error)
	ListRuns() []*jobs.Run
	GetStats() jobs.Stats
}

// PriceReader serves price history reads.
type PriceReader interface {
	PriceHistory(ctx context.Context, productID int64, limit int) ([]models.PriceObservation, error)
	LatestPrice(ctx context.Context, productID int64) (models.PriceObservation, error)
}

// OutboxStatter reports outbox backlog for the health check. Nil when the
// relay is disabled.
type OutboxStatter interface {
	Stats(ctx context.Context) (database.OutboxStats, error)
}

// Handlers contains HTTP handlers for the ops API
type Handlers struct {
	runs   RunManager
	prices PriceReader
	outbox OutboxStatter
	logger *slog.Logger
}

func NewHandlers(runs RunManager, prices PriceReader, outbox OutboxStatter, logger *slog.Logger) *Handlers {
	return &Handlers{
		runs:   runs,
		prices: prices,
		outbox: outbox,
		logger: logger.With("component", "api"),
	}
}

type HealthResponse struct {
	Status  string                `json:"status"`
	Message string                `json:"message,omitempty"`
	Outbox  *database.OutboxStats `json:"outbox,omitempty"`
}

// Health reports service status and the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.outbox == nil {
		h.respondJSON(w, http.StatusOK, resp)
		return
	}

	stats, err := h.outbox.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to read outbox stats", "error", err)
		resp.Status = "error"
		resp.Message = "outbox unavailable"
		h.respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Outbox = &stats

	status := http.StatusOK
	if stats.Pending > pendingWarnThreshold {
		resp.Status = "warning"
		resp.Message = "High number of pending outbox events"
	}
	if stats.DeadLetter > deadLetterErrThreshold {
		resp.Status = "error"
		resp.Message = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, resp)
}

type CreateRunResponse struct {
	RunID     string      `json:"run_id"`
	Status    jobs.Status `json:"status"`
	Coalesced bool        `json:"coalesced"`
	Message   string      `json:"message"`
}

// CreateRun requests a pipeline run.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	run, coalesced, err := h.runs.Request(jobs.TriggerAPI)
	if err != nil {
		h.logger.Error("failed to request run", "error", err)
		h.respondError(w, http.StatusServiceUnavailable, "failed to request run")
		return
	}

	msg := "Run queued"
	if coalesced {
		msg = "A run is already waiting"
	}
	h.respondJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		Coalesced: coalesced,
		Message:   msg,
	})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		h.respondError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	run, err := h.runs.GetRun(runID)
	if err != nil {
		if errors.Is(err, jobs.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.ListRuns())
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.runs.GetStats())
}

// GetPriceHistory returns the newest observations for a product.
func (h *Handlers) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := h.prices.PriceHistory(r.Context(), productID, limit)
	if err != nil {
		h.logger.Error("failed to get price history", "product_id", productID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get price history")
		return
	}
	if history == nil {
		history = []models.PriceObservation{}
	}

	h.respondJSON(w, http.StatusOK, history)
}

func (h *Handlers) GetLatestPrice(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	obs, err := h.prices.LatestPrice(r.Context(), productID)
	if err != nil {
		if errors.Is(err, database.ErrNoPriceHistory) {
			h.respondError(w, http.StatusNotFound, "no price history for product")
			return
		}
		h.logger.Error("failed to get latest price", "product_id", productID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get latest price")
		return
	}

	h.respondJSON(w, http.StatusOK, obs)
}

func (h *Handlers) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || id < 1 {
		h.respondError(w, http.StatusBadRequest, "invalid product ID")
		return 0, false
	}
	return id, true
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
