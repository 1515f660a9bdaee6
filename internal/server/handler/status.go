package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// StatusSource provides the live monitoring snapshot.
type StatusSource interface {
	Status() domain.SystemStatus
}

// AttemptLister lists recorded attempts.
type AttemptLister interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionAttempt, error)
}

// StatusHandler serves the coordinator snapshot and attempt history.
type StatusHandler struct {
	source    StatusSource
	history   AttemptLister
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. history may be nil.
func NewStatusHandler(source StatusSource, history AttemptLister, mode string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		source:    source,
		history:   history,
		mode:      mode,
		startedAt: time.Now(),
		logger:    logger,
	}
}

type statusResponse struct {
	Mode          string `json:"mode"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	domain.SystemStatus
}

// GetStatus returns the coordinator snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		SystemStatus:  h.source.Status(),
	})
}

// ListAttempts returns persisted attempts newest first.
// GET /api/attempts?limit=50&offset=0&since=2026-01-02T15:04:05Z
func (h *StatusHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "attempt history is not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attempts, err := h.history.ListRecent(r.Context(), opts)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotImplemented, "attempt history is not configured")
		return
	case err != nil:
		h.logger.Error("list attempts failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []domain.ExecutionAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}
