package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jeskokaiser/altfragen-io-backend/internal/api/response"
	"github.com/jeskokaiser/altfragen-io-backend/internal/worker"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// Triggerer defines the interface the handlers depend on. *trigger.Service
// satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, kind string) (*models.Run, error)
	Run(ctx context.Context, runID uuid.UUID) (*models.Run, bool, error)
}

type triggerResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
}

// NewTriggerHandler returns an http.HandlerFunc for POST /api/v1/{kind}.
// It answers 202 as soon as the cycle is queued; the cycle's own outcome is
// reported through alerts and row state.
func NewTriggerHandler(svc Triggerer, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := svc.Trigger(r.Context(), kind)
		if err != nil {
			switch {
			case errors.Is(err, worker.ErrQueueFull):
				w.Header().Set("Retry-After", "30")
				response.Error(w, http.StatusServiceUnavailable, "QUEUE_FULL",
					"Too many cycles queued, try again later", nil)
			case errors.Is(err, worker.ErrClosed):
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
					"The service is shutting down", nil)
			default:
				slog.Error("trigger failed", "kind", kind, "error", err)
				response.Internal(w)
			}
			return
		}

		response.Accepted(w, triggerResponse{
			RunID:  run.ID,
			Kind:   run.Kind,
			Status: run.Status,
		})
	}
}

// NewGetRunHandler returns an http.HandlerFunc for GET /api/v1/runs/{runID}.
func NewGetRunHandler(svc Triggerer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "runID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "runID must be a valid UUID", nil)
			return
		}

		run, found, err := svc.Run(r.Context(), runID)
		if err != nil {
			slog.Error("loading run failed", "run_id", runID, "error", err)
			response.Internal(w)
			return
		}
		if !found {
			response.NotFound(w, "Run not found or expired")
			return
		}

		response.JSON(w, run)
	}
}
