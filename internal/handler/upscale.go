// This file implements the upscale job endpoints: submission and status polling.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/middleware"
	"github.com/pixlift/pixlift/internal/service"
)

// UpscaleHandler handles HTTP requests for upscale jobs.
type UpscaleHandler struct {
	upscale service.UpscaleService
	logger  *slog.Logger
}

// NewUpscaleHandler creates a new UpscaleHandler.
func NewUpscaleHandler(upscale service.UpscaleService, logger *slog.Logger) *UpscaleHandler {
	return &UpscaleHandler{
		upscale: upscale,
		logger:  logger,
	}
}

type submitRequest struct {
	Category string `json:"category"`
	Scale    int    `json:"scale"`
	InputURL string `json:"input_url"`
}

// jobResponse is the wire shape of a job in every response.
type jobResponse struct {
	ID          uuid.UUID  `json:"id"`
	Category    string     `json:"category"`
	Provider    string     `json:"provider"`
	Scale       int        `json:"scale"`
	Status      string     `json:"status"`
	InputURL    string     `json:"input_url"`
	OutputURL   string     `json:"output_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreditsUsed int64      `json:"credits_used"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job *domain.UpscaleJob) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Category:    string(job.Category),
		Provider:    string(job.Provider),
		Scale:       job.Scale,
		Status:      string(job.Status),
		InputURL:    job.InputURL,
		OutputURL:   job.OutputURL,
		Error:       job.ErrorMsg,
		CreditsUsed: job.CreditsUsed,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

// Submit handles job submission.
// POST /api/upscale
func (h *UpscaleHandler) Submit(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("UpscaleHandler.Submit", "Invalid request body"))
		return
	}

	job, err := h.upscale.Submit(r.Context(), user.ID, service.SubmitParams{
		Category: domain.Category(req.Category),
		Scale:    req.Scale,
		InputURL: req.InputURL,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	// The job runs in the background; the client polls GetJob for the result.
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// GetJob returns the status of one of the caller's jobs.
// GET /api/upscale/{jobID}
func (h *UpscaleHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("jobID"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("UpscaleHandler.GetJob", "Invalid job ID"))
		return
	}

	job, err := h.upscale.GetJob(r.Context(), jobID, user.ID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}
