// This file implements the Lemon Squeezy webhook handler for billing events.
//
// Route:
//   - POST /webhooks/lemonsqueezy -> HandleLemonSqueezyWebhook
//
// This route is PUBLIC (no auth middleware) because Lemon Squeezy calls it
// directly. Authentication is via the HMAC signature in the X-Signature header.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/pixlift/pixlift/internal/billing"
	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/metrics"
)

// WebhookHandler handles incoming webhook events from Lemon Squeezy.
type WebhookHandler struct {
	processor *billing.Processor
	secret    string
	logger    *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. The secret is the signing
// secret configured on the Lemon Squeezy webhook endpoint.
func NewWebhookHandler(processor *billing.Processor, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		secret:    secret,
		logger:    logger,
	}
}

// HandleLemonSqueezyWebhook verifies and processes a billing event.
//
// A non-2xx response makes Lemon Squeezy redeliver, so only transient
// processing failures return 500; everything we will never accept (bad
// signature, malformed payload) is rejected terminally, and everything we
// have already applied is acknowledged again.
func (h *WebhookHandler) HandleLemonSqueezyWebhook(w http.ResponseWriter, r *http.Request) {
	const op = "WebhookHandler.HandleLemonSqueezyWebhook"

	// Read body (limit to 64KB)
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Failed to read request body"))
		return
	}

	// Verify the signature before parsing anything.
	signature := r.Header.Get("X-Signature")
	if !billing.VerifySignature(body, signature, h.secret) {
		metrics.WebhookSignatureFailures.Inc()
		h.logger.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		ErrorResponse(w, r, h.logger, domain.Unauthorized(op, "Invalid webhook signature"))
		return
	}

	event, err := billing.ParseEvent(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", "error", err)
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if err := h.processor.Process(r.Context(), event); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
