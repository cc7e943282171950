// This file implements the billing endpoints: the purchasable catalog and
// checkout session creation.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pixlift/pixlift/internal/billing"
	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/middleware"
)

// BillingHandler handles HTTP requests for purchases and subscriptions.
type BillingHandler struct {
	catalog  *billing.Catalog
	checkout *billing.CheckoutClient
	logger   *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
// checkout may be nil when Lemon Squeezy is not configured; CreateCheckout
// then rejects requests instead of panicking.
func NewBillingHandler(catalog *billing.Catalog, checkout *billing.CheckoutClient, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		catalog:  catalog,
		checkout: checkout,
		logger:   logger,
	}
}

type catalogItem struct {
	Key     string `json:"key"`
	Credits int64  `json:"credits"`
	Label   string `json:"label"`
	Price   string `json:"price"`
}

// GetCatalog lists the credit packages and subscription plans.
// GET /api/billing/catalog
func (h *BillingHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	packages := make([]catalogItem, 0)
	for _, p := range h.catalog.Packages() {
		packages = append(packages, catalogItem{Key: p.Key, Credits: p.Credits, Label: p.Label, Price: p.Price})
	}
	plans := make([]catalogItem, 0)
	for _, p := range h.catalog.Plans() {
		plans = append(plans, catalogItem{Key: p.Key, Credits: p.MonthlyCredits, Label: p.Label, Price: p.Price})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": packages,
		"plans":    plans,
	})
}

type checkoutRequest struct {
	Type string `json:"type"` // "credits" or "subscription"
	Plan string `json:"plan"` // catalog key
}

// CreateCheckout creates a hosted checkout session for a package or plan and
// returns its URL.
// POST /api/billing/checkout
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "BillingHandler.CreateCheckout"

	user := middleware.GetUser(r.Context())
	if user == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	if h.checkout == nil {
		ErrorResponse(w, r, h.logger, domain.Unavailable(nil, op, "Purchases are not available right now."))
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Invalid request body"))
		return
	}

	var variantID string
	switch req.Type {
	case "credits":
		pkg, ok := h.catalog.PackageByKey(req.Plan)
		if !ok {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "Unknown credit package"))
			return
		}
		variantID = pkg.VariantID
	case "subscription":
		plan, ok := h.catalog.PlanByKey(req.Plan)
		if !ok {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "Unknown subscription plan"))
			return
		}
		variantID = plan.VariantID
	default:
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Type must be 'credits' or 'subscription'"))
		return
	}

	url, err := h.checkout.CreateCheckout(r.Context(), user.ID, user.Email, variantID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"checkout_url": url,
	})
}
