// This file implements the credit balance and history endpoint.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/middleware"
	"github.com/pixlift/pixlift/internal/service"
)

// CreditsHandler handles HTTP requests for the credit ledger.
type CreditsHandler struct {
	ledger service.LedgerService
	logger *slog.Logger
}

// NewCreditsHandler creates a new CreditsHandler.
func NewCreditsHandler(ledger service.LedgerService, logger *slog.Logger) *CreditsHandler {
	return &CreditsHandler{
		ledger: ledger,
		logger: logger,
	}
}

type transactionResponse struct {
	ID        uuid.UUID `json:"id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GetCredits returns the caller's balance and ledger history. Anonymous
// callers get a zero balance rather than an error, so the page showing the
// credit counter works before sign-in.
// GET /api/user/credits
func (h *CreditsHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"credits":      0,
			"transactions": []transactionResponse{},
		})
		return
	}

	balance, err := h.ledger.Balance(r.Context(), user.ID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	history, err := h.ledger.History(r.Context(), user.ID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	transactions := make([]transactionResponse, 0, len(history))
	for _, tx := range history {
		item := transactionResponse{
			ID:        tx.ID,
			Amount:    tx.Amount,
			Reason:    string(tx.Reason),
			CreatedAt: tx.CreatedAt,
		}
		if tx.JobID.Valid {
			item.JobID = tx.JobID.UUID.String()
		}
		transactions = append(transactions, item)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credits":      balance,
		"transactions": transactions,
	})
}
