package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreditsPerUpscale is the fixed cost of a single upscale job.
const CreditsPerUpscale = 4

// CreditReason categorizes a ledger entry.
type CreditReason string

const (
	ReasonUsage               CreditReason = "usage"
	ReasonPurchase            CreditReason = "purchase"
	ReasonSubscriptionRenewal CreditReason = "subscription_renewal"
	ReasonBonus               CreditReason = "bonus"
	ReasonRefund              CreditReason = "refund"
)

// ValidCreditReason reports whether reason is one of the known ledger reasons.
func ValidCreditReason(reason CreditReason) bool {
	switch reason {
	case ReasonUsage, ReasonPurchase, ReasonSubscriptionRenewal, ReasonBonus, ReasonRefund:
		return true
	}
	return false
}

// CreditTransaction is a single append-only ledger entry. Amount is signed:
// negative for debits, positive for credits. Entries are never mutated;
// corrections are expressed as new entries.
type CreditTransaction struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Amount int64
	Reason CreditReason

	// JobID links usage and refund entries to the upscale job that caused them.
	JobID uuid.NullUUID

	// ExternalRef deduplicates entries driven by billing events: the provider
	// order ID for purchases, and "{subscriptionID}/{periodEnd}" for renewal
	// grants. At most one entry may carry a given ref.
	ExternalRef string

	CreatedAt time.Time
}

// HasEnoughCredits reports whether a balance covers one upscale.
func HasEnoughCredits(balance int64) bool {
	return balance >= CreditsPerUpscale
}
