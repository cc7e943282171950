package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the state of a recurring credit plan.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription ties a user to a recurring monthly credit grant. ExternalID is
// the billing provider's subscription ID and is unique across all rows.
type Subscription struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Plan             string
	Status           SubscriptionStatus
	ExternalID       string
	MonthlyCredits   int64
	CurrentPeriodEnd time.Time
	RenewedAt        *time.Time
	CreatedAt        time.Time
}
