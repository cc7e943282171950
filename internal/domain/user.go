package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is an account that owns credits, jobs, and subscriptions.
//
// Identity (sign-up, sign-in, session issuance) is handled outside this
// service; we only resolve a session token to a stable user ID. Credits is a
// cached balance and must always equal the sum of the user's ledger entries.
type User struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Credits   int64
	CreatedAt time.Time
}
