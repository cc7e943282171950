// Package store provides persistence for users, the credit ledger, upscale
// jobs, and subscriptions.
//
// Two implementations exist:
// - Postgres: production persistence via database/sql + pgx
// - Memory: in-memory store for development and tests
//
// The ledger is append-only: entries are inserted, never updated. The cached
// user balance is adjusted in the same transaction as the entry insert so the
// two can never diverge. Money-like invariants (no overdraw, no double refund,
// no double purchase credit) are enforced here, at the lowest layer, so every
// caller inherits them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
)

// Sentinel errors returned by Store implementations. Services translate these
// into domain error codes at their own boundaries.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientCredits indicates a debit would overdraw the balance.
	// The store performs no mutation in that case.
	ErrInsufficientCredits = errors.New("store: insufficient credits")

	// ErrAlreadyApplied indicates a ledger insert collided with an existing
	// entry carrying the same external ref or refund job ref. Callers treat
	// this as "the event was already applied" and move on.
	ErrAlreadyApplied = errors.New("store: already applied")
)

// CreditMeta carries the optional references attached to a credit entry.
type CreditMeta struct {
	// JobID links refund entries to the failed job being reversed.
	JobID uuid.NullUUID

	// ExternalRef deduplicates billing-driven credits. See
	// domain.CreditTransaction.ExternalRef for the format.
	ExternalRef string
}

// Store is the persistence surface used by the services.
type Store interface {
	// Users and sessions. Session issuance lives outside this service; we
	// only resolve tokens that some upstream identity system minted.
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetUserBySessionToken(ctx context.Context, token string) (*domain.User, error)
	CreateSession(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error

	// Ledger. Debit atomically verifies balance >= amount, decrements, and
	// appends a usage entry tagged with jobID -- as one indivisible unit.
	// Concurrent debits for the same user serialize on the balance row.
	// Credit unconditionally increments and appends; a duplicate external
	// ref or refund job ref fails the whole unit with ErrAlreadyApplied.
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	Debit(ctx context.Context, userID uuid.UUID, amount int64, jobID uuid.UUID) (int64, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason domain.CreditReason, meta CreditMeta) (int64, error)
	TransactionByExternalRef(ctx context.Context, ref string) (*domain.CreditTransaction, error)
	TransactionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error)

	// Jobs. Status transitions are monotone: MarkJobDone and MarkJobFailed
	// only apply to jobs still in processing, and report whether the
	// transition happened. A false return with nil error means the job had
	// already reached a terminal state.
	CreateJob(ctx context.Context, job *domain.UpscaleJob) error
	// DeleteJob removes a job row. It exists for submit-time compensation:
	// a job created and then never funded (the debit lost a race) must not
	// linger as a phantom processing job.
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
	JobForUser(ctx context.Context, jobID, userID uuid.UUID) (*domain.UpscaleJob, error)
	MarkJobDone(ctx context.Context, jobID uuid.UUID, outputURL string, completedAt time.Time) (bool, error)
	MarkJobFailed(ctx context.Context, jobID uuid.UUID, errorMsg string) (bool, error)
	StaleJobs(ctx context.Context, olderThan time.Time) ([]domain.UpscaleJob, error)

	// Subscriptions, keyed by the billing provider's subscription ID.
	UpsertActiveSubscription(ctx context.Context, sub *domain.Subscription) error
	SubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
	RenewSubscription(ctx context.Context, externalID string, periodEnd, renewedAt time.Time) error
	CancelSubscription(ctx context.Context, externalID string) error
}
