// Package service contains the business logic layer.
//
// This file implements the credit ledger service: balance reads, atomic
// debits, and credits for purchases, grants, bonuses, and refunds.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/metrics"
	"github.com/pixlift/pixlift/internal/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// LedgerService exposes the credit ledger. The balance is derived state: it
// always equals the sum of the user's transaction amounts. Entries are
// append-only; corrections are expressed as new entries.
type LedgerService interface {
	// Balance returns the user's current credit balance.
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)

	// Debit atomically checks balance >= amount, decrements, and appends a
	// usage entry tagged with jobID. Fails with an EPAYMENT error and no
	// mutation when the balance is too low.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, jobID uuid.UUID) (int64, error)

	// Credit increments the balance and appends an entry with the given
	// reason. A duplicate external ref or refund job ref in meta makes the
	// whole call a no-op returning store.ErrAlreadyApplied.
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason domain.CreditReason, meta store.CreditMeta) (int64, error)

	// History returns the user's ledger entries in insertion order.
	History(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error)
}

// =============================================================================
// Implementation
// =============================================================================

type ledgerService struct {
	store  store.Store
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService backed by the given store.
func NewLedgerService(s store.Store, logger *slog.Logger) LedgerService {
	return &ledgerService{store: s, logger: logger}
}

func (s *ledgerService) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "ledger.balance"

	balance, err := s.store.Balance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, domain.NotFound(op, "user", userID.String())
	}
	if err != nil {
		return 0, domain.Internal(err, op, "failed to read balance")
	}
	return balance, nil
}

func (s *ledgerService) Debit(ctx context.Context, userID uuid.UUID, amount int64, jobID uuid.UUID) (int64, error) {
	const op = "ledger.debit"

	if amount <= 0 {
		return 0, domain.Invalid(op, "debit amount must be positive")
	}

	balance, err := s.store.Debit(ctx, userID, amount, jobID)
	if errors.Is(err, store.ErrInsufficientCredits) {
		metrics.InsufficientCredits.Inc()
		return 0, domain.PaymentRequired(op)
	}
	if errors.Is(err, store.ErrNotFound) {
		return 0, domain.NotFound(op, "user", userID.String())
	}
	if err != nil {
		return 0, domain.Internal(err, op, "failed to debit credits")
	}

	metrics.CreditsDebited.Add(float64(amount))
	s.logger.Debug("debited credits", "user_id", userID, "amount", amount, "job_id", jobID, "balance", balance)
	return balance, nil
}

func (s *ledgerService) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason domain.CreditReason, meta store.CreditMeta) (int64, error) {
	const op = "ledger.credit"

	if amount <= 0 {
		return 0, domain.Invalid(op, "credit amount must be positive")
	}
	if !domain.ValidCreditReason(reason) {
		return 0, domain.Invalid(op, "unknown credit reason")
	}

	balance, err := s.store.Credit(ctx, userID, amount, reason, meta)
	if err != nil {
		// ErrAlreadyApplied passes through untouched: callers decide whether
		// a replay is an error or an acknowledged no-op.
		if errors.Is(err, store.ErrAlreadyApplied) || errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		return 0, domain.Internal(err, op, "failed to credit")
	}

	metrics.CreditsGranted.WithLabelValues(string(reason)).Add(float64(amount))
	s.logger.Debug("credited", "user_id", userID, "amount", amount, "reason", reason, "balance", balance)
	return balance, nil
}

func (s *ledgerService) History(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	const op = "ledger.history"

	txns, err := s.store.TransactionsByUser(ctx, userID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list transactions")
	}
	return txns, nil
}
