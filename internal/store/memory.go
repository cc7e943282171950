package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
)

// MemoryStore implements Store with in-process maps. It backs development
// mode and tests, and enforces the same invariants as Postgres: a single
// mutex serializes every mutation, so a debit's check-and-decrement is one
// indivisible unit, and duplicate external refs or refund job refs are
// rejected before anything changes.
type MemoryStore struct {
	mu sync.Mutex

	users         map[uuid.UUID]*domain.User
	sessions      map[string]memorySession // keyed by token hash
	transactions  []domain.CreditTransaction
	externalRefs  map[string]int       // external ref -> index into transactions
	refundedJobs  map[uuid.UUID]bool   // jobs that already carry a refund entry
	jobs          map[uuid.UUID]*domain.UpscaleJob
	subscriptions map[string]*domain.Subscription // keyed by external ID
}

type memorySession struct {
	userID    uuid.UUID
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uuid.UUID]*domain.User),
		sessions:      make(map[string]memorySession),
		externalRefs:  make(map[string]int),
		refundedJobs:  make(map[uuid.UUID]bool),
		jobs:          make(map[uuid.UUID]*domain.UpscaleJob),
		subscriptions: make(map[string]*domain.Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

// =============================================================================
// Users & Sessions
// =============================================================================

func (s *MemoryStore) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.users[user.ID]; exists {
		return ErrAlreadyApplied
	}
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(id)
}

func (s *MemoryStore) getUserLocked(id uuid.UUID) (*domain.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryStore) GetUserBySessionToken(_ context.Context, token string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[hashToken(token)]
	if !ok || time.Now().After(sess.expiresAt) {
		return nil, ErrNotFound
	}
	return s.getUserLocked(sess.userID)
}

func (s *MemoryStore) CreateSession(_ context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[hashToken(token)] = memorySession{userID: userID, expiresAt: expiresAt}
	return nil
}

// =============================================================================
// Ledger
// =============================================================================

func (s *MemoryStore) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return user.Credits, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID uuid.UUID, amount int64, jobID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if user.Credits < amount {
		return 0, ErrInsufficientCredits
	}

	user.Credits -= amount
	s.transactions = append(s.transactions, domain.CreditTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    -amount,
		Reason:    domain.ReasonUsage,
		JobID:     uuid.NullUUID{UUID: jobID, Valid: true},
		CreatedAt: time.Now().UTC(),
	})
	return user.Credits, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID uuid.UUID, amount int64, reason domain.CreditReason, meta CreditMeta) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if meta.ExternalRef != "" {
		if _, dup := s.externalRefs[meta.ExternalRef]; dup {
			return 0, ErrAlreadyApplied
		}
	}
	if reason == domain.ReasonRefund && meta.JobID.Valid && s.refundedJobs[meta.JobID.UUID] {
		return 0, ErrAlreadyApplied
	}

	user.Credits += amount
	s.transactions = append(s.transactions, domain.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		JobID:       meta.JobID,
		ExternalRef: meta.ExternalRef,
		CreatedAt:   time.Now().UTC(),
	})
	if meta.ExternalRef != "" {
		s.externalRefs[meta.ExternalRef] = len(s.transactions) - 1
	}
	if reason == domain.ReasonRefund && meta.JobID.Valid {
		s.refundedJobs[meta.JobID.UUID] = true
	}
	return user.Credits, nil
}

func (s *MemoryStore) TransactionByExternalRef(_ context.Context, ref string) (*domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.externalRefs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	txn := s.transactions[idx]
	return &txn, nil
}

func (s *MemoryStore) TransactionsByUser(_ context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txns []domain.CreditTransaction
	for _, txn := range s.transactions {
		if txn.UserID == userID {
			txns = append(txns, txn)
		}
	}
	return txns, nil
}

// =============================================================================
// Jobs
// =============================================================================

func (s *MemoryStore) CreateJob(_ context.Context, job *domain.UpscaleJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) JobForUser(_ context.Context, jobID, userID uuid.UUID) (*domain.UpscaleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryStore) MarkJobDone(_ context.Context, jobID uuid.UUID, outputURL string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	job.Status = domain.JobStatusDone
	job.OutputURL = outputURL
	job.CompletedAt = &completedAt
	return true, nil
}

func (s *MemoryStore) MarkJobFailed(_ context.Context, jobID uuid.UUID, errorMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusFailed
	job.ErrorMsg = errorMsg
	job.CompletedAt = &now
	return true, nil
}

func (s *MemoryStore) StaleJobs(_ context.Context, olderThan time.Time) ([]domain.UpscaleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.UpscaleJob
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && job.CreatedAt.Before(olderThan) {
			stale = append(stale, *job)
		}
	}
	return stale, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

func (s *MemoryStore) UpsertActiveSubscription(_ context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subscriptions[sub.ExternalID]; ok {
		existing.Status = domain.SubscriptionStatusActive
		existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
		*sub = *existing
		return nil
	}

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Status = domain.SubscriptionStatusActive
	clone := *sub
	s.subscriptions[sub.ExternalID] = &clone
	return nil
}

func (s *MemoryStore) SubscriptionByExternalID(_ context.Context, externalID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *sub
	return &clone, nil
}

func (s *MemoryStore) RenewSubscription(_ context.Context, externalID string, periodEnd, renewedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return ErrNotFound
	}
	sub.CurrentPeriodEnd = periodEnd
	sub.RenewedAt = &renewedAt
	return nil
}

func (s *MemoryStore) CancelSubscription(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscriptions[externalID]; ok {
		sub.Status = domain.SubscriptionStatusCancelled
	}
	return nil
}
