package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlift/pixlift/internal/domain"
)

func newTestUser(t *testing.T, s *MemoryStore, credits int64) *domain.User {
	t.Helper()
	user := &domain.User{Email: "test@example.com", Name: "Test", Credits: credits}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func TestDebitInsufficientCredits(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 3)

	_, err := s.Debit(context.Background(), user.ID, 4, uuid.New())
	require.ErrorIs(t, err, ErrInsufficientCredits)

	// No mutation happened: balance and ledger are untouched.
	balance, err := s.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	txns, err := s.TransactionsByUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestDebitAppendsUsageEntry(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 10)
	jobID := uuid.New()

	balance, err := s.Debit(context.Background(), user.ID, 4, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)

	txns, err := s.TransactionsByUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-4), txns[0].Amount)
	assert.Equal(t, domain.ReasonUsage, txns[0].Reason)
	assert.Equal(t, jobID, txns[0].JobID.UUID)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 4)

	// Each debit requires the full balance; at most one may succeed.
	const n = 20
	var wg sync.WaitGroup
	succeeded := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Debit(context.Background(), user.ID, 4, uuid.New()); err == nil {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	assert.Len(t, succeeded, 1)

	balance, err := s.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestBalanceEqualsLedgerSum(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 0)
	ctx := context.Background()

	_, err := s.Credit(ctx, user.ID, 40, domain.ReasonPurchase, CreditMeta{ExternalRef: "order-1"})
	require.NoError(t, err)
	_, err = s.Debit(ctx, user.ID, 4, uuid.New())
	require.NoError(t, err)
	_, err = s.Credit(ctx, user.ID, 200, domain.ReasonSubscriptionRenewal, CreditMeta{ExternalRef: "sub-1/2026-10-01"})
	require.NoError(t, err)
	_, err = s.Debit(ctx, user.ID, 4, uuid.New())
	require.NoError(t, err)

	txns, err := s.TransactionsByUser(ctx, user.ID)
	require.NoError(t, err)
	var sum int64
	for _, txn := range txns {
		sum += txn.Amount
	}

	balance, err := s.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, int64(232), balance)
}

func TestCreditDuplicateExternalRef(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 0)
	ctx := context.Background()

	_, err := s.Credit(ctx, user.ID, 120, domain.ReasonPurchase, CreditMeta{ExternalRef: "order-77"})
	require.NoError(t, err)

	_, err = s.Credit(ctx, user.ID, 120, domain.ReasonPurchase, CreditMeta{ExternalRef: "order-77"})
	require.ErrorIs(t, err, ErrAlreadyApplied)

	balance, err := s.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)
}

func TestCreditDuplicateRefundForJob(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 0)
	ctx := context.Background()
	jobID := uuid.New()
	meta := CreditMeta{JobID: uuid.NullUUID{UUID: jobID, Valid: true}}

	_, err := s.Credit(ctx, user.ID, 4, domain.ReasonRefund, meta)
	require.NoError(t, err)

	_, err = s.Credit(ctx, user.ID, 4, domain.ReasonRefund, meta)
	require.ErrorIs(t, err, ErrAlreadyApplied)

	balance, err := s.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestJobTransitionsAreMonotone(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 10)
	ctx := context.Background()

	job := &domain.UpscaleJob{
		UserID:      user.ID,
		Category:    domain.CategoryAnime,
		Provider:    domain.ProviderFal,
		Scale:       4,
		Status:      domain.JobStatusProcessing,
		InputURL:    "https://cdn.example.com/input/a.png",
		CreditsUsed: domain.CreditsPerUpscale,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	applied, err := s.MarkJobFailed(ctx, job.ID, "provider timeout")
	require.NoError(t, err)
	assert.True(t, applied)

	// Second failure attempt is a no-op.
	applied, err = s.MarkJobFailed(ctx, job.ID, "provider timeout")
	require.NoError(t, err)
	assert.False(t, applied)

	// Terminal state never reverts to done either.
	applied, err = s.MarkJobDone(ctx, job.ID, "https://cdn.example.com/output/a.png", time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.JobForUser(ctx, job.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "provider timeout", got.ErrorMsg)
}

func TestJobForUserOwnership(t *testing.T) {
	s := NewMemoryStore()
	owner := newTestUser(t, s, 10)
	ctx := context.Background()

	other := &domain.User{Email: "other@example.com", Name: "Other"}
	require.NoError(t, s.CreateUser(ctx, other))

	job := &domain.UpscaleJob{
		UserID:   owner.ID,
		Category: domain.CategoryPortrait,
		Provider: domain.ProviderClaid,
		Scale:    2,
		Status:   domain.JobStatusProcessing,
		InputURL: "https://cdn.example.com/input/b.jpg",
	}
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.JobForUser(ctx, job.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.JobForUser(ctx, job.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestSubscriptionUpsertAndLifecycle(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 0)
	ctx := context.Background()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()
	sub := &domain.Subscription{
		UserID:           user.ID,
		Plan:             "basic",
		ExternalID:       "ls-sub-1",
		MonthlyCredits:   200,
		CurrentPeriodEnd: periodEnd,
	}
	require.NoError(t, s.UpsertActiveSubscription(ctx, sub))

	got, err := s.SubscriptionByExternalID(ctx, "ls-sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.Equal(t, int64(200), got.MonthlyCredits)

	require.NoError(t, s.CancelSubscription(ctx, "ls-sub-1"))
	got, err = s.SubscriptionByExternalID(ctx, "ls-sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCancelled, got.Status)

	// Resume reactivates the same row rather than creating a second one.
	newEnd := periodEnd.Add(30 * 24 * time.Hour)
	require.NoError(t, s.UpsertActiveSubscription(ctx, &domain.Subscription{
		UserID:           user.ID,
		Plan:             "basic",
		ExternalID:       "ls-sub-1",
		MonthlyCredits:   200,
		CurrentPeriodEnd: newEnd,
	}))
	got, err = s.SubscriptionByExternalID(ctx, "ls-sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.WithinDuration(t, newEnd, got.CurrentPeriodEnd, time.Second)
}

func TestSessionLookup(t *testing.T) {
	s := NewMemoryStore()
	user := newTestUser(t, s, 0)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, user.ID, "tok-abc", time.Now().Add(time.Hour)))

	got, err := s.GetUserBySessionToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = s.GetUserBySessionToken(ctx, "tok-wrong")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CreateSession(ctx, user.ID, "tok-old", time.Now().Add(-time.Minute)))
	_, err = s.GetUserBySessionToken(ctx, "tok-old")
	assert.ErrorIs(t, err, ErrNotFound)
}
