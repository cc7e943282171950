package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/provider"
	"github.com/pixlift/pixlift/internal/provider/mock"
	"github.com/pixlift/pixlift/internal/router"
	"github.com/pixlift/pixlift/internal/storage"
	"github.com/pixlift/pixlift/internal/store"
	"github.com/pixlift/pixlift/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// outputServer serves a small real PNG, standing in for a provider-hosted
// result URL.
func outputServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	store    *store.MemoryStore
	ledger   LedgerService
	claid    *mock.Provider
	fal      *mock.Provider
	runware  *mock.Provider
	executor *worker.Executor
	svc      *upscaleService
	userID   uuid.UUID
}

func newFixture(t *testing.T, credits int64, cfg UpscaleConfig) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	user := &domain.User{Email: "test@example.com", Credits: credits}
	require.NoError(t, st.CreateUser(context.Background(), user))

	ledger := NewLedgerService(st, discardLogger())

	claid := mock.New(domain.ProviderClaid, discardLogger())
	fal := mock.New(domain.ProviderFal, discardLogger())
	runware := mock.New(domain.ProviderRunware, discardLogger())
	registry := provider.NewRegistry(claid, fal, runware)

	files, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, discardLogger())
	require.NoError(t, err)

	wcfg := worker.DefaultConfig()
	wcfg.Concurrency = 2
	executor, err := worker.New(wcfg, discardLogger())
	require.NoError(t, err)
	executor.Start(context.Background())
	t.Cleanup(executor.Stop)

	svc := NewUpscaleService(st, ledger, registry, files, executor, cfg, nil, discardLogger()).(*upscaleService)

	return &fixture{
		store:    st,
		ledger:   ledger,
		claid:    claid,
		fal:      fal,
		runware:  runware,
		executor: executor,
		svc:      svc,
		userID:   user.ID,
	}
}

// waitTerminal polls until the job reaches done or failed.
func (f *fixture) waitTerminal(t *testing.T, jobID uuid.UUID) *domain.UpscaleJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.svc.GetJob(context.Background(), jobID, f.userID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestSubmitSuccessChargesOnce(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{})
	srv := outputServer(t)
	f.fal.UpscaleResponse = &provider.Result{OutputURL: srv.URL + "/out.png"}

	job, err := f.svc.Submit(context.Background(), f.userID, SubmitParams{
		Category: domain.CategoryAnime,
		Scale:    2,
		InputURL: "https://example.com/in.png",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, domain.ProviderFal, job.Provider, "anime routes to fal")

	done := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, done.Status)
	assert.NotEmpty(t, done.OutputURL)
	assert.NotNil(t, done.CompletedAt)

	balance, err := f.ledger.Balance(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)

	txns, err := f.ledger.History(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.ReasonUsage, txns[0].Reason)
	assert.Equal(t, int64(-4), txns[0].Amount)
	assert.Equal(t, job.ID, txns[0].JobID.UUID)
}

func TestSubmitProviderFailureRefunds(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{})
	f.claid.UpscaleError = errors.New("upstream rejected the image")

	job, err := f.svc.Submit(context.Background(), f.userID, SubmitParams{
		Category: domain.CategoryPortrait,
		Scale:    4,
		InputURL: "https://example.com/in.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderClaid, job.Provider, "portrait routes to claid")

	failed := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.NotEmpty(t, failed.ErrorMsg)

	balance, err := f.ledger.Balance(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "usage and refund should net to zero")

	txns, err := f.ledger.History(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.ReasonUsage, txns[0].Reason)
	assert.Equal(t, domain.ReasonRefund, txns[1].Reason)
	assert.Equal(t, int64(4), txns[1].Amount)
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newFixture(t, 3, UpscaleConfig{})

	_, err := f.svc.Submit(context.Background(), f.userID, SubmitParams{
		Category: domain.CategoryClarity,
		Scale:    2,
		InputURL: "https://example.com/in.jpg",
	})
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))

	// No job, no ledger entry.
	txns, err := f.ledger.History(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Empty(t, txns)

	balance, err := f.ledger.Balance(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{})

	tests := []struct {
		name   string
		params SubmitParams
	}{
		{"unknown category", SubmitParams{Category: "landscape", Scale: 2, InputURL: "https://x/i.jpg"}},
		{"bad scale", SubmitParams{Category: domain.CategoryAnime, Scale: 3, InputURL: "https://x/i.jpg"}},
		{"missing input", SubmitParams{Category: domain.CategoryAnime, Scale: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), f.userID, tt.params)
			require.Error(t, err)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		})
	}
}

func TestDoubleFailureRefundsOnce(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{})
	ctx := context.Background()

	job := &domain.UpscaleJob{
		UserID:      f.userID,
		Category:    domain.CategoryAnime,
		Provider:    domain.ProviderFal,
		Scale:       2,
		Status:      domain.JobStatusProcessing,
		InputURL:    "https://example.com/in.jpg",
		CreditsUsed: domain.CreditsPerUpscale,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	_, err := f.ledger.Debit(ctx, f.userID, domain.CreditsPerUpscale, job.ID)
	require.NoError(t, err)

	f.svc.failAndRefund(ctx, *job, "first failure")
	f.svc.failAndRefund(ctx, *job, "second failure")

	balance, err := f.ledger.Balance(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "exactly one refund")

	txns, err := f.ledger.History(ctx, f.userID)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestFallbackProvider(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{FallbackEnabled: true})
	srv := outputServer(t)

	// anime: primary fal fails, fallback runware succeeds
	f.fal.UpscaleError = errors.New("fal is down")
	f.runware.UpscaleResponse = &provider.Result{OutputURL: srv.URL + "/out.png"}

	job, err := f.svc.Submit(context.Background(), f.userID, SubmitParams{
		Category: domain.CategoryAnime,
		Scale:    2,
		InputURL: "https://example.com/in.png",
	})
	require.NoError(t, err)

	done := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, done.Status)
	assert.Equal(t, 1, f.fal.UpscaleCalls())
	assert.Equal(t, 1, f.runware.UpscaleCalls())

	balance, err := f.ledger.Balance(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance, "single charge even with fallback")
}

func TestFallbackDisabledByDefault(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{})
	f.fal.UpscaleError = errors.New("fal is down")

	job, err := f.svc.Submit(context.Background(), f.userID, SubmitParams{
		Category: domain.CategoryAnime,
		Scale:    2,
		InputURL: "https://example.com/in.png",
	})
	require.NoError(t, err)

	failed := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, 0, f.runware.UpscaleCalls(), "fallback should not run when disabled")
}

func TestGetJobOwnership(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{})
	srv := outputServer(t)
	f.fal.UpscaleResponse = &provider.Result{OutputURL: srv.URL + "/out.png"}

	job, err := f.svc.Submit(context.Background(), f.userID, SubmitParams{
		Category: domain.CategoryAnime,
		Scale:    2,
		InputURL: "https://example.com/in.png",
	})
	require.NoError(t, err)

	_, err = f.svc.GetJob(context.Background(), job.ID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, 10, UpscaleConfig{StaleJobThreshold: time.Minute})
	ctx := context.Background()

	job := &domain.UpscaleJob{
		UserID:      f.userID,
		Category:    domain.CategoryProduct,
		Provider:    domain.ProviderClaid,
		Scale:       2,
		Status:      domain.JobStatusProcessing,
		InputURL:    "https://example.com/in.jpg",
		CreditsUsed: domain.CreditsPerUpscale,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	_, err := f.ledger.Debit(ctx, f.userID, domain.CreditsPerUpscale, job.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.RecoverStale(ctx))

	recovered, err := f.svc.GetJob(ctx, job.ID, f.userID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, recovered.Status)

	balance, err := f.ledger.Balance(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "stale job should be refunded")
}

// deadlineStore refuses calls whose context is already done, the way
// database-backed stores do.
type deadlineStore struct {
	*store.MemoryStore
}

func (s *deadlineStore) MarkJobFailed(ctx context.Context, jobID uuid.UUID, errorMsg string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.MarkJobFailed(ctx, jobID, errorMsg)
}

func (s *deadlineStore) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason domain.CreditReason, meta store.CreditMeta) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.MemoryStore.Credit(ctx, userID, amount, reason, meta)
}

func TestTimedOutTaskStillFailsAndRefunds(t *testing.T) {
	ctx := context.Background()
	st := &deadlineStore{MemoryStore: store.NewMemoryStore()}
	user := &domain.User{Email: "test@example.com", Credits: 10}
	require.NoError(t, st.CreateUser(ctx, user))

	ledger := NewLedgerService(st, discardLogger())

	fal := mock.New(domain.ProviderFal, discardLogger())
	fal.Delay = time.Second
	registry := provider.NewRegistry(
		mock.New(domain.ProviderClaid, discardLogger()),
		fal,
		mock.New(domain.ProviderRunware, discardLogger()),
	)

	files, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, discardLogger())
	require.NoError(t, err)

	svc := NewUpscaleService(st, ledger, registry, files, nil, UpscaleConfig{}, nil, discardLogger()).(*upscaleService)

	job := &domain.UpscaleJob{
		UserID:      user.ID,
		Category:    domain.CategoryAnime,
		Provider:    domain.ProviderFal,
		Scale:       2,
		Status:      domain.JobStatusProcessing,
		InputURL:    "https://example.com/in.jpg",
		CreditsUsed: domain.CreditsPerUpscale,
	}
	require.NoError(t, st.CreateJob(ctx, job))
	_, err = ledger.Debit(ctx, user.ID, domain.CreditsPerUpscale, job.ID)
	require.NoError(t, err)

	// The provider outlives the task deadline, so process picks up an
	// already-expired context for its failure handling.
	taskCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.process(taskCtx, *job, router.Route{
		Primary:  domain.ProviderFal,
		Fallback: domain.ProviderRunware,
	}))

	got, err := svc.GetJob(ctx, job.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMsg)

	balance, err := ledger.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "refund must land despite the dead task context")

	txns, err := ledger.History(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.ReasonRefund, txns[1].Reason)
}
