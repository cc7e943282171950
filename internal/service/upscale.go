package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/metrics"
	"github.com/pixlift/pixlift/internal/provider"
	"github.com/pixlift/pixlift/internal/router"
	"github.com/pixlift/pixlift/internal/storage"
	"github.com/pixlift/pixlift/internal/store"
	"github.com/pixlift/pixlift/internal/worker"
)

// =============================================================================
// Interface Definition
// =============================================================================

// UpscaleService owns the upscale job lifecycle: submission with payment,
// asynchronous execution against the routed provider, and the fail-and-refund
// path. A submitted job is visible immediately in the processing state; it
// reaches done or failed exactly once.
type UpscaleService interface {
	// Submit validates the request, charges the user, creates the job, and
	// hands it to the background executor. Insufficient balance rejects the
	// request with an EPAYMENT error before any job exists.
	Submit(ctx context.Context, userID uuid.UUID, params SubmitParams) (*domain.UpscaleJob, error)

	// GetJob returns the caller's job, or an ENOTFOUND error when the job
	// doesn't exist or belongs to someone else.
	GetJob(ctx context.Context, jobID, userID uuid.UUID) (*domain.UpscaleJob, error)

	// RecoverStale fails jobs stuck in processing longer than the configured
	// threshold, refunding each through the usual happens-once path. Called
	// on startup to clean up after crashes.
	RecoverStale(ctx context.Context) error
}

// SubmitParams carries a validated-later upscale request.
type SubmitParams struct {
	Category domain.Category
	Scale    int
	InputURL string
}

// UpscaleConfig holds lifecycle tuning for the upscale service.
type UpscaleConfig struct {
	// FallbackEnabled retries a failed primary provider on the category's
	// fallback provider before failing the job. The user is charged once
	// either way.
	FallbackEnabled bool

	// StaleJobThreshold is how long a job may sit in processing before
	// RecoverStale fails it.
	StaleJobThreshold time.Duration

	// MaxDownloadBytes caps the size of the provider output we re-persist.
	MaxDownloadBytes int64
}

// thumbnail bounding box, longest side
const thumbSize = 512

// failAndRefund gets its own deadline because the task context that brought
// us here is usually already expired.
const refundTimeout = 30 * time.Second

// =============================================================================
// Implementation
// =============================================================================

type upscaleService struct {
	store     store.Store
	ledger    LedgerService
	providers provider.Registry
	files     storage.Storage
	executor  *worker.Executor
	config    UpscaleConfig
	client    *http.Client
	logger    *slog.Logger
}

// NewUpscaleService wires the job lifecycle together. The httpClient fetches
// provider-hosted output bytes; pass nil for a default.
func NewUpscaleService(
	s store.Store,
	ledger LedgerService,
	providers provider.Registry,
	files storage.Storage,
	executor *worker.Executor,
	config UpscaleConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) UpscaleService {
	if config.StaleJobThreshold == 0 {
		config.StaleJobThreshold = 15 * time.Minute
	}
	if config.MaxDownloadBytes == 0 {
		config.MaxDownloadBytes = 100 << 20 // 100 MiB
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &upscaleService{
		store:     s,
		ledger:    ledger,
		providers: providers,
		files:     files,
		executor:  executor,
		config:    config,
		client:    httpClient,
		logger:    logger,
	}
}

func (s *upscaleService) Submit(ctx context.Context, userID uuid.UUID, params SubmitParams) (*domain.UpscaleJob, error) {
	const op = "upscale.submit"

	if !domain.ValidCategory(params.Category) {
		return nil, domain.Invalid(op, fmt.Sprintf("unknown category %q", params.Category))
	}
	if !domain.ValidScale(params.Scale) {
		return nil, domain.Invalid(op, "scale must be 2 or 4")
	}
	if params.InputURL == "" {
		return nil, domain.Invalid(op, "input image URL is required")
	}

	route, err := router.RouteFor(params.Category)
	if err != nil {
		return nil, err
	}

	// Cheap precheck so the common insufficient-balance case never creates a
	// job row. The debit below is the authoritative atomic check.
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < domain.CreditsPerUpscale {
		metrics.InsufficientCredits.Inc()
		return nil, domain.PaymentRequired(op)
	}

	job := &domain.UpscaleJob{
		ID:          uuid.New(),
		UserID:      userID,
		Category:    params.Category,
		Provider:    route.Primary,
		Scale:       params.Scale,
		Status:      domain.JobStatusProcessing,
		InputURL:    params.InputURL,
		CreditsUsed: domain.CreditsPerUpscale,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, domain.Internal(err, op, "failed to create job")
	}

	// The ledger usage entry references the job row, so the job is created
	// first and removed again if the debit loses a concurrent race.
	if _, err := s.ledger.Debit(ctx, userID, domain.CreditsPerUpscale, job.ID); err != nil {
		if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
			s.logger.Error("failed to remove unfunded job", "job_id", job.ID, "error", delErr)
		}
		return nil, err
	}

	if err := s.executor.Enqueue(worker.Task{
		Name: "upscale",
		Run: func(taskCtx context.Context) error {
			return s.process(taskCtx, *job, route)
		},
	}); err != nil {
		metrics.QueueRejections.Inc()
		s.failAndRefund(ctx, *job, "service is at capacity, credits refunded")
		return nil, domain.Unavailable(worker.ErrQueueFull, op, "Service is at capacity. Your credits were refunded, please retry shortly.")
	}

	metrics.JobsSubmitted.WithLabelValues(string(job.Category), string(job.Provider)).Inc()
	s.logger.Info("upscale job submitted",
		"job_id", job.ID,
		"user_id", userID,
		"category", job.Category,
		"provider", job.Provider,
		"scale", job.Scale,
	)
	return job, nil
}

func (s *upscaleService) GetJob(ctx context.Context, jobID, userID uuid.UUID) (*domain.UpscaleJob, error) {
	const op = "upscale.get_job"

	job, err := s.store.JobForUser(ctx, jobID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "job", jobID.String())
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load job")
	}
	return job, nil
}

func (s *upscaleService) RecoverStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.StaleJobThreshold)
	stale, err := s.store.StaleJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}

	for _, job := range stale {
		s.logger.Warn("recovering stale job", "job_id", job.ID, "created_at", job.CreatedAt)
		s.failAndRefund(ctx, job, "job timed out")
	}

	if len(stale) > 0 {
		s.logger.Info("stale job recovery complete", "count", len(stale))
	}
	return nil
}

// =============================================================================
// Background Execution
// =============================================================================

// process runs one job to a terminal state. All errors end in failAndRefund;
// nothing propagates to the executor beyond logging.
func (s *upscaleService) process(ctx context.Context, job domain.UpscaleJob, route router.Route) error {
	start := time.Now()
	logger := s.logger.With("job_id", job.ID, "category", job.Category)

	result, usedProvider, err := s.runProviders(ctx, job, route, logger)
	if err != nil {
		logger.Error("upscale failed", "error", err)
		s.failAndRefund(ctx, job, err.Error())
		metrics.JobsCompleted.WithLabelValues(string(job.Category), string(job.Provider), string(domain.JobStatusFailed)).Inc()
		return nil
	}

	outputURL, err := s.persistOutput(ctx, job, result.OutputURL, logger)
	if err != nil {
		logger.Error("failed to persist output", "error", err)
		s.failAndRefund(ctx, job, "failed to store upscaled image")
		metrics.JobsCompleted.WithLabelValues(string(job.Category), string(job.Provider), string(domain.JobStatusFailed)).Inc()
		return nil
	}

	applied, err := s.store.MarkJobDone(ctx, job.ID, outputURL, time.Now().UTC())
	if err != nil {
		logger.Error("failed to mark job done", "error", err)
		return nil
	}
	if !applied {
		// Already terminal, most likely failed by stale recovery while we
		// were still running. The refund stands; drop the output.
		logger.Warn("job already terminal, discarding result")
		return nil
	}

	metrics.JobsCompleted.WithLabelValues(string(job.Category), string(usedProvider), string(domain.JobStatusDone)).Inc()
	metrics.JobDuration.WithLabelValues(string(usedProvider)).Observe(time.Since(start).Seconds())
	logger.Info("upscale job done", "provider", usedProvider, "duration", time.Since(start))
	return nil
}

// runProviders calls the primary provider and, when enabled, the category's
// fallback. Returns the provider that actually produced the result.
func (s *upscaleService) runProviders(ctx context.Context, job domain.UpscaleJob, route router.Route, logger *slog.Logger) (provider.Result, domain.Provider, error) {
	req := provider.Request{
		ImageURL: job.InputURL,
		Category: job.Category,
		Scale:    job.Scale,
	}

	primary, err := s.providers.Lookup(route.Primary)
	if err != nil {
		return provider.Result{}, "", err
	}

	result, primaryErr := primary.Upscale(ctx, req)
	if primaryErr == nil {
		return result, route.Primary, nil
	}

	if !s.config.FallbackEnabled || route.Fallback == route.Primary {
		return provider.Result{}, "", primaryErr
	}

	logger.Warn("primary provider failed, trying fallback",
		"primary", route.Primary,
		"fallback", route.Fallback,
		"error", primaryErr,
	)

	fallback, err := s.providers.Lookup(route.Fallback)
	if err != nil {
		return provider.Result{}, "", primaryErr
	}
	result, fallbackErr := fallback.Upscale(ctx, req)
	if fallbackErr != nil {
		return provider.Result{}, "", fmt.Errorf("primary: %v; fallback: %w", primaryErr, fallbackErr)
	}
	return result, route.Fallback, nil
}

// persistOutput downloads the provider-hosted result and re-stores it in our
// own storage, plus a best-effort thumbnail. Provider URLs are often
// temporary, so the job's output URL always points at our copy.
func (s *upscaleService) persistOutput(ctx context.Context, job domain.UpscaleJob, providerURL string, logger *slog.Logger) (string, error) {
	data, contentType, err := s.download(ctx, providerURL)
	if err != nil {
		return "", fmt.Errorf("download output: %w", err)
	}

	key := storage.OutputKey(job.UserID, job.ID, contentType)
	err = s.files.Put(ctx, key, bytes.NewReader(data), storage.PutOptions{
		ContentType: contentType,
		Overwrite:   true,
		Public:      true,
	})
	if err != nil {
		return "", fmt.Errorf("store output: %w", err)
	}

	if err := s.storeThumbnail(ctx, job, data); err != nil {
		// Thumbnails are a convenience; the job still succeeds without one.
		logger.Warn("failed to store thumbnail", "error", err)
	}

	url, err := s.files.URL(ctx, key, 0)
	if err != nil {
		return "", fmt.Errorf("output URL: %w", err)
	}
	return url, nil
}

func (s *upscaleService) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d fetching output", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxDownloadBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > s.config.MaxDownloadBytes {
		return nil, "", fmt.Errorf("output exceeds %d bytes", s.config.MaxDownloadBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (s *upscaleService) storeThumbnail(ctx context.Context, job domain.UpscaleJob, data []byte) error {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode output: %w", err)
	}

	thumb := imaging.Fit(img, thumbSize, thumbSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpeg.DefaultQuality)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	return s.files.Put(ctx, storage.ThumbKey(job.UserID, job.ID), &buf, storage.PutOptions{
		ContentType: "image/jpeg",
		Overwrite:   true,
		Public:      true,
	})
}

// failAndRefund moves the job to failed and refunds its credits. Both halves
// are happens-once: the status guard in MarkJobFailed gates the refund, and
// the refund's unique job ref absorbs any race that slips past it.
func (s *upscaleService) failAndRefund(ctx context.Context, job domain.UpscaleJob, errorMsg string) {
	// A hung provider is the usual way in here, which means ctx is already
	// past its deadline. The terminal-state write and the refund must still
	// land, so detach from cancellation and give them a fresh bound.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	applied, err := s.store.MarkJobFailed(ctx, job.ID, errorMsg)
	if err != nil {
		s.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		s.logger.Debug("job already terminal, no refund", "job_id", job.ID)
		return
	}

	_, err = s.ledger.Credit(ctx, job.UserID, job.CreditsUsed, domain.ReasonRefund, store.CreditMeta{
		JobID: uuid.NullUUID{UUID: job.ID, Valid: true},
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		s.logger.Debug("refund already applied", "job_id", job.ID)
		return
	}
	if err != nil {
		// The job is failed but the user keeps the charge; this needs a human.
		s.logger.Error("refund failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
		return
	}

	s.logger.Info("job failed and refunded",
		"job_id", job.ID,
		"user_id", job.UserID,
		"credits", job.CreditsUsed,
		"reason", errorMsg,
	)
}
