package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pixlift/pixlift/internal/domain"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// PostgresStore implements Store against Postgres.
//
// Atomicity model: every ledger mutation runs in a transaction that updates
// the cached balance and inserts the entry together. The overdraw check is a
// conditional UPDATE (credits >= amount) so concurrent debits serialize on
// the user's row lock instead of racing a read-then-write. Idempotency is a
// unique index on the external ref (and on refund job refs), with insert
// failure mapped to ErrAlreadyApplied.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore on an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// hashToken returns the hex SHA-256 of a session token. Only hashes are
// stored, so a leaked sessions table cannot be replayed.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// =============================================================================
// Users & Sessions
// =============================================================================

func (s *PostgresStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, credits, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Name, user.Credits, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, credits, created_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetUserBySessionToken(ctx context.Context, token string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.name, u.credits, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1 AND s.expires_at > now()
	`, hashToken(token))
	return scanUser(row)
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, hashToken(token), userID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Credits, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// =============================================================================
// Ledger
// =============================================================================

func (s *PostgresStore) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return credits, nil
}

func (s *PostgresStore) Debit(ctx context.Context, userID uuid.UUID, amount int64, jobID uuid.UUID) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	// Conditional decrement: zero rows means the balance was too low (or the
	// user is missing), and nothing has been mutated.
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET credits = credits - $1
		WHERE id = $2 AND credits >= $1
	`, amount, userID)
	if err != nil {
		return 0, fmt.Errorf("decrement balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, reason, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), userID, -amount, domain.ReasonUsage, jobID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert usage entry: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("select new balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason domain.CreditReason, meta CreditMeta) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users SET credits = credits + $1
		WHERE id = $2
		RETURNING credits
	`, amount, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}

	var externalRef sql.NullString
	if meta.ExternalRef != "" {
		externalRef = sql.NullString{String: meta.ExternalRef, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, reason, job_id, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), userID, amount, reason, meta.JobID, externalRef, time.Now().UTC())
	if err != nil {
		// Unique index hit: either this external ref was already credited or
		// this job already has its refund. Rollback undoes the increment.
		if isUniqueViolation(err) {
			return 0, ErrAlreadyApplied
		}
		return 0, fmt.Errorf("insert credit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) TransactionByExternalRef(ctx context.Context, ref string) (*domain.CreditTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, reason, job_id, external_ref, created_at
		FROM credit_transactions WHERE external_ref = $1
	`, ref)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, reason, job_id, external_ref, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.CreditTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.CreditTransaction, error) {
	var (
		txn         domain.CreditTransaction
		reason      string
		externalRef sql.NullString
	)
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Amount, &reason, &txn.JobID, &externalRef, &txn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	txn.Reason = domain.CreditReason(reason)
	txn.ExternalRef = externalRef.String
	return &txn, nil
}

// =============================================================================
// Jobs
// =============================================================================

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.UpscaleJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upscale_jobs (id, user_id, category, provider, scale, status, input_url, credits_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.UserID, job.Category, job.Provider, job.Scale, job.Status, job.InputURL, job.CreditsUsed, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upscale_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *PostgresStore) JobForUser(ctx context.Context, jobID, userID uuid.UUID) (*domain.UpscaleJob, error) {
	// Ownership is folded into the lookup: a job owned by someone else is
	// indistinguishable from a missing one.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, category, provider, scale, status, input_url,
		       COALESCE(output_url, ''), COALESCE(error_msg, ''), credits_used, created_at, completed_at
		FROM upscale_jobs
		WHERE id = $1 AND user_id = $2
	`, jobID, userID)
	return scanJob(row)
}

func (s *PostgresStore) MarkJobDone(ctx context.Context, jobID uuid.UUID, outputURL string, completedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upscale_jobs
		SET status = $1, output_url = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, domain.JobStatusDone, outputURL, completedAt, jobID, domain.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark job done: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark done rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, jobID uuid.UUID, errorMsg string) (bool, error) {
	// The status guard makes this transition happen-once: a retried failure
	// handler sees zero rows and skips its refund.
	res, err := s.db.ExecContext(ctx, `
		UPDATE upscale_jobs
		SET status = $1, error_msg = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, domain.JobStatusFailed, errorMsg, time.Now().UTC(), jobID, domain.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) StaleJobs(ctx context.Context, olderThan time.Time) ([]domain.UpscaleJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, provider, scale, status, input_url,
		       COALESCE(output_url, ''), COALESCE(error_msg, ''), credits_used, created_at, completed_at
		FROM upscale_jobs
		WHERE status = $1 AND created_at < $2
	`, domain.JobStatusProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.UpscaleJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row *sql.Row) (*domain.UpscaleJob, error) {
	return scanJobFrom(row.Scan)
}

func scanJobRow(rows *sql.Rows) (*domain.UpscaleJob, error) {
	return scanJobFrom(rows.Scan)
}

func scanJobFrom(scan func(dest ...any) error) (*domain.UpscaleJob, error) {
	var (
		job         domain.UpscaleJob
		completedAt sql.NullTime
	)
	err := scan(&job.ID, &job.UserID, &job.Category, &job.Provider, &job.Scale, &job.Status,
		&job.InputURL, &job.OutputURL, &job.ErrorMsg, &job.CreditsUsed, &job.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

func (s *PostgresStore) UpsertActiveSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	// On conflict the subscription is reactivated with a fresh period end;
	// plan and grant are left as originally created.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan, status, external_id, monthly_credits, current_period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_id) DO UPDATE
		SET status = EXCLUDED.status, current_period_end = EXCLUDED.current_period_end
	`, sub.ID, sub.UserID, sub.Plan, domain.SubscriptionStatusActive, sub.ExternalID,
		sub.MonthlyCredits, sub.CurrentPeriodEnd, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) SubscriptionByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan, status, external_id, monthly_credits, current_period_end, renewed_at, created_at
		FROM subscriptions WHERE external_id = $1
	`, externalID)

	var (
		sub       domain.Subscription
		renewedAt sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Plan, &sub.Status, &sub.ExternalID,
		&sub.MonthlyCredits, &sub.CurrentPeriodEnd, &renewedAt, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if renewedAt.Valid {
		t := renewedAt.Time
		sub.RenewedAt = &t
	}
	return &sub, nil
}

func (s *PostgresStore) RenewSubscription(ctx context.Context, externalID string, periodEnd, renewedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET current_period_end = $1, renewed_at = $2
		WHERE external_id = $3
	`, periodEnd, renewedAt, externalID)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, externalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1 WHERE external_id = $2
	`, domain.SubscriptionStatusCancelled, externalID)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}
