package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by Store, kept narrow so it
// can be satisfied by pgxmock in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

var tracer = otel.Tracer("store.postgres")

// Store persists JobRecord and CompanyRecord state backed by PostgreSQL.
// It implements domain.JobRepository.
type Store struct{ Pool PgxPool }

// New constructs a Store with the given pool.
func New(p PgxPool) *Store { return &Store{Pool: p} }

var _ domain.JobRepository = (*Store)(nil)

func startSpan(ctx context.Context, name, op, table string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	return ctx, span.End
}

// Enqueue inserts a new queued job for cnpj, or reports the existing
// status if one is already pending or done.
func (s *Store) Enqueue(ctx context.Context, cnpj string) (domain.JobStatus, error) {
	ctx, end := startSpan(ctx, "jobs.Enqueue", "INSERT", "jobs")
	defer end()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("op=jobs.enqueue.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var existing domain.JobStatus
	row := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE cnpj=$1`, cnpj)
	switch err := row.Scan(&existing); {
	case err == nil:
		if existing == domain.JobQueued || existing == domain.JobProcessing {
			return existing, domain.ErrAlreadyPending
		}
		if existing == domain.JobCompleted {
			return existing, domain.ErrAlreadyDone
		}
		// error / rate_limited: fall through and re-queue it.
		now := time.Now().UTC()
		_, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, error_message='', updated_at=$3 WHERE cnpj=$1`,
			cnpj, domain.JobQueued, now)
		if err != nil {
			return "", fmt.Errorf("op=jobs.enqueue.requeue: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		now := time.Now().UTC()
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (cnpj, status, error_message, retry_count, created_at, updated_at) VALUES ($1,$2,'',0,$3,$3)`,
			cnpj, domain.JobQueued, now)
		if err != nil {
			return "", fmt.Errorf("op=jobs.enqueue.insert: %w", err)
		}
	default:
		return "", fmt.Errorf("op=jobs.enqueue.select: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=jobs.enqueue.commit: %w", err)
	}
	committed = true
	return domain.JobQueued, nil
}

// ClaimNext transactionally transitions cnpj's latest job from queued to
// processing. It returns false (no error) if another worker already holds
// the claim or the job has already reached a terminal state.
func (s *Store) ClaimNext(ctx context.Context, cnpj string) (bool, error) {
	ctx, end := startSpan(ctx, "jobs.ClaimNext", "UPDATE", "jobs")
	defer end()

	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status=$2, updated_at=$3 WHERE cnpj=$1 AND status=$4`,
		cnpj, domain.JobProcessing, time.Now().UTC(), domain.JobQueued)
	if err != nil {
		return false, fmt.Errorf("op=jobs.claim_next: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted upserts the enriched CompanyRecord and marks the job
// completed in a single transaction. A unique-constraint violation on the
// company upsert (another run already produced the record) is treated as
// success: the job is still marked completed.
func (s *Store) MarkCompleted(ctx context.Context, cnpj string, record domain.CompanyRecord) error {
	ctx, end := startSpan(ctx, "jobs.MarkCompleted", "UPSERT", "companies")
	defer end()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=jobs.mark_completed.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	partnersJSON, err := json.Marshal(record.Partners)
	if err != nil {
		return fmt.Errorf("op=jobs.mark_completed.marshal_partners: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO companies (
			cnpj, legal_name, trade_name, registration_status, registration_status_date,
			main_activity_code, main_activity_desc, secondary_activity_codes,
			address_street, address_number, address_complement, address_district,
			address_city, address_state, address_zip, email, phone, share_capital,
			legal_nature, opened_at, simples_nacional, simples_nacional_since, mei,
			partners, provider, queried_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (cnpj) DO NOTHING`,
		record.CNPJ, record.LegalName, record.TradeName, record.RegistrationStatus, nullTime(record.RegistrationStatusDate),
		record.MainActivityCode, record.MainActivityDesc, record.SecondaryActivityCodes,
		record.AddressStreet, record.AddressNumber, record.AddressComplement, record.AddressDistrict,
		record.AddressCity, record.AddressState, record.AddressZIP, record.Email, record.Phone, record.ShareCapital,
		record.LegalNature, nullTime(record.OpenedAt), record.SimplesNacional, nullTime(record.SimplesNacionalSince), record.MEI,
		partnersJSON, record.Provider, time.Now().UTC(),
	)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("op=jobs.mark_completed.upsert_company: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE jobs SET status=$2, error_message='', updated_at=$3 WHERE cnpj=$1`,
		cnpj, domain.JobCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.mark_completed.update_job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=jobs.mark_completed.commit: %w", err)
	}
	committed = true
	return nil
}

// MarkError sets a job to its terminal error state with a human-readable reason.
func (s *Store) MarkError(ctx context.Context, cnpj, message string) error {
	return s.setTerminal(ctx, "jobs.MarkError", cnpj, domain.JobError, message)
}

// MarkRateLimited sets a job to the rate_limited state. The row goes back to
// queued only when the CNPJ is submitted again (Enqueue); neither the reaper
// nor RestartQueue resets rate_limited rows.
func (s *Store) MarkRateLimited(ctx context.Context, cnpj, message string) error {
	return s.setTerminal(ctx, "jobs.MarkRateLimited", cnpj, domain.JobRateLimited, message)
}

func (s *Store) setTerminal(ctx context.Context, spanName, cnpj string, status domain.JobStatus, message string) error {
	ctx, end := startSpan(ctx, spanName, "UPDATE", "jobs")
	defer end()

	tag, err := s.Pool.Exec(ctx, `UPDATE jobs SET status=$2, error_message=$3, updated_at=$4 WHERE cnpj=$1`,
		cnpj, status, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=%s: %w", spanName, err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("mark terminal affected 0 rows", slog.String("cnpj", cnpj), slog.String("status", string(status)))
	}
	return nil
}

// Requeue increments retry_count and resets a job back to queued; the
// queue's retry path calls it once the backoff delay has elapsed.
func (s *Store) Requeue(ctx context.Context, cnpj string) error {
	ctx, end := startSpan(ctx, "jobs.Requeue", "UPDATE", "jobs")
	defer end()

	_, err := s.Pool.Exec(ctx, `UPDATE jobs SET status=$2, retry_count=retry_count+1, updated_at=$3 WHERE cnpj=$1`,
		cnpj, domain.JobQueued, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=jobs.requeue: %w", err)
	}
	return nil
}

// FindStuck returns CNPJs whose job has sat in processing past threshold,
// and atomically requeues them so the reaper never double-claims a row
// another reaper tick is also inspecting.
func (s *Store) FindStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	ctx, end := startSpan(ctx, "jobs.FindStuck", "UPDATE", "jobs")
	defer end()

	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.Pool.Query(ctx, `
		UPDATE jobs SET status=$1, updated_at=$2
		WHERE status=$3 AND updated_at < $4
		RETURNING cnpj`,
		domain.JobQueued, time.Now().UTC(), domain.JobProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.find_stuck: %w", err)
	}
	defer rows.Close()

	var cnpjs []string
	for rows.Next() {
		var cnpj string
		if err := rows.Scan(&cnpj); err != nil {
			return nil, fmt.Errorf("op=jobs.find_stuck_scan: %w", err)
		}
		cnpjs = append(cnpjs, cnpj)
	}
	return cnpjs, rows.Err()
}

// LoadPending returns up to limit CNPJs with status queued, oldest first.
// limit <= 0 means unbounded (used by RestartQueue's load_pending(∞)).
func (s *Store) LoadPending(ctx context.Context, limit int) ([]string, error) {
	ctx, end := startSpan(ctx, "jobs.LoadPending", "SELECT", "jobs")
	defer end()

	var rows pgx.Rows
	var err error
	if limit <= 0 {
		rows, err = s.Pool.Query(ctx,
			`SELECT cnpj FROM jobs WHERE status=$1 ORDER BY created_at ASC`, domain.JobQueued)
	} else {
		rows, err = s.Pool.Query(ctx,
			`SELECT cnpj FROM jobs WHERE status=$1 ORDER BY created_at ASC LIMIT $2`,
			domain.JobQueued, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=jobs.load_pending: %w", err)
	}
	defer rows.Close()

	var cnpjs []string
	for rows.Next() {
		var cnpj string
		if err := rows.Scan(&cnpj); err != nil {
			return nil, fmt.Errorf("op=jobs.load_pending_scan: %w", err)
		}
		cnpjs = append(cnpjs, cnpj)
	}
	return cnpjs, rows.Err()
}

// CountByStatus returns job counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	ctx, end := startSpan(ctx, "jobs.CountByStatus", "SELECT", "jobs")
	defer end()

	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=jobs.count_by_status: %w", err)
	}
	defer rows.Close()

	var counts domain.StatusCounts
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, fmt.Errorf("op=jobs.count_by_status_scan: %w", err)
		}
		counts.Total += n
		switch status {
		case domain.JobQueued:
			counts.Queued = n
		case domain.JobProcessing:
			counts.Processing = n
		case domain.JobCompleted:
			counts.Completed = n
		case domain.JobError:
			counts.Error = n
		case domain.JobRateLimited:
			counts.RateLimited = n
		}
	}
	return counts, rows.Err()
}

// RecentJobs returns the most recently updated jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]domain.RecentJob, error) {
	ctx, end := startSpan(ctx, "jobs.RecentJobs", "SELECT", "jobs")
	defer end()

	rows, err := s.Pool.Query(ctx,
		`SELECT cnpj, status, error_message, updated_at FROM jobs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.recent_jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.RecentJob
	for rows.Next() {
		var j domain.RecentJob
		if err := rows.Scan(&j.CNPJ, &j.Status, &j.ErrorMessage, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=jobs.recent_jobs_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Get loads the latest job record for cnpj.
func (s *Store) Get(ctx context.Context, cnpj string) (domain.JobRecord, error) {
	ctx, end := startSpan(ctx, "jobs.Get", "SELECT", "jobs")
	defer end()

	row := s.Pool.QueryRow(ctx,
		`SELECT cnpj, status, error_message, retry_count, created_at, updated_at FROM jobs WHERE cnpj=$1`, cnpj)
	var j domain.JobRecord
	if err := row.Scan(&j.CNPJ, &j.Status, &j.ErrorMessage, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobRecord{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.JobRecord{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	j.ID = j.CNPJ
	return j, nil
}

// DedupeDuplicates removes duplicate job/company rows left over from
// historical multi-row-per-cnpj runs, keeping only the newest job row and
// the single company row per cnpj (companies.cnpj is already unique).
func (s *Store) DedupeDuplicates(ctx context.Context) (int64, int64, error) {
	ctx, end := startSpan(ctx, "jobs.DedupeDuplicates", "DELETE", "jobs")
	defer end()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, 0, fmt.Errorf("op=jobs.dedupe.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	jobsTag, err := tx.Exec(ctx, `
		WITH ranked AS (
			SELECT cnpj, created_at,
				ROW_NUMBER() OVER (PARTITION BY cnpj ORDER BY created_at DESC) AS rn
			FROM jobs
		)
		DELETE FROM jobs USING ranked
		WHERE jobs.cnpj = ranked.cnpj AND jobs.created_at = ranked.created_at AND ranked.rn > 1`)
	if err != nil {
		return 0, 0, fmt.Errorf("op=jobs.dedupe.delete_jobs: %w", err)
	}
	removedJobs := jobsTag.RowsAffected()

	companiesTag, err := tx.Exec(ctx, `
		WITH ranked AS (
			SELECT cnpj, queried_at,
				ROW_NUMBER() OVER (PARTITION BY cnpj ORDER BY queried_at DESC) AS rn
			FROM companies
		)
		DELETE FROM companies USING ranked
		WHERE companies.cnpj = ranked.cnpj AND companies.queried_at = ranked.queried_at AND ranked.rn > 1`)
	if err != nil {
		return 0, 0, fmt.Errorf("op=jobs.dedupe.delete_companies: %w", err)
	}
	removedCompanies := companiesTag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=jobs.dedupe.commit: %w", err)
	}
	committed = true
	return removedJobs, removedCompanies, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
