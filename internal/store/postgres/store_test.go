package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/store/postgres"
)

func TestEnqueue_NewCNPJ(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectBegin()
	m.ExpectQuery(`SELECT status FROM jobs WHERE cnpj=\$1`).
		WithArgs("11222333000181").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectExec(`INSERT INTO jobs`).
		WithArgs("11222333000181", domain.JobQueued, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectCommit()

	status, err := s.Enqueue(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, status)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestEnqueue_AlreadyPending(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectBegin()
	rows := pgxmock.NewRows([]string{"status"}).AddRow(string(domain.JobProcessing))
	m.ExpectQuery(`SELECT status FROM jobs WHERE cnpj=\$1`).
		WithArgs("11222333000181").
		WillReturnRows(rows)
	m.ExpectRollback()

	_, err = s.Enqueue(context.Background(), "11222333000181")
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)
}

func TestEnqueue_AlreadyDone(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectBegin()
	rows := pgxmock.NewRows([]string{"status"}).AddRow(string(domain.JobCompleted))
	m.ExpectQuery(`SELECT status FROM jobs WHERE cnpj=\$1`).
		WithArgs("11222333000181").
		WillReturnRows(rows)
	m.ExpectRollback()

	_, err = s.Enqueue(context.Background(), "11222333000181")
	assert.ErrorIs(t, err, domain.ErrAlreadyDone)
}

func TestClaimNext_Success(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectExec(`UPDATE jobs SET status=\$2, updated_at=\$3 WHERE cnpj=\$1 AND status=\$4`).
		WithArgs("11222333000181", domain.JobProcessing, pgxmock.AnyArg(), domain.JobQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	claimed, err := s.ClaimNext(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimNext_AlreadyClaimed(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectExec(`UPDATE jobs SET status=\$2, updated_at=\$3 WHERE cnpj=\$1 AND status=\$4`).
		WithArgs("11222333000181", domain.JobProcessing, pgxmock.AnyArg(), domain.JobQueued).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	claimed, err := s.ClaimNext(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMarkCompleted_UniqueViolationTreatedAsSuccess(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectBegin()
	m.ExpectExec(`INSERT INTO companies`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	m.ExpectExec(`UPDATE jobs SET status=\$2`).
		WithArgs("11222333000181", domain.JobCompleted, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	record := domain.CompanyRecord{CNPJ: "11222333000181", LegalName: "ACME"}
	err = s.MarkCompleted(context.Background(), "11222333000181", record)
	require.NoError(t, err)
}

func TestGet_NotFound(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	m.ExpectQuery(`SELECT cnpj, status, error_message, retry_count, created_at, updated_at FROM jobs WHERE cnpj=\$1`).
		WithArgs("11222333000181").
		WillReturnError(pgx.ErrNoRows)

	_, err = s.Get(context.Background(), "11222333000181")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	rows := pgxmock.NewRows([]string{"status", "count"}).
		AddRow(string(domain.JobQueued), int64(2)).
		AddRow(string(domain.JobCompleted), int64(5))
	m.ExpectQuery(`SELECT status, COUNT\(\*\) FROM jobs GROUP BY status`).WillReturnRows(rows)

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Queued)
	assert.EqualValues(t, 5, counts.Completed)
	assert.EqualValues(t, 7, counts.Total)
}

func TestFindStuck(t *testing.T) {
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	s := postgres.New(m)

	rows := pgxmock.NewRows([]string{"cnpj"}).AddRow("11222333000181")
	m.ExpectQuery(`UPDATE jobs SET status=\$1, updated_at=\$2`).WillReturnRows(rows)

	cnpjs, err := s.FindStuck(context.Background(), 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"11222333000181"}, cnpjs)
}
