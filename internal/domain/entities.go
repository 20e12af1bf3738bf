// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrInvalidCNPJ         = errors.New("invalid cnpj")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrAlreadyPending      = errors.New("already pending")
	ErrAlreadyDone         = errors.New("already done")
)

// JobStatus captures the lifecycle state of the latest JobRecord for a CNPJ.
type JobStatus string

// Job status values.
const (
	JobQueued      JobStatus = "queued"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobError       JobStatus = "error"
	JobRateLimited JobStatus = "rate_limited"
)

// JobRecord is the domain model for one CNPJ-submission attempt stream.
//
// Invariants: cnpj uniquely identifies the latest attempt; status=processing
// implies updated_at was set when the worker claimed it; status=completed
// implies a corresponding CompanyRecord exists.
//
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=CompanyRepository --with-expecter --filename=company_repository_mock.go
type JobRecord struct {
	ID           string
	CNPJ         string
	Status       JobStatus
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Partner is a shareholding/administrative partner of a company.
type Partner struct {
	Name          string
	Qualification string
	Since         time.Time
}

// CompanyRecord is the normalized result persisted once per CNPJ.
//
// Fields a given provider cannot supply are left zero-valued; only CNPJ and
// Provider are mandatory.
type CompanyRecord struct {
	CNPJ                   string
	LegalName              string
	TradeName              string
	RegistrationStatus     string
	RegistrationStatusDate time.Time
	MainActivityCode       string
	MainActivityDesc       string
	SecondaryActivityCodes []string
	AddressStreet          string
	AddressNumber          string
	AddressComplement      string
	AddressDistrict        string
	AddressCity            string
	AddressState           string
	AddressZIP             string
	Email                  string
	Phone                  string
	ShareCapital           float64
	LegalNature            string
	OpenedAt               time.Time
	SimplesNacional        bool
	SimplesNacionalSince   time.Time
	MEI                    bool
	Partners               []Partner
	Provider               string
	QueriedAt              time.Time
}

// ProviderOutcomeKind tags the result of a single ProviderClient.Query call.
type ProviderOutcomeKind string

// Outcome kinds a ProviderClient may return. Clients never retry or sleep
// internally; that policy lives entirely in the router.
const (
	OutcomeOK             ProviderOutcomeKind = "ok"
	OutcomeNotFound       ProviderOutcomeKind = "not_found"
	OutcomeRateLimited    ProviderOutcomeKind = "rate_limited"
	OutcomeTransientError ProviderOutcomeKind = "transient_error"
	OutcomeInvalid        ProviderOutcomeKind = "invalid"
)

// ProviderOutcome is the tagged union a ProviderClient returns for one query.
type ProviderOutcome struct {
	Kind   ProviderOutcomeKind
	Record CompanyRecord
	Cause  error
}

// ProviderClient is the external capability contract for one CNPJ data
// source (C3). Implementations perform exactly one HTTP round trip; they
// must not retry or sleep.
type ProviderClient interface {
	Name() string
	LimitPerMinute() int
	Query(ctx context.Context, cnpj string) (ProviderOutcome, error)
}

// StatusCounts is the aggregate count of JobRecords by status.
type StatusCounts struct {
	Total        int64
	Queued       int64
	Processing   int64
	Completed    int64
	Error        int64
	RateLimited  int64
}

// RecentJob is a trimmed JobRecord projection for status_snapshot's recent list.
type RecentJob struct {
	CNPJ         string
	Status       JobStatus
	ErrorMessage string
	UpdatedAt    time.Time
}

// JobRepository is the durable port for JobRecord state transitions (C5).
type JobRepository interface {
	// Enqueue canonicalizes cnpj and inserts a queued row unless one is
	// already pending or done; returns the resulting status.
	Enqueue(ctx context.Context, cnpj string) (JobStatus, error)
	// ClaimNext transitions the latest JobRecord for cnpj from queued to
	// processing. Returns false if no claimable row exists.
	ClaimNext(ctx context.Context, cnpj string) (bool, error)
	// MarkCompleted upserts record and marks the JobRecord completed in one
	// transaction. A unique-constraint violation on the upsert is treated as
	// success (a prior run already persisted the record).
	MarkCompleted(ctx context.Context, cnpj string, record CompanyRecord) error
	MarkError(ctx context.Context, cnpj, message string) error
	MarkRateLimited(ctx context.Context, cnpj, message string) error
	// Requeue increments retry_count and sets status back to queued.
	Requeue(ctx context.Context, cnpj string) error
	// FindStuck returns CNPJs whose latest row is processing and stale past
	// threshold, setting those rows back to queued in the same operation.
	FindStuck(ctx context.Context, threshold time.Duration) ([]string, error)
	// LoadPending returns up to limit oldest queued CNPJs not yet claimed.
	LoadPending(ctx context.Context, limit int) ([]string, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)
	RecentJobs(ctx context.Context, limit int) ([]RecentJob, error)
	// DedupeDuplicates keeps only the newest row per CNPJ in both tables.
	DedupeDuplicates(ctx context.Context) (removedJobs, removedCompanies int64, err error)
	Get(ctx context.Context, cnpj string) (JobRecord, error)
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
