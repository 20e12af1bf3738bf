// Package supervisor owns the job queue's process-wide lifecycle (start,
// boot-time auto-restart, shutdown) over an already-built store and queue,
// and exposes the transport-agnostic administrative surface (submit, status
// snapshot, restart, cleanup) that internal/httpadmin wraps over HTTP.
package supervisor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/observability"
	"github.com/brcorp/cnpj-enrichment-queue/internal/queue"
)

var tracer = otel.Tracer("supervisor")

var submitValidator = validator.New()

// maxSubmitBatch bounds one Submit call; larger batches should be split by
// the caller rather than held in a single in-memory slice.
const maxSubmitBatch = 1000

// submitBatch is the struct go-playground/validator checks Submit's
// cnpjs argument against before any row reaches the queue.
type submitBatch struct {
	CNPJs []string `validate:"required,min=1,max=1000,dive,required"`
}

// Ack status values returned per CNPJ from Submit.
const (
	AckQueued      = "queued"
	AckAlreadyPend = "already_pending"
	AckAlreadyDone = "already_done"
	AckInvalid     = "invalid"
)

// SubmitResult is the per-CNPJ acknowledgement returned by Submit.
type SubmitResult struct {
	CNPJ   string `json:"cnpj"`
	Status string `json:"status"`
}

// RecentJobView is the trimmed shape returned in a StatusSnapshot.
type RecentJobView struct {
	CNPJ         string `json:"cnpj"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusSnapshot is the transport-agnostic shape returned by StatusSnapshot.
type StatusSnapshot struct {
	Total       int64           `json:"total"`
	Completed   int64           `json:"completed"`
	Processing  int64           `json:"processing"`
	Error       int64           `json:"error"`
	Queued      int64           `json:"queued"`
	RateLimited int64           `json:"rate_limited"`
	Recent      []RecentJobView `json:"recent"`
}

// RestartResult is returned by RestartQueue.
type RestartResult struct {
	Restarted   bool `json:"restarted"`
	LoadedCount int  `json:"loaded_count"`
}

// CleanupResult is returned by CleanupDuplicates.
type CleanupResult struct {
	RemovedJobRecords     int64 `json:"removed_jobrecords"`
	RemovedCompanyRecords int64 `json:"removed_companyrecords"`
}

const recentJobsLimit = 100

// Supervisor coordinates the store and queue and exposes the admin API.
type Supervisor struct {
	store            domain.JobRepository
	queue            *queue.Queue
	autoRestart      bool
	cancelQueue      context.CancelFunc
	queueRunningDone chan struct{}
}

// New constructs a Supervisor. Start must be called before Submit or the
// other administrative operations are meaningful.
func New(store domain.JobRepository, q *queue.Queue, autoRestartQueue bool) *Supervisor {
	return &Supervisor{store: store, queue: q, autoRestart: autoRestartQueue}
}

// Start launches the job queue's worker pool plus its refill/reaper
// background tasks, and, when AUTO_RESTART_QUEUE is set, promotes long-stuck
// processing rows and loads all currently queued CNPJs from the store before
// returning — the caller (cmd/supervisor) only starts admitting new work
// over the admin HTTP surface once Start has returned. The queue's
// background tasks run for the process lifetime and are only stopped by
// Shutdown, so they are deliberately not tied to ctx's cancellation — a
// caller that bounds Start with a startup timeout (as cmd/supervisor does)
// must not have that timeout also tear down the queue the moment Start
// returns.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "supervisor.Start")
	defer span.End()

	queueCtx, cancel := context.WithCancel(context.Background())
	s.cancelQueue = cancel
	s.queueRunningDone = make(chan struct{})
	go func() {
		defer close(s.queueRunningDone)
		s.queue.Run(queueCtx)
	}()

	if s.autoRestart {
		s.queue.ReapNow(ctx)

		result, err := s.RestartQueue(ctx)
		if err != nil {
			return err
		}
		slog.Info("auto restart loaded pending jobs", slog.Int("loaded_count", result.LoadedCount))
	}
	return nil
}

// Shutdown stops admitting new work and waits for the queue's background
// goroutines to return.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.cancelQueue == nil {
		return
	}
	s.cancelQueue()
	select {
	case <-s.queueRunningDone:
	case <-ctx.Done():
		slog.Warn("supervisor shutdown deadline exceeded waiting for queue to drain")
	}
}

// Submit enqueues a batch of raw CNPJ strings, returning a per-item
// acknowledgement in submission order. The batch itself (non-empty, at most
// maxSubmitBatch entries, no blank CNPJ string) is validated before any row
// reaches the queue; a batch that fails that check is acked invalid in full.
func (s *Supervisor) Submit(ctx context.Context, cnpjs []string) []SubmitResult {
	batchID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "supervisor.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("submit.count", len(cnpjs)),
		attribute.String("submit.batch_id", batchID),
	)

	lg := observability.LoggerFromContext(ctx).With(slog.String("batch_id", batchID))

	if err := submitValidator.Struct(submitBatch{CNPJs: cnpjs}); err != nil {
		lg.Error("submit batch rejected", slog.Int("count", len(cnpjs)), slog.Any("error", err))
		results := make([]SubmitResult, len(cnpjs))
		for i, raw := range cnpjs {
			results[i] = SubmitResult{CNPJ: raw, Status: AckInvalid}
		}
		return results
	}

	results := make([]SubmitResult, 0, len(cnpjs))
	for _, raw := range cnpjs {
		status, err := s.queue.Enqueue(ctx, raw)
		switch {
		case errors.Is(err, domain.ErrInvalidCNPJ):
			results = append(results, SubmitResult{CNPJ: raw, Status: AckInvalid})
		case errors.Is(err, domain.ErrAlreadyPending):
			results = append(results, SubmitResult{CNPJ: raw, Status: AckAlreadyPend})
		case errors.Is(err, domain.ErrAlreadyDone):
			results = append(results, SubmitResult{CNPJ: raw, Status: AckAlreadyDone})
		case err != nil:
			lg.Error("submit enqueue failed", slog.String("cnpj", raw), slog.Any("error", err))
			results = append(results, SubmitResult{CNPJ: raw, Status: AckInvalid})
		default:
			results = append(results, SubmitResult{CNPJ: raw, Status: string(status)})
		}
	}
	return results
}

// StatusSnapshot returns job counts by status plus the most recently
// updated jobs, newest first.
func (s *Supervisor) StatusSnapshot(ctx context.Context) (StatusSnapshot, error) {
	ctx, span := tracer.Start(ctx, "supervisor.StatusSnapshot")
	defer span.End()

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	recent, err := s.store.RecentJobs(ctx, recentJobsLimit)
	if err != nil {
		return StatusSnapshot{}, err
	}

	views := make([]RecentJobView, 0, len(recent))
	for _, j := range recent {
		views = append(views, RecentJobView{CNPJ: j.CNPJ, Status: string(j.Status), ErrorMessage: j.ErrorMessage})
	}

	return StatusSnapshot{
		Total:       counts.Total,
		Completed:   counts.Completed,
		Processing:  counts.Processing,
		Error:       counts.Error,
		Queued:      counts.Queued,
		RateLimited: counts.RateLimited,
		Recent:      views,
	}, nil
}

// RestartQueue loads every currently queued CNPJ from the store into the
// in-memory queue. It is idempotent: calling it twice in a row simply
// re-loads the same pending set (already in-flight CNPJs are deduplicated
// by the queue's push()).
func (s *Supervisor) RestartQueue(ctx context.Context) (RestartResult, error) {
	ctx, span := tracer.Start(ctx, "supervisor.RestartQueue")
	defer span.End()

	cnpjs, err := s.store.LoadPending(ctx, 0)
	if err != nil {
		return RestartResult{}, err
	}
	for _, cnpj := range cnpjs {
		s.queue.PushExisting(cnpj)
	}
	return RestartResult{Restarted: true, LoadedCount: len(cnpjs)}, nil
}

// CleanupDuplicates runs the store's administrative duplicate-row cleanup.
func (s *Supervisor) CleanupDuplicates(ctx context.Context) (CleanupResult, error) {
	ctx, span := tracer.Start(ctx, "supervisor.CleanupDuplicates")
	defer span.End()

	jobs, companies, err := s.store.DedupeDuplicates(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	return CleanupResult{RemovedJobRecords: jobs, RemovedCompanyRecords: companies}, nil
}
