// Package queue drives the worker pool that pulls queued CNPJs off an
// in-memory channel, routes them through the provider pool, and persists
// the terminal outcome. It also runs the periodic refill and stuck-job
// reaper tasks that keep the in-memory queue in sync with PersistentStore.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/observability"
)

var tracer = otel.Tracer("queue")

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Router is the subset of the provider failover loop the queue depends on.
type Router interface {
	Route(ctx context.Context, cnpj string) (domain.CompanyRecord, error)
}

// Config bounds the worker pool and its periodic maintenance tasks.
type Config struct {
	MaxConcurrent  int
	MaxRetries     int
	RefillInterval time.Duration
	ReaperInterval time.Duration
	StuckThreshold time.Duration
	MinInterval    time.Duration
}

// Queue owns the in-memory job channel, the worker pool draining it, and
// the background refill/reaper tasks.
type Queue struct {
	cfg    Config
	store  domain.JobRepository
	router Router

	ch        chan string
	inFlight  map[string]struct{}
	inFlightM sync.Mutex

	paceMu   sync.Mutex
	nextFree time.Time

	wg sync.WaitGroup
}

// New constructs a Queue. The in-memory channel is sized generously so
// refill never blocks on a full worker pool.
func New(cfg Config, store domain.JobRepository, router Router) *Queue {
	return &Queue{
		cfg:      cfg,
		store:    store,
		router:   router,
		ch:       make(chan string, 4096),
		inFlight: make(map[string]struct{}),
	}
}

// CanonicalizeCNPJ strips non-digits and validates the 14-digit shape.
func CanonicalizeCNPJ(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) != 14 {
		return "", domain.ErrInvalidArgument
	}
	return digits, nil
}

// Enqueue canonicalizes and persists cnpj, pushing it to the in-memory
// channel only when it is newly queued.
func (q *Queue) Enqueue(ctx context.Context, raw string) (domain.JobStatus, error) {
	cnpj, err := CanonicalizeCNPJ(raw)
	if err != nil {
		return "", domain.ErrInvalidCNPJ
	}

	status, err := q.store.Enqueue(ctx, cnpj)
	switch {
	case errors.Is(err, domain.ErrAlreadyPending), errors.Is(err, domain.ErrAlreadyDone):
		return status, err
	case err != nil:
		return "", err
	}

	observability.RecordEnqueue()
	q.push(cnpj)
	return status, nil
}

// PushExisting pushes an already-persisted queued CNPJ onto the in-memory
// channel without re-running the enqueue contract. Used by the reaper, the
// refill task, and Supervisor.RestartQueue.
func (q *Queue) PushExisting(cnpj string) { q.push(cnpj) }

func (q *Queue) push(cnpj string) {
	q.inFlightM.Lock()
	if _, dup := q.inFlight[cnpj]; dup {
		q.inFlightM.Unlock()
		return
	}
	q.inFlight[cnpj] = struct{}{}
	q.inFlightM.Unlock()

	select {
	case q.ch <- cnpj:
	default:
		slog.Warn("in-memory queue full, dropping push; refill will pick it up later", slog.String("cnpj", cnpj))
		q.inFlightM.Lock()
		delete(q.inFlight, cnpj)
		q.inFlightM.Unlock()
	}
}

func (q *Queue) release(cnpj string) {
	q.inFlightM.Lock()
	delete(q.inFlight, cnpj)
	q.inFlightM.Unlock()
}

func (q *Queue) inFlightCount() int {
	q.inFlightM.Lock()
	defer q.inFlightM.Unlock()
	return len(q.inFlight)
}

// Run starts the worker pool plus the refill and reaper background tasks.
// It blocks until ctx is cancelled, then waits for in-flight workers to
// finish their current route() call.
func (q *Queue) Run(ctx context.Context) {
	for i := 0; i < q.cfg.MaxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.wg.Add(2)
	go q.refillLoop(ctx)
	go q.reaperLoop(ctx)

	<-ctx.Done()
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cnpj := <-q.ch:
			q.process(ctx, cnpj)
			q.release(cnpj)
		}
	}
}

func (q *Queue) process(ctx context.Context, cnpj string) {
	ctx, span := tracer.Start(ctx, "queue.process")
	defer span.End()
	span.SetAttributes(attribute.String("cnpj", cnpj))

	claimed, err := q.store.ClaimNext(ctx, cnpj)
	if err != nil {
		slog.Error("claim failed", slog.String("cnpj", cnpj), slog.Any("error", err))
		return
	}
	if !claimed {
		return
	}

	q.awaitPacing(ctx)

	record, err := q.router.Route(ctx, cnpj)
	q.commitOutcome(ctx, cnpj, record, err)
}

// awaitPacing blocks until MIN_INTERVAL has elapsed since the last call's
// start, enforcing a single shared global rate across all workers.
func (q *Queue) awaitPacing(ctx context.Context) {
	if q.cfg.MinInterval <= 0 {
		return
	}
	q.paceMu.Lock()
	now := time.Now()
	wait := q.nextFree.Sub(now)
	if wait < 0 {
		wait = 0
	}
	q.nextFree = now.Add(wait + q.cfg.MinInterval)
	q.paceMu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (q *Queue) commitOutcome(ctx context.Context, cnpj string, record domain.CompanyRecord, routeErr error) {
	switch {
	case routeErr == nil:
		if err := q.store.MarkCompleted(ctx, cnpj, record); err != nil {
			slog.Error("mark completed failed", slog.String("cnpj", cnpj), slog.Any("error", err))
			return
		}
		observability.RecordCompleted()

	case errors.Is(routeErr, domain.ErrNotFound), errors.Is(routeErr, domain.ErrInvalidCNPJ):
		if err := q.store.MarkError(ctx, cnpj, routeErr.Error()); err != nil {
			slog.Error("mark error failed", slog.String("cnpj", cnpj), slog.Any("error", err))
		}
		observability.RecordFailed("error")

	case errors.Is(routeErr, domain.ErrNoProviderAvailable), errors.Is(routeErr, domain.ErrAllProvidersFailed):
		q.retryOrExhaust(ctx, cnpj, routeErr)

	default:
		if err := q.store.MarkError(ctx, cnpj, routeErr.Error()); err != nil {
			slog.Error("mark error failed", slog.String("cnpj", cnpj), slog.Any("error", err))
		}
		observability.RecordFailed("error")
	}
}

func (q *Queue) retryOrExhaust(ctx context.Context, cnpj string, cause error) {
	job, err := q.store.Get(ctx, cnpj)
	if err != nil {
		slog.Error("get job for retry decision failed", slog.String("cnpj", cnpj), slog.Any("error", err))
		return
	}

	if job.RetryCount < q.cfg.MaxRetries {
		delay := backoffDelay(job.RetryCount + 1)
		observability.RecordRequeue("provider_exhausted")
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := q.store.Requeue(ctx, cnpj); err != nil {
				slog.Error("requeue after backoff failed", slog.String("cnpj", cnpj), slog.Any("error", err))
				return
			}
			q.push(cnpj)
		}()
		return
	}

	// provider-exhaustion (no candidate ever usable) is rate_limited; a full
	// failover pass where every provider actively failed is error.
	if errors.Is(cause, domain.ErrNoProviderAvailable) {
		if err := q.store.MarkRateLimited(ctx, cnpj, cause.Error()); err != nil {
			slog.Error("mark rate limited failed", slog.String("cnpj", cnpj), slog.Any("error", err))
		}
		observability.RecordFailed("rate_limited")
		return
	}

	if err := q.store.MarkError(ctx, cnpj, cause.Error()); err != nil {
		slog.Error("mark error failed", slog.String("cnpj", cnpj), slog.Any("error", err))
	}
	observability.RecordFailed("error")
}

// backoffDelay implements min(2^retry_count, 8) seconds by walking a
// cenkalti/backoff ExponentialBackOff forward retryCount steps from its
// initial interval.
func backoffDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	b.RandomizationFactor = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i <= retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) refillLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.refillOnce(ctx)
		}
	}
}

func (q *Queue) refillOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "queue.refill")
	defer span.End()

	target := cap(q.ch)
	if q.inFlightCount() >= target {
		return
	}
	n := target - q.inFlightCount()
	cnpjs, err := q.store.LoadPending(ctx, n)
	if err != nil {
		slog.Error("refill load pending failed", slog.Any("error", err))
		return
	}
	for _, cnpj := range cnpjs {
		q.push(cnpj)
	}
}

func (q *Queue) reaperLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.reapOnce(ctx)
		}
	}
}

// ReapNow runs one synchronous stuck-job sweep, requeuing any processing row
// past StuckThreshold. Supervisor.Start calls this once on boot, before the
// reaper's ticker loop would otherwise fire, so a crash-restart promotes
// abandoned processing rows before the admin surface admits new work.
func (q *Queue) ReapNow(ctx context.Context) { q.reapOnce(ctx) }

func (q *Queue) reapOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "queue.reap")
	defer span.End()

	cnpjs, err := q.store.FindStuck(ctx, q.cfg.StuckThreshold)
	if err != nil {
		slog.Error("reaper find stuck failed", slog.Any("error", err))
		return
	}
	if len(cnpjs) > 0 {
		slog.Info("reaper requeued stuck jobs", slog.Int("count", len(cnpjs)))
	}
	for _, cnpj := range cnpjs {
		observability.RecordRequeue("stuck")
		q.push(cnpj)
	}
}
