// Package integration holds testcontainers-backed tests that exercise the
// persistent store and queue restart path against a real Postgres instance.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/queue"
	"github.com/brcorp/cnpj-enrichment-queue/internal/store/postgres"
)

// noopRouter never succeeds; it lets these tests drive a job through the
// retry/exhaustion path without depending on a live provider.
type noopRouter struct{}

func (noopRouter) Route(ctx context.Context, cnpj string) (domain.CompanyRecord, error) {
	return domain.CompanyRecord{}, domain.ErrNoProviderAvailable
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "cnpj"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return "postgres://postgres:postgres@" + host + ":" + port.Port() + "/cnpj?sslmode=disable"
}

// Test_RestartDurability enqueues jobs against one Store-backed process,
// simulates a crash before any job completes, then brings up a second Store
// over the same database and confirms LoadPending returns the jobs still
// queued and FindStuck requeues the one left processing — never losing and
// never duplicating rows.
func Test_RestartDurability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := startPostgres(t)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, postgres.Migrate(ctx, pool))

	store := postgres.New(pool)
	cnpjs := []string{"11222333000181", "11222333000272", "11222333000363"}
	for _, c := range cnpjs {
		_, err := store.Enqueue(ctx, c)
		require.NoError(t, err)
	}

	claimed, err := store.ClaimNext(ctx, cnpjs[0])
	require.NoError(t, err)
	require.True(t, claimed)

	// Simulate the process crashing mid-flight: cnpjs[0] is left "processing"
	// with no terminal state ever recorded, cnpjs[1:] stay "queued".

	restarted := postgres.New(pool)
	pending, err := restarted.LoadPending(ctx, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, cnpjs[1:], pending)

	stuck, err := restarted.FindStuck(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{cnpjs[0]}, stuck)

	job, err := restarted.Get(ctx, cnpjs[0])
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, job.Status)

	counts, err := restarted.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, counts.Total)
	require.EqualValues(t, 3, counts.Queued)
}

// Test_QueueRunLifecycle drives a real Queue against the containerized
// store end to end: Enqueue persists and pushes, Run drains the channel via
// the worker pool, and a provider that always fails lands the job back in
// rate_limited once retries are exhausted.
func Test_QueueRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := startPostgres(t)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, postgres.Migrate(ctx, pool))

	store := postgres.New(pool)
	q := queue.New(queue.Config{
		MaxConcurrent:  2,
		MaxRetries:     0,
		RefillInterval: time.Hour,
		ReaperInterval: time.Hour,
		StuckThreshold: time.Hour,
	}, store, noopRouter{})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(runCtx)
	}()

	const cnpj = "11222333000181"
	_, err = q.Enqueue(ctx, cnpj)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := store.Get(ctx, cnpj)
		return err == nil && job.Status == domain.JobRateLimited
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	<-done
}
