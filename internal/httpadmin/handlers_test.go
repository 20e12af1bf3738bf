package httpadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/queue"
	"github.com/brcorp/cnpj-enrichment-queue/internal/supervisor"
)

type fakeStore struct {
	jobs   map[string]domain.JobRecord
	counts domain.StatusCounts
	recent []domain.RecentJob

	dedupeJobs, dedupeCompanies int64
}

func newFakeStore() *fakeStore { return &fakeStore{jobs: make(map[string]domain.JobRecord)} }

func (f *fakeStore) Enqueue(ctx context.Context, cnpj string) (domain.JobStatus, error) {
	if j, ok := f.jobs[cnpj]; ok {
		if j.Status == domain.JobCompleted {
			return j.Status, domain.ErrAlreadyDone
		}
		return j.Status, domain.ErrAlreadyPending
	}
	f.jobs[cnpj] = domain.JobRecord{CNPJ: cnpj, Status: domain.JobQueued}
	return domain.JobQueued, nil
}
func (f *fakeStore) ClaimNext(ctx context.Context, cnpj string) (bool, error) { return false, nil }
func (f *fakeStore) MarkCompleted(ctx context.Context, cnpj string, record domain.CompanyRecord) error {
	return nil
}
func (f *fakeStore) MarkError(ctx context.Context, cnpj, message string) error       { return nil }
func (f *fakeStore) MarkRateLimited(ctx context.Context, cnpj, message string) error { return nil }
func (f *fakeStore) Requeue(ctx context.Context, cnpj string) error                  { return nil }
func (f *fakeStore) FindStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) LoadPending(ctx context.Context, limit int) ([]string, error) { return nil, nil }
func (f *fakeStore) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	return f.counts, nil
}
func (f *fakeStore) RecentJobs(ctx context.Context, limit int) ([]domain.RecentJob, error) {
	return f.recent, nil
}
func (f *fakeStore) DedupeDuplicates(ctx context.Context) (int64, int64, error) {
	return f.dedupeJobs, f.dedupeCompanies, nil
}
func (f *fakeStore) Get(ctx context.Context, cnpj string) (domain.JobRecord, error) {
	j, ok := f.jobs[cnpj]
	if !ok {
		return domain.JobRecord{}, domain.ErrNotFound
	}
	return j, nil
}

type noopRouter struct{}

func (noopRouter) Route(ctx context.Context, cnpj string) (domain.CompanyRecord, error) {
	return domain.CompanyRecord{}, domain.ErrNoProviderAvailable
}

func newTestServer() (*Server, *fakeStore) {
	store := newFakeStore()
	q := queue.New(queue.Config{MaxConcurrent: 1}, store, noopRouter{})
	sup := supervisor.New(store, q, false)
	return NewServer(sup), store
}

func TestStatusHandler_OK(t *testing.T) {
	s, store := newTestServer()
	store.counts = domain.StatusCounts{Total: 5, Completed: 2}
	store.recent = []domain.RecentJob{{CNPJ: "11222333000181", Status: domain.JobCompleted}}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body supervisor.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 5, body.Total)
	assert.Len(t, body.Recent, 1)
}

func TestRestartHandler_OK(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/restart", nil)
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body supervisor.RestartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Restarted)
}

func TestCleanupHandler_OK(t *testing.T) {
	s, store := newTestServer()
	store.dedupeJobs = 3
	store.dedupeCompanies = 1

	req := httptest.NewRequest(http.MethodPost, "/cleanup-duplicates", nil)
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body supervisor.CleanupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body.RemovedJobRecords)
	assert.EqualValues(t, 1, body.RemovedCompanyRecords)
}

func TestSubmitHandler_MixedAcks(t *testing.T) {
	s, store := newTestServer()
	store.jobs["11222333000199"] = domain.JobRecord{CNPJ: "11222333000199", Status: domain.JobCompleted}

	payload, err := json.Marshal(map[string][]string{
		"cnpjs": {"11.222.333/0001-81", "11.222.333/0001-99", "bad"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]supervisor.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["results"], 3)
	assert.Equal(t, supervisor.AckQueued, body["results"][0].Status)
	assert.Equal(t, supervisor.AckAlreadyDone, body["results"][1].Status)
	assert.Equal(t, supervisor.AckInvalid, body["results"][2].Status)
}

func TestSubmitHandler_BadJSON(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzHandler(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeadersPresent(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
