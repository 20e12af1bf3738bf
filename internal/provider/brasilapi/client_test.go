package brasilapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(20, 2*time.Second)
	c.baseURL = srv.URL
	return c
}

func TestQuery_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"razao_social":"ACME LTDA","nome_fantasia":"ACME","cnae_fiscal":"1234","qsa":[{"nome_socio":"Jane","qualificacao_socio":"Socio"}]}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	outcome, err := c.Query(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, outcome.Kind)
	assert.Equal(t, "ACME LTDA", outcome.Record.LegalName)
	assert.Equal(t, "brasilapi", outcome.Record.Provider)
	require.Len(t, outcome.Record.Partners, 1)
	assert.Equal(t, "Jane", outcome.Record.Partners[0].Name)
}

func TestQuery_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	outcome, err := c.Query(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotFound, outcome.Kind)
}

func TestQuery_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	outcome, err := c.Query(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRateLimited, outcome.Kind)
}

func TestQuery_TransientErrorOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	outcome, err := c.Query(context.Background(), "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTransientError, outcome.Kind)
}

func TestQuery_InvalidOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	outcome, err := c.Query(context.Background(), "00000000000000")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInvalid, outcome.Kind)
}

func TestQuery_DeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	outcome, err := c.Query(ctx, "11222333000181")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTransientError, outcome.Kind)
}
