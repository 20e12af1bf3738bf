package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204, got %d", rec.Result().StatusCode)
	}
}

func TestJobAndProviderMetricHelpers(t *testing.T) {
	InitMetrics()
	RecordEnqueue()
	RecordCompleted()
	RecordFailed("error")
	RecordRequeue("stuck")
	RecordProviderOutcome("brasilapi", "ok", 120*time.Millisecond)
	SetProviderGauges("brasilapi", 12, 0.8, false)
}
