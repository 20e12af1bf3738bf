// Package provider defines the shared ProviderClient scaffolding used by
// each concrete CNPJ registry integration (receitaws, cnpja, brasilapi).
package provider

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient builds an *http.Client wrapped with an OTEL-instrumented
// transport, scoped to a single provider call deadline. Timeout bounds every
// request; a deadline already on the request's context applies as well.
func NewHTTPClient(timeout time.Duration, spanName string) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			if spanName != "" {
				return spanName
			}
			return operation
		}),
	)
	return &http.Client{Timeout: timeout, Transport: transport}
}
