// Package router implements the provider failover loop: given a CNPJ, pick
// a provider from the pool, consume its rate-limit budget, query it, and
// branch on the outcome until either a record is produced or every
// candidate is exhausted.
package router

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/ratelimiter"
)

var tracer = otel.Tracer("router")

// DefaultPerRequestWait bounds how long route() will wait for any provider
// to come off cooldown before giving up.
const DefaultPerRequestWait = 30 * time.Second

// Limiter is the subset of AdaptiveRateLimiter the router depends on.
type Limiter interface {
	PickProvider(candidates []string) string
	Consume(provider string) bool
	OnSuccess(provider string)
	OnRateLimited(provider string)
	OnTransientError(provider string)
	WaitForAny(ctx context.Context, timeout time.Duration, candidates []string) string
}

var _ Limiter = (*ratelimiter.AdaptiveRateLimiter)(nil)

// Router fans a CNPJ lookup out across the enabled provider pool.
type Router struct {
	limiter        Limiter
	providers      map[string]domain.ProviderClient
	order          []string
	perRequestWait time.Duration
}

// New constructs a Router from the enabled provider clients and the shared
// adaptive limiter that governs them. clients must all have distinct names.
func New(limiter Limiter, clients []domain.ProviderClient, perRequestWait time.Duration) *Router {
	if perRequestWait <= 0 {
		perRequestWait = DefaultPerRequestWait
	}
	providers := make(map[string]domain.ProviderClient, len(clients))
	order := make([]string, 0, len(clients))
	for _, c := range clients {
		providers[c.Name()] = c
		order = append(order, c.Name())
	}
	return &Router{limiter: limiter, providers: providers, order: order, perRequestWait: perRequestWait}
}

// Route resolves a single CNPJ against the provider pool, failing over on
// rate-limit and transient errors until the candidate set is exhausted.
func (r *Router) Route(ctx context.Context, cnpj string) (domain.CompanyRecord, error) {
	ctx, span := tracer.Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(attribute.String("cnpj", cnpj))

	candidates := append([]string(nil), r.order...)

	for len(candidates) > 0 {
		p := r.limiter.PickProvider(candidates)
		if p == "" {
			p = r.limiter.WaitForAny(ctx, r.perRequestWait, candidates)
			if p == "" {
				span.SetAttributes(attribute.String("router.result", "no_provider_available"))
				return domain.CompanyRecord{}, domain.ErrNoProviderAvailable
			}
		}

		if !r.limiter.Consume(p) {
			// Token disappeared between pick and consume (concurrent caller); retry the loop.
			continue
		}

		client, ok := r.providers[p]
		if !ok {
			candidates = remove(candidates, p)
			continue
		}

		outcome, err := client.Query(ctx, cnpj)
		if err != nil {
			r.limiter.OnTransientError(p)
			candidates = remove(candidates, p)
			continue
		}

		switch outcome.Kind {
		case domain.OutcomeOK:
			r.limiter.OnSuccess(p)
			outcome.Record.Provider = p
			span.SetAttributes(attribute.String("router.result", "ok"), attribute.String("router.provider", p))
			return outcome.Record, nil

		case domain.OutcomeNotFound:
			r.limiter.OnSuccess(p)
			span.SetAttributes(attribute.String("router.result", "not_found"))
			return domain.CompanyRecord{}, domain.ErrNotFound

		case domain.OutcomeInvalid:
			r.limiter.OnSuccess(p)
			span.SetAttributes(attribute.String("router.result", "invalid"))
			return domain.CompanyRecord{}, domain.ErrInvalidCNPJ

		case domain.OutcomeRateLimited:
			r.limiter.OnRateLimited(p)
			candidates = remove(candidates, p)

		case domain.OutcomeTransientError:
			r.limiter.OnTransientError(p)
			candidates = remove(candidates, p)

		default:
			r.limiter.OnTransientError(p)
			candidates = remove(candidates, p)
		}
	}

	span.SetAttributes(attribute.String("router.result", "all_providers_failed"))
	return domain.CompanyRecord{}, domain.ErrAllProvidersFailed
}

func remove(candidates []string, name string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

// IsFinal reports whether err is one of the terminal FinalError values
// route() can return, as opposed to a transport-level error.
func IsFinal(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidCNPJ) ||
		errors.Is(err, domain.ErrNoProviderAvailable) ||
		errors.Is(err, domain.ErrAllProvidersFailed)
}
