package ratelimiter

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/observability"
)

var tracer = otel.Tracer("ratelimiter")

// providerState is the in-memory, never-persisted bookkeeping for one
// provider (spec's ProviderState).
type providerState struct {
	name    string
	enabled bool
	bucket  *Bucket

	mu                    sync.Mutex
	lastUsedTs            time.Time
	cooldownUntil         time.Time
	consecutiveErrors     int
	consecutiveSuccesses  int
}

// Config bundles the tunables AdaptiveRateLimiter needs; kept separate from
// internal/config.Config so this package has no import-cycle on config.
type Config struct {
	SafetyLow          float64
	SafetyHigh         float64
	SafetyThreshold    int
	CooldownBase       time.Duration
	CooldownMax        time.Duration
}

// AdaptiveRateLimiter owns one bucket per provider, selects the best
// provider for the next request, and adjusts safety factors on feedback.
type AdaptiveRateLimiter struct {
	cfg       Config
	providers map[string]*providerState
	order     []string

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// ProviderSpec describes one provider to register with the limiter.
type ProviderSpec struct {
	Name    string
	Limit   int
	Enabled bool
}

// New constructs an AdaptiveRateLimiter from the given provider specs.
func New(cfg Config, specs []ProviderSpec) *AdaptiveRateLimiter {
	l := &AdaptiveRateLimiter{
		cfg:       cfg,
		providers: make(map[string]*providerState, len(specs)),
		wakeCh:    make(chan struct{}, 1),
	}
	for _, s := range specs {
		initial := cfg.SafetyHigh
		if s.Limit <= cfg.SafetyThreshold {
			initial = cfg.SafetyLow
		}
		l.providers[s.Name] = &providerState{
			name:    s.Name,
			enabled: s.Enabled,
			bucket:  NewBucket(s.Limit, initial),
		}
		l.order = append(l.order, s.Name)
	}
	return l
}

// candidateScore is an internal scoring result for PickProvider.
type candidateScore struct {
	name  string
	score float64
}

// PickProvider returns the best provider among candidates, or "" if none has
// a full token right now.
func (l *AdaptiveRateLimiter) PickProvider(candidates []string) string {
	_, span := tracer.Start(context.Background(), "AdaptiveRateLimiter.PickProvider")
	defer span.End()

	now := time.Now()
	var scored []candidateScore
	for _, name := range candidates {
		ps, ok := l.providers[name]
		if !ok || !ps.enabled {
			continue
		}
		ps.mu.Lock()
		inCooldown := now.Before(ps.cooldownUntil)
		lastUsed := ps.lastUsedTs
		errCount := ps.consecutiveErrors
		ps.mu.Unlock()
		if inCooldown {
			continue
		}

		st := ps.bucket.PeekState()
		if st.Tokens < 1 {
			continue
		}

		tokenScore := 0.0
		if st.EffectiveCapacity > 0 {
			tokenScore = st.Tokens / float64(st.EffectiveCapacity)
		}
		timeScore := 1.0
		if !lastUsed.IsZero() {
			timeScore = math.Min(1, now.Sub(lastUsed).Seconds()/60.0)
		}
		errorFactor := 1.0 / float64(1+errCount)
		jitter := rand.Float64() * 0.05

		score := 0.40*tokenScore + 0.40*timeScore + 0.15*errorFactor + jitter
		scored = append(scored, candidateScore{name: name, score: score})
	}

	if len(scored) == 0 {
		span.SetAttributes(attribute.Bool("ratelimiter.picked", false))
		return ""
	}
	best := scored[0]
	for _, c := range scored[1:] {
		if c.score > best.score {
			best = c
		}
	}
	span.SetAttributes(attribute.String("ratelimiter.provider", best.name), attribute.Bool("ratelimiter.picked", true))
	return best.name
}

// Consume takes one token from provider and marks it as just-used. Must be
// called immediately after PickProvider selects this provider.
func (l *AdaptiveRateLimiter) Consume(provider string) bool {
	ps, ok := l.providers[provider]
	if !ok {
		return false
	}
	if !ps.bucket.TryTake() {
		return false
	}
	ps.mu.Lock()
	ps.lastUsedTs = time.Now()
	ps.mu.Unlock()
	return true
}

// OnSuccess resets the error streak and, every 10 consecutive successes,
// nudges the safety factor up.
func (l *AdaptiveRateLimiter) OnSuccess(provider string) {
	ps, ok := l.providers[provider]
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.consecutiveErrors = 0
	ps.consecutiveSuccesses++
	promote := ps.consecutiveSuccesses%10 == 0
	ps.mu.Unlock()
	if promote {
		ps.bucket.AdjustSafety(0.05)
	}
	observability.SetProviderGauges(provider, ps.bucket.PeekState().Tokens, ps.bucket.SafetyFactor(), l.InCooldown(provider))
}

// OnRateLimited records an overload signal: resets success streak, reduces
// safety factor, and places the provider in exponential-backoff cooldown.
func (l *AdaptiveRateLimiter) OnRateLimited(provider string) {
	l.recordFailure(provider, true)
}

// OnTransientError records a transient failure: same cooldown treatment as
// OnRateLimited but without the safety-factor reduction.
func (l *AdaptiveRateLimiter) OnTransientError(provider string) {
	l.recordFailure(provider, false)
}

func (l *AdaptiveRateLimiter) recordFailure(provider string, reduceSafety bool) {
	ps, ok := l.providers[provider]
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.consecutiveSuccesses = 0
	ps.consecutiveErrors++
	errCount := ps.consecutiveErrors
	ps.mu.Unlock()

	if reduceSafety {
		ps.bucket.AdjustSafety(-0.1)
	}

	cooldown := time.Duration(float64(l.cfg.CooldownBase) * math.Pow(2, float64(errCount-1)))
	if cooldown > l.cfg.CooldownMax {
		cooldown = l.cfg.CooldownMax
	}
	ps.mu.Lock()
	ps.cooldownUntil = time.Now().Add(cooldown)
	ps.mu.Unlock()

	observability.SetProviderGauges(provider, ps.bucket.PeekState().Tokens, ps.bucket.SafetyFactor(), true)
	l.wake()
}

// InCooldown reports whether provider is currently excluded from selection.
func (l *AdaptiveRateLimiter) InCooldown(provider string) bool {
	ps, ok := l.providers[provider]
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return time.Now().Before(ps.cooldownUntil)
}

// WaitForAny blocks cooperatively up to timeout, waking whenever any
// candidate's bucket or cooldown might have progressed, and returns the
// provider PickProvider then selects, or "" on timeout.
func (l *AdaptiveRateLimiter) WaitForAny(ctx context.Context, timeout time.Duration, candidates []string) string {
	if p := l.PickProvider(candidates); p != "" {
		return p
	}

	deadline := time.Now().Add(timeout)
	poll := l.shortestWait(candidates)
	if poll <= 0 || poll > 250*time.Millisecond {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(remaining):
			return l.PickProvider(candidates)
		case <-ticker.C:
			if p := l.PickProvider(candidates); p != "" {
				return p
			}
		case <-l.wakeSignal():
			if p := l.PickProvider(candidates); p != "" {
				return p
			}
		}
	}
}

func (l *AdaptiveRateLimiter) shortestWait(candidates []string) time.Duration {
	shortest := time.Hour
	for _, name := range candidates {
		ps, ok := l.providers[name]
		if !ok || !ps.enabled {
			continue
		}
		if d := ps.bucket.TimeUntilAvailable(); d < shortest {
			shortest = d
		}
	}
	return shortest
}

func (l *AdaptiveRateLimiter) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *AdaptiveRateLimiter) wakeSignal() <-chan struct{} {
	return l.wakeCh
}
