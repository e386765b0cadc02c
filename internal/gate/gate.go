// Package gate admits outbound provider calls under per-provider rate and
// concurrency limits, with bounded retries on transient failures.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/recaplab/recap-engine/internal/adapter/observability"
	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
)

// StatusError carries an upstream HTTP status for gate classification.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s returned status %d", e.Provider, e.Status)
}

type provider struct {
	cfg     config.ProviderConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Gate is the single process-wide admission point for provider calls.
// Providers are independent; calls on different providers never serialize
// against each other.
type Gate struct {
	providers map[string]*provider
}

// New builds a Gate from the provider table.
func New(table map[string]config.ProviderConfig) *Gate {
	ps := make(map[string]*provider, len(table))
	for id, cfg := range table {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		ps[id] = &provider{
			cfg:     cfg,
			limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
			sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		}
	}
	return &Gate{providers: ps}
}

// Do runs fn under providerID's limits. Transient failures are retried up
// to the provider's attempt budget with exponential backoff and full
// jitter; permanent failures surface immediately.
func (g *Gate) Do(ctx domain.Context, providerID string, fn func(ctx domain.Context) error) error {
	p, ok := g.providers[providerID]
	if !ok {
		return fmt.Errorf("op=gate.do: unknown provider %q: %w", providerID, domain.ErrInternal)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BaseDelay
	bo.MaxInterval = p.cfg.MaxDelay
	bo.Multiplier = 2
	// Randomization factor 1 spreads each delay across [0, 2*interval],
	// the full-jitter shape that keeps retry storms decorrelated.
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := g.admit(ctx, providerID, p); err != nil {
			return err
		}
		err := g.attempt(ctx, providerID, p, fn)
		if err == nil {
			observability.ProviderRequestsTotal.WithLabelValues(providerID, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			// Job cancellation or stage timeout; don't count as provider fault.
			return ctx.Err()
		}
		err = g.classify(providerID, err)
		if !errors.Is(err, domain.ErrProviderTransient) {
			observability.ProviderRequestsTotal.WithLabelValues(providerID, "permanent").Inc()
			return err
		}
		observability.ProviderRequestsTotal.WithLabelValues(providerID, "transient").Inc()
		lastErr = err
		if attempt == p.cfg.MaxAttempts {
			break
		}
		delay := bo.NextBackOff()
		slog.Debug("provider attempt failed; backing off",
			slog.String("provider", providerID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("op=gate.do: provider %s retries exhausted: %w", providerID, lastErr)
}

func (g *Gate) admit(ctx domain.Context, providerID string, p *provider) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	observability.ProviderGateWait.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
	return nil
}

func (g *Gate) attempt(ctx domain.Context, providerID string, p *provider, fn func(ctx domain.Context) error) error {
	defer p.sem.Release(1)
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PerAttemptTimeout)
	defer cancel()
	start := time.Now()
	err := fn(attemptCtx)
	observability.ProviderRequestDuration.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// Per-attempt timeout, not caller cancellation.
		return fmt.Errorf("attempt timeout after %s: %w", p.cfg.PerAttemptTimeout, domain.ErrProviderTransient)
	}
	return err
}

// classify maps raw call errors onto the transient/permanent taxonomy using
// the provider's retriable status set.
func (g *Gate) classify(providerID string, err error) error {
	if errors.Is(err, domain.ErrProviderTransient) || errors.Is(err, domain.ErrProviderPermanent) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) {
		if g.providers[providerID].cfg.Retriable(se.Status) {
			return fmt.Errorf("%v: %w", err, domain.ErrProviderTransient)
		}
		return fmt.Errorf("%v: %w", err, domain.ErrProviderPermanent)
	}
	// Network-level failures (connection reset, DNS) are worth retrying.
	return fmt.Errorf("%v: %w", err, domain.ErrProviderTransient)
}
