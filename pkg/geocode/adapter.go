package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/resilience"
)

// Adapter applies the circuit breaker, retry policy and timeout around one
// Provider and turns every result into a ProviderOutcome.
type Adapter struct {
	provider Provider
	breaker  *resilience.Breaker
	retry    resilience.RetryConfig
}

// NewAdapter wraps p. A nil breaker disables circuit breaking.
func NewAdapter(p Provider, breaker *resilience.Breaker, retry resilience.RetryConfig) *Adapter {
	return &Adapter{provider: p, breaker: breaker, retry: retry}
}

// Source returns the wrapped provider's source.
func (a *Adapter) Source() model.Source { return a.provider.Source() }

// Fetch queries the provider for q. The whole call, retries included, is
// bounded by timeout. Fetch never returns an error: failures are recorded
// in the outcome's ErrorKind.
func (a *Adapter) Fetch(ctx context.Context, q model.LocationQuery, timeout time.Duration) model.ProviderOutcome {
	src := a.provider.Source()
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := a.retry
	cfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return false
		}
		return Classify(err).Transient()
	}
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("geocode: retrying provider",
			zap.String("query_id", q.ID),
			zap.String("batch_id", q.BatchID),
			zap.String("source", string(src)),
			zap.String("error_kind", string(Classify(err))),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	req := Request{Name: q.Name, Country: q.Country}
	res := resilience.Retry(ctx, cfg, func(ctx context.Context) (*Candidate, error) {
		if a.breaker != nil && !a.breaker.Allow() {
			return nil, resilience.ErrCircuitOpen
		}
		c, err := a.call(ctx, req)
		if a.breaker != nil {
			a.breaker.Record(countsAgainstBackend(err))
		}
		return c, err
	})

	out := a.outcome(res.Value, res.Err)
	out.Attempts = res.Attempts
	out.LatencyMs = time.Since(start).Milliseconds()

	if !out.Success {
		zap.L().Debug("geocode: provider failed",
			zap.String("query_id", q.ID),
			zap.String("batch_id", q.BatchID),
			zap.String("source", string(src)),
			zap.String("error_kind", string(out.ErrorKind)),
			zap.Int("attempt", out.Attempts),
			zap.String("error", out.Error),
		)
	}
	return out
}

// call shields Fetch from provider panics.
func (a *Adapter) call(ctx context.Context, req Request) (c *Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = providerError(a.provider.Source(), model.ErrorKindMalformed, "provider panic: %v", r)
		}
	}()
	return a.provider.Geocode(ctx, req)
}

func (a *Adapter) outcome(c *Candidate, err error) model.ProviderOutcome {
	src := a.provider.Source()
	if err != nil {
		return model.FailedOutcome(src, Classify(err), err.Error())
	}
	if c == nil {
		return model.FailedOutcome(src, model.ErrorKindNoMatch, ErrNoMatch.Error())
	}
	if !c.Coordinate.Valid() {
		return model.FailedOutcome(src, model.ErrorKindMalformed,
			fmt.Sprintf("geocode: %s returned invalid coordinate (%v, %v)", src, c.Coordinate.Lat, c.Coordinate.Lng))
	}
	out := model.SuccessOutcome(src, c.Coordinate, c.Address)
	out.MatchScore = c.Score
	return out
}

// countsAgainstBackend reports whether err says the backend itself is
// unhealthy. No-match, auth and malformed answers keep the circuit closed.
func countsAgainstBackend(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case model.ErrorKindUnavailable, model.ErrorKindTimeout:
		return true
	default:
		return false
	}
}
