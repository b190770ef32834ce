package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/facility-locator/internal/model"
)

const defaultUserAgent = "facility-locator/1.0"

// Option configures an HTTP-backed provider or reverser.
type Option func(*httpBackend)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *httpBackend) {
		b.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit for the backend.
func WithRateLimit(rps float64) Option {
	return func(b *httpBackend) {
		if rps <= 0 {
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLimiter shares an existing limiter, e.g. between a provider and its
// reverser hitting the same quota.
func WithLimiter(l *rate.Limiter) Option {
	return func(b *httpBackend) {
		if l != nil {
			b.limiter = l
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(b *httpBackend) {
		if ua != "" {
			b.userAgent = ua
		}
	}
}

type httpBackend struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

func newBackend(defaultRPS float64, opts []Option) httpBackend {
	b := httpBackend{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRPS), max(1, int(defaultRPS))),
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// getJSON performs a rate-limited GET and decodes a 200 response into out.
// Failures come back as *ProviderError or context errors.
func (b *httpBackend) getJSON(ctx context.Context, src model.Source, reqURL string, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return providerError(src, model.ErrorKindRateLimited, "rate limit wait: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return providerError(src, model.ErrorKindMalformed, "build request: %v", err)
	}
	req.Header.Set("User-Agent", b.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "geocode: %s request", src)
		}
		return &ProviderError{Source: src, Kind: Classify(err), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return statusError(src, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Source: src, Kind: model.ErrorKindUnavailable, Err: eris.Wrap(err, "read body")}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Source: src, Kind: model.ErrorKindMalformed, Err: eris.Wrap(err, "parse response")}
	}
	return nil
}
