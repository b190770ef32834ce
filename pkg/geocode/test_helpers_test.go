package geocode

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/sells-group/facility-locator/internal/model"
)

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// newRewriteClient creates an HTTP client that rewrites requests to a test server URL.
// All requests matching the target prefix are redirected to the test server.
func newRewriteClient(testServerURL, targetPrefix string) *http.Client {
	return &http.Client{
		Transport: &rewriteTransport{
			base:         http.DefaultTransport,
			testServer:   testServerURL,
			targetPrefix: targetPrefix,
		},
	}
}

type rewriteTransport struct {
	base         http.RoundTripper
	testServer   string
	targetPrefix string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origURL := req.URL.String()
	if strings.HasPrefix(origURL, t.targetPrefix) {
		suffix := origURL[len(t.targetPrefix):]
		newURL := t.testServer + suffix
		newReq := req.Clone(req.Context())
		parsed, err := req.URL.Parse(newURL)
		if err != nil {
			return nil, err
		}
		newReq.URL = parsed
		newReq.Host = parsed.Host
		return t.base.RoundTrip(newReq)
	}
	return t.base.RoundTrip(req)
}

// stubProvider replays a fixed sequence of answers, repeating the last one.
type stubProvider struct {
	src     model.Source
	answers []stubAnswer
	calls   atomic.Int32
}

type stubAnswer struct {
	c     *Candidate
	err   error
	panic bool
	block bool
}

func (s *stubProvider) Source() model.Source { return s.src }

func (s *stubProvider) Geocode(ctx context.Context, _ Request) (*Candidate, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.answers) {
		n = len(s.answers) - 1
	}
	a := s.answers[n]
	if a.panic {
		panic("boom")
	}
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.c, a.err
}

type stubReverser struct {
	src   model.Source
	addr  string
	err   error
	calls atomic.Int32
}

func (s *stubReverser) Source() model.Source { return s.src }

func (s *stubReverser) Reverse(context.Context, model.Coordinate) (string, error) {
	s.calls.Add(1)
	return s.addr, s.err
}
