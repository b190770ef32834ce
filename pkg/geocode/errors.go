package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/resilience"
)

// ErrNoMatch is returned by a provider that answered but found nothing.
var ErrNoMatch = eris.New("geocode: no match")

// ErrUnboundedCountry is returned for a country whose bounding box crosses
// the antimeridian and so has no single orb.Bound.
var ErrUnboundedCountry = eris.New("geocode: country bounds cross the antimeridian")

// ProviderError is a provider failure with a known classification.
type ProviderError struct {
	Source     model.Source
	Kind       model.ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("geocode: %s: %s (status %d): %v", e.Source, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("geocode: %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(src model.Source, kind model.ErrorKind, msg string, args ...any) error {
	return &ProviderError{Source: src, Kind: kind, Err: eris.Errorf(msg, args...)}
}

// statusError classifies a non-200 HTTP response.
func statusError(src model.Source, code int) error {
	kind := model.ErrorKindMalformed
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = model.ErrorKindAuth
	case code == http.StatusTooManyRequests:
		kind = model.ErrorKindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		kind = model.ErrorKindTimeout
	case code >= 500:
		kind = model.ErrorKindUnavailable
	case code == http.StatusNotFound:
		kind = model.ErrorKindNoMatch
	}
	return &ProviderError{Source: src, Kind: kind, StatusCode: code, Err: eris.Errorf("unexpected status %d", code)}
}

// Classify maps any provider error to an ErrorKind.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}
	if errors.Is(err, ErrNoMatch) {
		return model.ErrorKindNoMatch
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.ErrorKindUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorKindTimeout
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return model.ErrorKindMalformed
	}
	// Anything else is a transport-level failure.
	return model.ErrorKindUnavailable
}
