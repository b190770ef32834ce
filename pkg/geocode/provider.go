// Package geocode wraps the external geocoding sources behind one adapter
// contract: every call yields a model.ProviderOutcome and never an error.
package geocode

import (
	"context"

	"github.com/sells-group/facility-locator/internal/model"
)

// Request is the input handed to a provider: a free-text facility name and
// an optional ISO 3166-1 alpha-2 country hint.
type Request struct {
	Name    string
	Country string
}

// Candidate is a provider's best answer.
type Candidate struct {
	Coordinate model.Coordinate
	Address    string
	// Score is the provider's own match quality in [0,1], if it reports one.
	Score float64
}

// Provider is one geocoding source. Implementations return ErrNoMatch when
// the source answered without a result, a *ProviderError for classified
// failures, and context errors when the deadline expires.
type Provider interface {
	Source() model.Source
	Geocode(ctx context.Context, req Request) (*Candidate, error)
}

// Reverser converts a coordinate back to a human-readable address.
type Reverser interface {
	Source() model.Source
	Reverse(ctx context.Context, c model.Coordinate) (string, error)
}
