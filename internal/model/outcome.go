package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies why a provider did not return a coordinate.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindNoMatch     ErrorKind = "no_match"
	ErrorKindMalformed   ErrorKind = "malformed"
	ErrorKindUnavailable ErrorKind = "unavailable" // transport failure, 5xx or open circuit
)

// Transient reports whether a failure of this kind is worth retrying.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorKindTimeout, ErrorKindRateLimited, ErrorKindUnavailable:
		return true
	default:
		return false
	}
}

// Coordinate is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within the WGS84 range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// LocationQuery is the immutable input of one geocoding request.
type LocationQuery struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id"`
	Name      string    `json:"name"`
	Country   string    `json:"country,omitempty"` // ISO 3166-1 alpha-2 hint
	CreatedAt time.Time `json:"created_at"`
}

// NewLocationQuery creates a query with a fresh identity.
func NewLocationQuery(batchID, name, country string, now time.Time) LocationQuery {
	return LocationQuery{
		ID:        uuid.New().String(),
		BatchID:   batchID,
		Name:      name,
		Country:   country,
		CreatedAt: now.UTC(),
	}
}

// ProviderOutcome records what a single provider answered for a query.
// It is immutable once recorded.
type ProviderOutcome struct {
	Source     Source      `json:"source"`
	Success    bool        `json:"success"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	RawAddress string      `json:"raw_address,omitempty"`
	MatchScore float64     `json:"match_score,omitempty"`
	Attempts   int         `json:"attempts"`
	LatencyMs  int64       `json:"latency_ms"`
}

// SuccessOutcome builds a successful outcome.
func SuccessOutcome(src Source, c Coordinate, address string) ProviderOutcome {
	return ProviderOutcome{
		Source:     src,
		Success:    true,
		Coordinate: &c,
		RawAddress: address,
	}
}

// FailedOutcome builds a failed outcome of the given kind.
func FailedOutcome(src Source, kind ErrorKind, msg string) ProviderOutcome {
	return ProviderOutcome{
		Source:    src,
		ErrorKind: kind,
		Error:     msg,
	}
}

// Successful returns the outcomes that carry a coordinate, preserving order.
func Successful(outcomes []ProviderOutcome) []ProviderOutcome {
	var out []ProviderOutcome
	for _, o := range outcomes {
		if o.Success && o.Coordinate != nil {
			out = append(out, o)
		}
	}
	return out
}

// FindOutcome returns the outcome recorded for src, if any.
func FindOutcome(outcomes []ProviderOutcome, src Source) (ProviderOutcome, bool) {
	for _, o := range outcomes {
		if o.Source == src {
			return o, true
		}
	}
	return ProviderOutcome{}, false
}
