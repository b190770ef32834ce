package geocode

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/textsim"
)

// ValidatedLookup finds a previously approved location by normalised name.
// It returns nil, nil when nothing has been recorded.
type ValidatedLookup interface {
	FindValidatedLocation(ctx context.Context, nameKey, country string) (*model.ValidatedLocation, error)
}

// Validated answers from locations approved in earlier runs.
type Validated struct {
	lookup ValidatedLookup
}

// NewValidated creates the validated-locations provider.
func NewValidated(lookup ValidatedLookup) *Validated {
	return &Validated{lookup: lookup}
}

// Source implements Provider.
func (v *Validated) Source() model.Source { return model.SourceValidated }

// Geocode implements Provider.
func (v *Validated) Geocode(ctx context.Context, req Request) (*Candidate, error) {
	key := textsim.Normalize(req.Name)
	if key == "" {
		return nil, ErrNoMatch
	}

	loc, err := v.lookup.FindValidatedLocation(ctx, key, req.Country)
	if err != nil {
		return nil, &ProviderError{
			Source: model.SourceValidated,
			Kind:   model.ErrorKindUnavailable,
			Err:    eris.Wrap(err, "lookup validated location"),
		}
	}
	if loc == nil {
		return nil, ErrNoMatch
	}
	return &Candidate{
		Coordinate: model.Coordinate{Lat: loc.Lat, Lng: loc.Lng},
		Address:    loc.Name,
		Score:      1,
	}, nil
}
