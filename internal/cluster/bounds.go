package cluster

import (
	"github.com/paulmach/orb"

	"github.com/sells-group/facility-locator/internal/model"
)

// OutOfBounds returns the successful sources whose coordinate falls outside b.
func OutOfBounds(outcomes []model.ProviderOutcome, b orb.Bound) []model.Source {
	var out []model.Source
	for _, o := range model.Successful(outcomes) {
		if !b.Contains(toPoint(*o.Coordinate)) {
			out = append(out, o.Source)
		}
	}
	return out
}

// NewBound builds a bound from south, north, west and east edges, the order
// Nominatim reports bounding boxes in.
func NewBound(south, north, west, east float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{west, south},
		Max: orb.Point{east, north},
	}
}
