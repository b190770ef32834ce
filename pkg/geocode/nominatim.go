package geocode

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/model"
)

// PublicNominatimURL is the OpenStreetMap community instance.
const PublicNominatimURL = "https://nominatim.openstreetmap.org"

type nominatimPlace struct {
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	DisplayName string   `json:"display_name"`
	Importance  float64  `json:"importance"`
	BoundingBox []string `json:"boundingbox"` // south, north, west, east
}

type nominatimReverse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Nominatim queries a local Nominatim instance first and the public
// instance as a fallback. Either base URL may be empty; with both set the
// public instance is only hit when the local one fails or finds nothing.
type Nominatim struct {
	httpBackend
	bases []string

	mu     sync.Mutex
	bounds map[string]cachedBound
}

type cachedBound struct {
	b   orb.Bound
	err error
}

// NewNominatim creates a Nominatim client. The public usage policy allows
// 1 req/s, which is the default rate.
func NewNominatim(localURL, publicURL string, opts ...Option) *Nominatim {
	var bases []string
	for _, u := range []string{localURL, publicURL} {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			bases = append(bases, u)
		}
	}
	return &Nominatim{
		httpBackend: newBackend(1, opts),
		bases:       bases,
		bounds:      make(map[string]cachedBound),
	}
}

// Source implements Provider and Reverser.
func (n *Nominatim) Source() model.Source { return model.SourceNominatim }

// Geocode implements Provider.
func (n *Nominatim) Geocode(ctx context.Context, req Request) (*Candidate, error) {
	params := url.Values{
		"q":      {req.Name},
		"format": {"json"},
		"limit":  {"1"},
	}
	if cc := strings.TrimSpace(req.Country); cc != "" {
		params.Set("countrycodes", strings.ToLower(cc))
	}

	place, err := n.search(ctx, params)
	if err != nil {
		return nil, err
	}
	c, err := place.coordinate()
	if err != nil {
		return nil, err
	}
	return &Candidate{Coordinate: c, Address: place.DisplayName, Score: place.Importance}, nil
}

// Reverse implements Reverser.
func (n *Nominatim) Reverse(ctx context.Context, c model.Coordinate) (string, error) {
	params := url.Values{
		"lat":    {strconv.FormatFloat(c.Lat, 'f', 6, 64)},
		"lon":    {strconv.FormatFloat(c.Lng, 'f', 6, 64)},
		"format": {"json"},
	}

	var lastErr error = ErrNoMatch
	for _, base := range n.bases {
		var resp nominatimReverse
		err := n.getJSON(ctx, model.SourceNominatim, base+"/reverse?"+params.Encode(), &resp)
		switch {
		case err != nil:
			lastErr = err
		case resp.Error != "" || resp.DisplayName == "":
			lastErr = ErrNoMatch
		default:
			return resp.DisplayName, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// CountryBounds returns the bounding box of an ISO alpha-2 country, cached
// per country for the life of the client. A box crossing the antimeridian
// yields ErrUnboundedCountry, which is cached too.
func (n *Nominatim) CountryBounds(ctx context.Context, country string) (orb.Bound, error) {
	key := strings.ToLower(strings.TrimSpace(country))
	if key == "" {
		return orb.Bound{}, ErrNoMatch
	}

	n.mu.Lock()
	c, ok := n.bounds[key]
	n.mu.Unlock()
	if ok {
		return c.b, c.err
	}

	place, err := n.search(ctx, url.Values{
		"country": {key},
		"format":  {"json"},
		"limit":   {"1"},
	})
	if err != nil {
		return orb.Bound{}, err
	}
	b, err := place.bound()
	if err != nil && !errors.Is(err, ErrUnboundedCountry) {
		return orb.Bound{}, err
	}

	n.mu.Lock()
	n.bounds[key] = cachedBound{b: b, err: err}
	n.mu.Unlock()
	return b, err
}

func (n *Nominatim) search(ctx context.Context, params url.Values) (*nominatimPlace, error) {
	if len(n.bases) == 0 {
		return nil, providerError(model.SourceNominatim, model.ErrorKindUnavailable, "no instance configured")
	}

	var lastErr error
	for i, base := range n.bases {
		var places []nominatimPlace
		err := n.getJSON(ctx, model.SourceNominatim, base+"/search?"+params.Encode(), &places)
		if err == nil && len(places) > 0 {
			return &places[0], nil
		}
		if err == nil {
			err = ErrNoMatch
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(n.bases)-1 {
			zap.L().Debug("nominatim: falling back to next instance",
				zap.String("base", base),
				zap.Bool("no_match", errors.Is(err, ErrNoMatch)),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

func (p *nominatimPlace) coordinate() (model.Coordinate, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return model.Coordinate{}, providerError(model.SourceNominatim, model.ErrorKindMalformed, "lat %q: %v", p.Lat, err)
	}
	lng, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return model.Coordinate{}, providerError(model.SourceNominatim, model.ErrorKindMalformed, "lon %q: %v", p.Lon, err)
	}
	return model.Coordinate{Lat: lat, Lng: lng}, nil
}

func (p *nominatimPlace) bound() (orb.Bound, error) {
	if len(p.BoundingBox) != 4 {
		return orb.Bound{}, providerError(model.SourceNominatim, model.ErrorKindMalformed, "boundingbox has %d values", len(p.BoundingBox))
	}
	var v [4]float64
	for i, s := range p.BoundingBox {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return orb.Bound{}, providerError(model.SourceNominatim, model.ErrorKindMalformed, "boundingbox %q: %v", s, err)
		}
		v[i] = f
	}
	if v[2] > v[3] {
		return orb.Bound{}, ErrUnboundedCountry
	}
	return orb.Bound{Min: orb.Point{v[2], v[0]}, Max: orb.Point{v[3], v[1]}}, nil
}
