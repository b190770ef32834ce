package geocode

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sells-group/facility-locator/internal/model"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress string `json:"formatted_address"`
	PartialMatch     bool   `json:"partial_match"`
}

// Google geocodes and reverse geocodes through the Google Geocoding API.
type Google struct {
	httpBackend
	key string
}

// NewGoogle creates a Google client. Default rate is 50 req/s.
func NewGoogle(key string, opts ...Option) *Google {
	return &Google{httpBackend: newBackend(50, opts), key: key}
}

// Source implements Provider and Reverser.
func (g *Google) Source() model.Source { return model.SourceGoogle }

// Geocode implements Provider.
func (g *Google) Geocode(ctx context.Context, req Request) (*Candidate, error) {
	params := url.Values{"address": {req.Name}}
	if cc := strings.ToLower(strings.TrimSpace(req.Country)); cc != "" {
		params.Set("region", cc)
		params.Set("components", "country:"+strings.ToUpper(cc))
	}

	resp, err := g.call(ctx, params)
	if err != nil {
		return nil, err
	}

	r := resp.Results[0]
	return &Candidate{
		Coordinate: model.Coordinate{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
		Address:    r.FormattedAddress,
		Score:      googleLocationTypeScore(r.Geometry.LocationType, r.PartialMatch),
	}, nil
}

// Reverse implements Reverser.
func (g *Google) Reverse(ctx context.Context, c model.Coordinate) (string, error) {
	params := url.Values{"latlng": {fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)}}
	resp, err := g.call(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.Results[0].FormattedAddress, nil
}

func (g *Google) call(ctx context.Context, params url.Values) (*googleGeocodeResponse, error) {
	if g.key == "" {
		return nil, providerError(model.SourceGoogle, model.ErrorKindAuth, "api key not configured")
	}
	params.Set("key", g.key)

	var resp googleGeocodeResponse
	if err := g.getJSON(ctx, model.SourceGoogle, googleGeocodeURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if err := googleStatusError(resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, ErrNoMatch
	}
	return &resp, nil
}

// googleStatusError maps the API's status field to a classified error.
func googleStatusError(status, msg string) error {
	switch status {
	case "OK":
		return nil
	case "ZERO_RESULTS":
		return ErrNoMatch
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return providerError(model.SourceGoogle, model.ErrorKindRateLimited, "%s: %s", status, msg)
	case "REQUEST_DENIED":
		return providerError(model.SourceGoogle, model.ErrorKindAuth, "%s: %s", status, msg)
	case "INVALID_REQUEST":
		return providerError(model.SourceGoogle, model.ErrorKindMalformed, "%s: %s", status, msg)
	case "UNKNOWN_ERROR":
		return providerError(model.SourceGoogle, model.ErrorKindUnavailable, "%s: %s", status, msg)
	default:
		return providerError(model.SourceGoogle, model.ErrorKindMalformed, "unexpected status %q", status)
	}
}

// googleLocationTypeScore turns location_type into a rough match quality.
func googleLocationTypeScore(locType string, partial bool) float64 {
	var score float64
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		score = 1.0
	case "RANGE_INTERPOLATED":
		score = 0.8
	case "GEOMETRIC_CENTER":
		score = 0.6
	default:
		score = 0.4
	}
	if partial {
		score *= 0.8
	}
	return score
}
