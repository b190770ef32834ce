package geocode

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
)

const (
	arcgisFindURL    = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer/findAddressCandidates"
	arcgisReverseURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer/reverseGeocode"
)

// ArcGIS service errors arrive with HTTP 200 and an error object.
type arcgisError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type arcgisLocation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type arcgisFindResponse struct {
	Candidates []struct {
		Address  string         `json:"address"`
		Location arcgisLocation `json:"location"`
		Score    float64        `json:"score"`
	} `json:"candidates"`
	Error *arcgisError `json:"error"`
}

type arcgisReverseResponse struct {
	Address struct {
		MatchAddr string `json:"Match_addr"`
		LongLabel string `json:"LongLabel"`
	} `json:"address"`
	Location arcgisLocation `json:"location"`
	Error    *arcgisError   `json:"error"`
}

// ArcGIS geocodes through the ArcGIS World Geocoding Service.
type ArcGIS struct {
	httpBackend
	token string
}

// NewArcGIS creates an ArcGIS client. The token is optional for
// findAddressCandidates without storage. Default rate is 10 req/s.
func NewArcGIS(token string, opts ...Option) *ArcGIS {
	return &ArcGIS{httpBackend: newBackend(10, opts), token: token}
}

// Source implements Provider and Reverser.
func (a *ArcGIS) Source() model.Source { return model.SourceArcGIS }

// Geocode implements Provider.
func (a *ArcGIS) Geocode(ctx context.Context, req Request) (*Candidate, error) {
	params := url.Values{
		"SingleLine":   {req.Name},
		"f":            {"json"},
		"maxLocations": {"1"},
		"outFields":    {"Match_addr"},
	}
	if cc := strings.TrimSpace(req.Country); cc != "" {
		params.Set("sourceCountry", strings.ToUpper(cc))
	}
	if a.token != "" {
		params.Set("token", a.token)
	}

	var resp arcgisFindResponse
	if err := a.getJSON(ctx, model.SourceArcGIS, arcgisFindURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, arcgisServiceError(resp.Error)
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrNoMatch
	}

	c := resp.Candidates[0]
	return &Candidate{
		Coordinate: model.Coordinate{Lat: c.Location.Y, Lng: c.Location.X},
		Address:    c.Address,
		Score:      c.Score / 100,
	}, nil
}

// Reverse implements Reverser.
func (a *ArcGIS) Reverse(ctx context.Context, c model.Coordinate) (string, error) {
	params := url.Values{
		"location": {fmt.Sprintf("%.6f,%.6f", c.Lng, c.Lat)},
		"f":        {"json"},
	}
	if a.token != "" {
		params.Set("token", a.token)
	}

	var resp arcgisReverseResponse
	if err := a.getJSON(ctx, model.SourceArcGIS, arcgisReverseURL+"?"+params.Encode(), &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", arcgisServiceError(resp.Error)
	}
	if resp.Address.LongLabel != "" {
		return resp.Address.LongLabel, nil
	}
	if resp.Address.MatchAddr != "" {
		return resp.Address.MatchAddr, nil
	}
	return "", ErrNoMatch
}

func arcgisServiceError(e *arcgisError) error {
	kind := model.ErrorKindMalformed
	switch {
	case e.Code == 498 || e.Code == 499 || e.Code == 403:
		kind = model.ErrorKindAuth
	case e.Code == 429:
		kind = model.ErrorKindRateLimited
	case e.Code >= 500:
		kind = model.ErrorKindUnavailable
	case e.Code == 400 && len(e.Details) > 0 && strings.Contains(strings.ToLower(e.Details[0]), "unable to find"):
		return ErrNoMatch
	}
	return &ProviderError{Source: model.SourceArcGIS, Kind: kind, StatusCode: e.Code, Err: eris.New(e.Message)}
}
