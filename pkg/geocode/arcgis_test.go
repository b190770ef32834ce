package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/model"
)

const arcgisServiceRoot = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer"

func newTestArcGIS(t *testing.T, token string, handler http.HandlerFunc) *ArcGIS {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewArcGIS(token,
		WithHTTPClient(newRewriteClient(srv.URL, arcgisServiceRoot)),
		WithLimiter(newTestLimiter()),
	)
}

func TestArcGISGeocode(t *testing.T) {
	a := newTestArcGIS(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/findAddressCandidates", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "Kenyatta National Hospital", q.Get("SingleLine"))
		assert.Equal(t, "KE", q.Get("sourceCountry"))
		assert.Equal(t, "tok", q.Get("token"))
		assert.Equal(t, "json", q.Get("f"))
		_, _ = io.WriteString(w, `{"candidates":[{"address":"Kenyatta National Hospital, Nairobi","location":{"x":36.8073,"y":-1.3010},"score":97.5}]}`)
	})

	c, err := a.Geocode(context.Background(), Request{Name: "Kenyatta National Hospital", Country: "ke"})
	require.NoError(t, err)
	assert.InDelta(t, -1.3010, c.Coordinate.Lat, 1e-6)
	assert.InDelta(t, 36.8073, c.Coordinate.Lng, 1e-6)
	assert.InDelta(t, 0.975, c.Score, 1e-9)
	assert.Equal(t, "Kenyatta National Hospital, Nairobi", c.Address)
}

func TestArcGISGeocode_NoCandidates(t *testing.T) {
	a := newTestArcGIS(t, "", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[]}`)
	})
	_, err := a.Geocode(context.Background(), Request{Name: "nowhere"})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestArcGISGeocode_ServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want model.ErrorKind
	}{
		{"invalid token", `{"error":{"code":498,"message":"Invalid Token"}}`, model.ErrorKindAuth},
		{"token required", `{"error":{"code":499,"message":"Token Required"}}`, model.ErrorKindAuth},
		{"server", `{"error":{"code":500,"message":"Internal"}}`, model.ErrorKindUnavailable},
		{"unable to find", `{"error":{"code":400,"message":"Bad","details":["Unable to find address"]}}`, model.ErrorKindNoMatch},
		{"other bad request", `{"error":{"code":400,"message":"Bad","details":["Invalid parameter"]}}`, model.ErrorKindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestArcGIS(t, "", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := a.Geocode(context.Background(), Request{Name: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestArcGISReverse(t *testing.T) {
	a := newTestArcGIS(t, "", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverseGeocode", r.URL.Path)
		assert.Equal(t, "36.807300,-1.301000", r.URL.Query().Get("location"))
		_, _ = io.WriteString(w, `{"address":{"Match_addr":"Hospital Rd","LongLabel":"Hospital Rd, Nairobi, KEN"}}`)
	})
	addr, err := a.Reverse(context.Background(), model.Coordinate{Lat: -1.3010, Lng: 36.8073})
	require.NoError(t, err)
	assert.Equal(t, "Hospital Rd, Nairobi, KEN", addr)
}
