package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		source Source
		want   SourceClass
	}{
		{SourceValidated, ClassAuthoritative},
		{SourceGazetteer, ClassAuthoritative},
		{SourceGoogle, ClassCommercial},
		{SourceArcGIS, ClassCommercial},
		{SourceNominatim, ClassCommunity},
	}

	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.source.Class())
		})
	}
}

func TestSourcePriority(t *testing.T) {
	t.Parallel()

	assert.Less(t, SourceValidated.Priority(), SourceGazetteer.Priority())
	assert.Less(t, SourceGazetteer.Priority(), SourceGoogle.Priority())
	assert.Less(t, SourceGoogle.Priority(), SourceArcGIS.Priority())
	assert.Less(t, SourceArcGIS.Priority(), SourceNominatim.Priority())
	assert.Equal(t, len(Sources), Source("mapbox").Priority())
}

func TestParseSource(t *testing.T) {
	t.Parallel()

	s, err := ParseSource("arcgis")
	require.NoError(t, err)
	assert.Equal(t, SourceArcGIS, s)

	_, err = ParseSource("bing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestErrorKindTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, ErrorKindTimeout.Transient())
	assert.True(t, ErrorKindRateLimited.Transient())
	assert.True(t, ErrorKindUnavailable.Transient())
	assert.False(t, ErrorKindAuth.Transient())
	assert.False(t, ErrorKindNoMatch.Transient())
	assert.False(t, ErrorKindMalformed.Transient())
}

func TestCoordinateValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Coordinate{Lat: -17.82, Lng: 31.05}.Valid())
	assert.True(t, Coordinate{Lat: 90, Lng: -180}.Valid())
	assert.False(t, Coordinate{Lat: 91, Lng: 0}.Valid())
	assert.False(t, Coordinate{Lat: 0, Lng: 180.5}.Valid())
}

func TestSuccessful(t *testing.T) {
	t.Parallel()

	outcomes := []ProviderOutcome{
		SuccessOutcome(SourceGoogle, Coordinate{Lat: 1, Lng: 2}, "a"),
		FailedOutcome(SourceArcGIS, ErrorKindTimeout, "deadline exceeded"),
		SuccessOutcome(SourceNominatim, Coordinate{Lat: 1.1, Lng: 2.1}, "b"),
	}

	got := Successful(outcomes)
	require.Len(t, got, 2)
	assert.Equal(t, SourceGoogle, got[0].Source)
	assert.Equal(t, SourceNominatim, got[1].Source)

	o, ok := FindOutcome(outcomes, SourceArcGIS)
	require.True(t, ok)
	assert.Equal(t, ErrorKindTimeout, o.ErrorKind)
}
