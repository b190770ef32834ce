package engine

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/cluster"
	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/observability"
	"github.com/sells-group/facility-locator/pkg/geocode"
)

type stubBounds struct {
	bound orb.Bound
	err   error
	calls int
}

func (b *stubBounds) CountryBounds(context.Context, string) (orb.Bound, error) {
	b.calls++
	return b.bound, b.err
}

type stubReverse struct {
	result *geocode.ReverseResult
	asked  []model.Coordinate
}

func (r *stubReverse) Best(_ context.Context, _ string, c model.Coordinate) *geocode.ReverseResult {
	r.asked = append(r.asked, c)
	return r.result
}

// Zimbabwe, roughly.
var zimbabwe = cluster.NewBound(-22.42, -15.61, 25.24, 33.06)

func TestPipeline_OrdersOutcomesByPriority(t *testing.T) {
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, fourAgreeing()...)

	assert.Equal(t, []model.Source{model.SourceGazetteer, model.SourceGoogle, model.SourceArcGIS, model.SourceNominatim}, p.Sources())

	g, v := process(t, p, model.NewLocationQuery("b1", hospitalName, "ZW", epoch))
	require.Len(t, g.Outcomes, 4)
	for i, src := range p.Sources() {
		assert.Equal(t, src, g.Outcomes[i].Source)
	}
	assert.Equal(t, "b1", g.BatchID)
	assert.Equal(t, 1, g.Cycle)
	assert.Equal(t, epoch, g.CreatedAt)
	assert.Equal(t, g.ID, v.GeocodingID)
	assert.Equal(t, "deterministic", v.Metadata["resolution_method"])
	assert.Equal(t, false, v.Metadata["oracle_consulted"])
	assert.Equal(t, "provider_address", v.Metadata["reverse_source"])
	assert.Equal(t, hospitalAddress, v.ReverseAddress)
	assert.Contains(t, v.Metadata, "distances")
	assert.Contains(t, v.Metadata, "clusters")
}

func TestPipeline_OutOfBoundsBlocksAutoApproval(t *testing.T) {
	bounds := &stubBounds{bound: zimbabwe}
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil,
		// Two agreeing answers for the Zambian namesake across the border.
		succeed(model.SourceGazetteer, -15.4200, 28.2900, "University Teaching Hospital, Nationalist Road, Lusaka"),
		succeed(model.SourceGoogle, -15.4210, 28.2905, "Nationalist Road, Lusaka"),
	)
	p.Bounds = bounds

	_, v := process(t, p, model.NewLocationQuery("b1", "University Teaching Hospital", "ZW", epoch))
	assert.Equal(t, 1, bounds.calls)
	assert.ElementsMatch(t, []model.Source{model.SourceGazetteer, model.SourceGoogle}, v.Metadata["out_of_bounds"])
	assert.Equal(t, model.StatusNeedsReview, v.Status)
	assert.Equal(t, "recommended coordinate lies outside the country", v.Metadata["review_reason"])
}

func TestPipeline_BoundsSkippedWithoutCountry(t *testing.T) {
	bounds := &stubBounds{err: eris.New("geocode: nominatim unavailable")}
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, fourAgreeing()...)
	p.Bounds = bounds

	_, v := process(t, p, model.NewLocationQuery("b1", hospitalName, "", epoch))
	assert.Zero(t, bounds.calls)
	assert.NotContains(t, v.Metadata, "out_of_bounds")

	// A failing lookup is ignored.
	_, v = process(t, p, model.NewLocationQuery("b1", hospitalName, "ZW", epoch))
	assert.Equal(t, 1, bounds.calls)
	assert.Equal(t, model.StatusAutoApproved, v.Status)
}

func TestPipeline_BoundsAcrossAntimeridianSkipped(t *testing.T) {
	bounds := &stubBounds{err: eris.Wrap(geocode.ErrUnboundedCountry, "FJ")}
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil,
		succeed(model.SourceGazetteer, -18.1416, 178.4419, "Colonial War Memorial Hospital, Suva"),
		succeed(model.SourceGoogle, -18.1420, 178.4421, "Waimanu Road, Suva"),
	)
	p.Bounds = bounds

	_, v := process(t, p, model.NewLocationQuery("b1", "Colonial War Memorial Hospital", "FJ", epoch))
	assert.Equal(t, 1, bounds.calls)
	assert.NotContains(t, v.Metadata, "out_of_bounds")
	assert.NotEqual(t, "recommended coordinate lies outside the country", v.Metadata["review_reason"])
}

func TestPipeline_ReverseGeocoderPreferred(t *testing.T) {
	rev := &stubReverse{result: &geocode.ReverseResult{Source: model.SourceNominatim, Address: "Mazowe Street, Harare", Similarity: 0.4}}
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, fourAgreeing()...)
	p.Reverse = rev

	_, v := process(t, p, model.NewLocationQuery("b1", hospitalName, "ZW", epoch))
	require.Len(t, rev.asked, 1)
	assert.Equal(t, *v.Recommended, rev.asked[0])
	assert.Equal(t, "Mazowe Street, Harare", v.ReverseAddress)
	assert.InDelta(t, 0.4, v.Scores.ReverseGeocoding, 1e-9)
	assert.Equal(t, "nominatim", v.Metadata["reverse_source"])
}

func TestPipeline_NoAddressScoresZero(t *testing.T) {
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil,
		succeed(model.SourceGoogle, -17.8216, 31.0469, ""),
		succeed(model.SourceArcGIS, -17.8217, 31.0470, ""),
	)
	p.Reverse = &stubReverse{}

	_, v := process(t, p, model.NewLocationQuery("b1", hospitalName, "ZW", epoch))
	assert.Zero(t, v.Scores.ReverseGeocoding)
	assert.Empty(t, v.ReverseAddress)
	assert.NotContains(t, v.Metadata, "reverse_source")
}

func TestPipeline_AgreeingSourceDoesNotLowerAgreement(t *testing.T) {
	base := []Fetcher{
		succeed(model.SourceGoogle, -17.82, 31.05, ""),
		succeed(model.SourceArcGIS, -17.84, 31.05, ""),
	}
	q := model.NewLocationQuery("b1", hospitalName, "ZW", epoch)

	_, before := process(t, newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, base...), q)
	more := append(base, succeed(model.SourceNominatim, -17.83, 31.065, ""))
	_, after := process(t, newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, more...), q)

	assert.GreaterOrEqual(t, after.Scores.APIAgreement, before.Scores.APIAgreement)
}

func TestPipeline_SourceOutsideSpreadLowersAgreement(t *testing.T) {
	base := []Fetcher{
		succeed(model.SourceGoogle, -17.82, 31.05, ""),
		succeed(model.SourceArcGIS, -17.82, 31.05, ""),
	}
	q := model.NewLocationQuery("b1", hospitalName, "ZW", epoch)

	_, before := process(t, newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, base...), q)
	more := append(base, succeed(model.SourceNominatim, -17.856, 31.05, ""))
	res, after := process(t, newPipeline(t, clockwork.NewFakeClockAt(epoch), nil, nil, more...), q)

	assert.InDelta(t, 1.0, before.Scores.APIAgreement, 1e-9)
	assert.InDelta(t, 0.8664, after.Scores.APIAgreement, 1e-3)
	assert.Equal(t, model.AgreementHigh, res.Analysis.Agreement)
}

func TestPipeline_RecordsProviderMetrics(t *testing.T) {
	m := observability.NewMetricsForTesting()
	p := newPipeline(t, clockwork.NewFakeClockAt(epoch), m, nil,
		succeed(model.SourceGoogle, -17.8216, 31.0469, ""),
		fail(model.SourceNominatim, model.ErrorKindTimeout),
	)

	process(t, p, model.NewLocationQuery("b1", hospitalName, "ZW", epoch))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("google", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("nominatim", "timeout")))
}
