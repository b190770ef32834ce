package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/cluster"
	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/scoring"
)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Consult(ctx context.Context, req OracleRequest) ([]byte, error) {
	args := m.Called(ctx, req)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Error(1)
}

func ok(src model.Source, lat, lng float64) model.ProviderOutcome {
	return model.SuccessOutcome(src, model.Coordinate{Lat: lat, Lng: lng}, string(src)+" address")
}

func scenarioB() []model.ProviderOutcome {
	return []model.ProviderOutcome{
		ok(model.SourceGoogle, -17.82, 31.05),
		ok(model.SourceNominatim, -17.821, 31.051),
		ok(model.SourceGazetteer, -17.90, 31.20),
		ok(model.SourceArcGIS, -17.901, 31.201),
	}
}

func analyze(outcomes []model.ProviderOutcome) model.Analysis {
	return cluster.NewAnalyzer(cluster.DefaultConfig()).Analyze(outcomes)
}

func query() model.LocationQuery {
	return model.LocationQuery{ID: "q1", BatchID: "b1", Name: "Harare Central Hospital", Country: "ZW"}
}

func rel() scoring.Reliability { return scoring.DefaultReliability() }

type relFunc func(model.Source) float64

func (f relFunc) Reliability(s model.Source) float64 { return f(s) }

func defaultRel() Reliability {
	r := rel()
	return relFunc(r.Score)
}

func TestPick_ClusterWithMostReliableSource(t *testing.T) {
	t.Parallel()

	outcomes := scenarioB()
	r := New(defaultRel(), nil, 0)
	src, found := r.Pick(outcomes, analyze(outcomes))
	require.True(t, found)
	assert.Equal(t, model.SourceGazetteer, src)
}

func TestPick_TieBrokenBySizeThenPriority(t *testing.T) {
	t.Parallel()

	flat := relFunc(func(model.Source) float64 { return 0.5 })
	r := New(flat, nil, 0)

	bySize := []model.ProviderOutcome{
		ok(model.SourceGoogle, -17.82, 31.05),
		ok(model.SourceArcGIS, -17.90, 31.20),
		ok(model.SourceNominatim, -17.901, 31.201),
	}
	src, _ := r.Pick(bySize, analyze(bySize))
	assert.Equal(t, model.SourceArcGIS, src)

	byPriority := []model.ProviderOutcome{
		ok(model.SourceNominatim, -17.82, 31.05),
		ok(model.SourceArcGIS, -17.90, 31.20),
	}
	src, _ = r.Pick(byPriority, analyze(byPriority))
	assert.Equal(t, model.SourceArcGIS, src)
}

func TestPick_NothingSucceeded(t *testing.T) {
	t.Parallel()

	outcomes := []model.ProviderOutcome{model.FailedOutcome(model.SourceGoogle, model.ErrorKindTimeout, "t")}
	_, found := New(defaultRel(), nil, 0).Pick(outcomes, analyze(outcomes))
	assert.False(t, found)
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	outcomes := scenarioB()
	d, found := New(defaultRel(), nil, 0).Resolve(context.Background(), query(), outcomes, analyze(outcomes))
	require.True(t, found)
	assert.Equal(t, MethodDeterministic, d.Method)
	assert.False(t, d.Consulted)
	assert.Equal(t, model.Coordinate{Lat: -17.90, Lng: 31.20}, d.Coordinate)
}

func TestResolve_OracleOverrides(t *testing.T) {
	t.Parallel()

	outcomes := scenarioB()
	o := &mockOracle{}
	o.On("Consult", mock.Anything, mock.MatchedBy(func(req OracleRequest) bool {
		return req.Query == "Harare Central Hospital" && len(req.Sources) == 4 && len(req.Distances) == 6 &&
			req.AgreementLevel == model.AgreementLow && req.MaxDistanceKm > 5
	})).Return([]byte(`{"recommendedSource":"google","confidence":0.7,"reasoning":"address matches","outlierSources":["arcgis"]}`), nil)

	d, _ := New(defaultRel(), o, time.Second).Resolve(context.Background(), query(), outcomes, analyze(outcomes))

	assert.Equal(t, MethodOracle, d.Method)
	assert.True(t, d.Consulted)
	assert.Equal(t, model.SourceGoogle, d.Source)
	assert.Equal(t, model.SourceGazetteer, d.Deterministic)
	assert.Equal(t, model.Coordinate{Lat: -17.82, Lng: 31.05}, d.Coordinate)
	require.NotNil(t, d.Verdict)
	assert.Equal(t, []model.Source{model.SourceArcGIS}, d.Verdict.OutlierSources)
	assert.JSONEq(t, `{"recommendedSource":"google","confidence":0.7,"reasoning":"address matches","outlierSources":["arcgis"]}`, string(d.RawVerdict))
	o.AssertExpectations(t)
}

func TestResolve_OracleFailuresFallBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     []byte
		err     error
		wantErr error
	}{
		{"unavailable", nil, errors.New("connection refused"), ErrOracleUnavailable},
		{"not json", []byte(`I think google`), nil, ErrOracleMalformed},
		{"failed source", []byte(`{"recommendedSource":"validated","confidence":0.9,"reasoning":"x"}`), nil, ErrOracleMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes := scenarioB()
			o := &mockOracle{}
			o.On("Consult", mock.Anything, mock.Anything).Return(tt.raw, tt.err)

			d, _ := New(defaultRel(), o, time.Second).Resolve(context.Background(), query(), outcomes, analyze(outcomes))
			assert.Equal(t, MethodDeterministic, d.Method)
			assert.Equal(t, model.SourceGazetteer, d.Source)
			assert.True(t, d.Consulted)
			assert.NotEmpty(t, d.OracleError)
			assert.Nil(t, d.Verdict)
		})
	}
}

func TestResolve_OracleSkippedOnHighAgreement(t *testing.T) {
	t.Parallel()

	outcomes := []model.ProviderOutcome{
		ok(model.SourceGoogle, -17.82, 31.05),
		ok(model.SourceArcGIS, -17.8201, 31.0501),
	}
	o := &mockOracle{}
	d, _ := New(defaultRel(), o, time.Second).Resolve(context.Background(), query(), outcomes, analyze(outcomes))
	assert.False(t, d.Consulted)
	assert.Equal(t, model.SourceGoogle, d.Source)
	o.AssertNotCalled(t, "Consult", mock.Anything, mock.Anything)
}
