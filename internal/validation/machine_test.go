package validation

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/facility-locator/internal/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T) (*Machine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	m, err := NewMachine(DefaultThresholds(), clock)
	require.NoError(t, err)
	return m, clock
}

func geocoding() *model.GeocodingResult {
	return &model.GeocodingResult{ID: "g1", QueryID: "q1", Cycle: 1}
}

func eval(successes int, agreement model.Agreement, confidence float64) Evaluation {
	ev := Evaluation{
		Analysis:   model.Analysis{SuccessCount: successes, Agreement: agreement},
		Confidence: confidence,
	}
	if successes > 0 {
		ev.RecommendedSource = model.SourceGazetteer
		ev.Recommended = &model.Coordinate{Lat: -17.82, Lng: 31.05}
	}
	return ev
}

func evaluate(t *testing.T, m *Machine, g *model.GeocodingResult, ev Evaluation) *model.ValidationResult {
	t.Helper()
	v, err := m.Evaluate(g, ev)
	require.NoError(t, err)
	return v
}

func TestThresholdsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{High: 1.2, Medium: 0.5, MinSourcesForAuto: 2}.Validate())
	assert.Error(t, Thresholds{High: 0.5, Medium: 0.8, MinSourcesForAuto: 2}.Validate())
	assert.Error(t, Thresholds{High: 0.8, Medium: 0.5}.Validate())

	_, err := NewMachine(Thresholds{High: -1}, nil)
	assert.Error(t, err)
}

func TestEvaluate_AutoApproved(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(4, model.AgreementHigh, 0.92))
	assert.Equal(t, model.StatusAutoApproved, v.Status)
	require.NotNil(t, v.Final)
	assert.Equal(t, *v.Recommended, *v.Final)
	assert.Equal(t, model.FinalRecommended, v.FinalOrigin)
	assert.Equal(t, SystemActor, v.ValidatedBy)
	require.NotNil(t, v.ValidatedAt)
	assert.Equal(t, epoch, *v.ValidatedAt)

	var path []model.Status
	for _, tr := range v.History {
		path = append(path, tr.To)
	}
	assert.Equal(t, []model.Status{model.StatusPending, model.StatusScored, model.StatusAutoApproved}, path)
}

func TestEvaluate_NeedsReview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		ev            Evaluation
		lowConfidence bool
	}{
		{"disagreement", eval(4, model.AgreementLow, 0.95), false},
		{"medium band", eval(3, model.AgreementHigh, 0.65), false},
		{"below medium", eval(3, model.AgreementHigh, 0.3), true},
		{"single source", eval(1, model.AgreementHigh, 0.775), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMachine(t)
			v := evaluate(t, m, geocoding(), tt.ev)
			assert.Equal(t, model.StatusNeedsReview, v.Status)
			assert.Nil(t, v.Final)
			assert.Equal(t, tt.lowConfidence, v.Metadata["low_confidence"])
			assert.NotEmpty(t, v.Metadata["review_reason"])
		})
	}
}

func TestEvaluate_OutOfBoundsBlocksAutoApproval(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	ev := eval(3, model.AgreementHigh, 0.9)
	ev.Analysis.OutOfBounds = []model.Source{model.SourceGazetteer}
	v := evaluate(t, m, geocoding(), ev)
	assert.Equal(t, model.StatusNeedsReview, v.Status)
}

func TestEvaluate_Unresolvable(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(0, model.AgreementUnresolvable, 0))
	assert.Equal(t, model.StatusUnresolvable, v.Status)
	assert.Nil(t, v.Final)
	assert.Nil(t, v.ValidatedAt)
}

func TestScoreAndDecide_RejectOutOfOrder(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	v := m.Start(geocoding())
	assert.ErrorIs(t, m.Decide(v, model.Analysis{}), ErrInvalidTransition)
	require.NoError(t, m.Score(v, eval(2, model.AgreementHigh, 0.9)))
	assert.ErrorIs(t, m.Score(v, eval(2, model.AgreementHigh, 0.9)), ErrInvalidTransition)
}

func TestEvaluate_ReturnsScoreError(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	ev := eval(2, model.AgreementHigh, 0.9)
	ev.Recommended = &model.Coordinate{Lat: 95, Lng: 31.05}
	v, err := m.Evaluate(geocoding(), ev)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
	assert.Nil(t, v)

	v, err = m.Evaluate(geocoding(), eval(2, model.AgreementHigh, 0.9))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAutoApproved, v.Status)
}

func TestReview_ApproveWithManualOverride(t *testing.T) {
	t.Parallel()
	m, clock := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(4, model.AgreementLow, 0.6))
	clock.Advance(time.Hour)

	manual := model.Coordinate{Lat: -17.8601, Lng: 31.0322}
	err := m.Review(v, model.ReviewDecision{Action: model.ReviewApprove, Manual: &manual, Notes: "checked on imagery", Reviewer: "alice"})
	require.NoError(t, err)

	assert.Equal(t, model.StatusApproved, v.Status)
	assert.Equal(t, manual, *v.Final)
	assert.NotEqual(t, *v.Recommended, *v.Final)
	assert.Equal(t, model.FinalManual, v.FinalOrigin)
	assert.Equal(t, "alice", v.ValidatedBy)
	assert.Equal(t, epoch.Add(time.Hour), *v.ValidatedAt)
	assert.Equal(t, "checked on imagery", v.ManualReviewNotes)
	assert.Equal(t, "alice", v.History[len(v.History)-1].Actor)
}

func TestReview_ApproveUsesRecommended(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(3, model.AgreementMedium, 0.7))
	require.NoError(t, m.Review(v, model.ReviewDecision{Action: model.ReviewApprove, Reviewer: "bob"}))
	assert.Equal(t, *v.Recommended, *v.Final)
	assert.Equal(t, model.FinalRecommended, v.FinalOrigin)
}

func TestReview_UnresolvableNeedsManual(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(0, model.AgreementUnresolvable, 0))
	err := m.Review(v, model.ReviewDecision{Action: model.ReviewApprove, Reviewer: "bob"})
	assert.ErrorIs(t, err, ErrManualCoordinatesRequired)
	assert.Equal(t, model.StatusUnresolvable, v.Status)

	manual := model.Coordinate{Lat: -18, Lng: 31}
	require.NoError(t, m.Review(v, model.ReviewDecision{Action: model.ReviewApprove, Manual: &manual, Reviewer: "bob"}))
	assert.Equal(t, model.StatusApproved, v.Status)
	assert.Equal(t, manual, *v.Final)
}

func TestReview_RejectIsImmutable(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(4, model.AgreementLow, 0.6))
	require.NoError(t, m.Review(v, model.ReviewDecision{Action: model.ReviewReject, Reviewer: "carol"}))
	assert.Equal(t, model.StatusRejected, v.Status)
	assert.Nil(t, v.Final)
	assert.Equal(t, model.FinalNone, v.FinalOrigin)

	manual := model.Coordinate{Lat: 1, Lng: 1}
	err := m.Review(v, model.ReviewDecision{Action: model.ReviewApprove, Manual: &manual, Reviewer: "carol"})
	assert.ErrorIs(t, err, ErrImmutable)
	assert.Nil(t, v.Final)
}

func TestReview_InputErrors(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	auto := evaluate(t, m, geocoding(), eval(4, model.AgreementHigh, 0.95))
	assert.ErrorIs(t, m.Review(auto, model.ReviewDecision{Action: model.ReviewReject, Reviewer: "x"}), ErrInvalidTransition)

	v := evaluate(t, m, geocoding(), eval(4, model.AgreementLow, 0.6))
	assert.ErrorIs(t, m.Review(v, model.ReviewDecision{Action: model.ReviewApprove}), ErrReviewerRequired)

	bad := model.Coordinate{Lat: 95, Lng: 0}
	assert.ErrorIs(t, m.Review(v, model.ReviewDecision{Action: model.ReviewApprove, Manual: &bad, Reviewer: "x"}), ErrInvalidCoordinates)
	assert.ErrorIs(t, m.Review(v, model.ReviewDecision{Action: "maybe", Reviewer: "x"}), ErrInvalidTransition)
	assert.Equal(t, model.StatusNeedsReview, v.Status)
}

func TestArchive(t *testing.T) {
	t.Parallel()
	m, clock := newTestMachine(t)

	v := evaluate(t, m, geocoding(), eval(4, model.AgreementLow, 0.6))
	require.NoError(t, m.Review(v, model.ReviewDecision{Action: model.ReviewReject, Reviewer: "carol"}))

	clock.Advance(time.Minute)
	require.NoError(t, m.Archive(v, "dave"))
	require.NotNil(t, v.ArchivedAt)
	assert.Equal(t, epoch.Add(time.Minute), *v.ArchivedAt)
	assert.Equal(t, model.StatusRejected, v.Status)
	assert.ErrorIs(t, m.Archive(v, "dave"), ErrInvalidTransition)

	pending := m.Start(geocoding())
	assert.ErrorIs(t, m.Archive(pending, "dave"), ErrInvalidTransition)
}
