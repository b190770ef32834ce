// Package validation assigns and transitions the status of a geocoding
// result: PENDING → SCORED → {AUTO_APPROVED | NEEDS_REVIEW | UNRESOLVABLE},
// then by manual action to APPROVED or REJECTED.
package validation

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
)

// SystemActor is recorded for automatic transitions.
const SystemActor = "system"

var (
	ErrImmutable                 = eris.New("validation: result is approved or rejected and cannot change")
	ErrInvalidTransition         = eris.New("validation: transition not allowed from current status")
	ErrManualCoordinatesRequired = eris.New("validation: manual coordinates required to approve")
	ErrInvalidCoordinates        = eris.New("validation: coordinates out of range")
	ErrReviewerRequired          = eris.New("validation: reviewer is required")
)

// Thresholds control the automatic decision.
type Thresholds struct {
	High              float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	Medium            float64 `yaml:"medium_threshold" mapstructure:"medium_threshold"`
	MinSourcesForAuto int     `yaml:"min_sources_for_auto" mapstructure:"min_sources_for_auto"`
}

// DefaultThresholds returns 0.8 / 0.5 with at least two agreeing sources.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.8, Medium: 0.5, MinSourcesForAuto: 2}
}

// Validate checks that both thresholds lie in [0,1] and medium <= high.
func (t Thresholds) Validate() error {
	if t.High < 0 || t.High > 1 || t.Medium < 0 || t.Medium > 1 {
		return eris.Errorf("validation: thresholds must be in [0,1] (high=%v medium=%v)", t.High, t.Medium)
	}
	if t.Medium > t.High {
		return eris.Errorf("validation: medium threshold %v exceeds high threshold %v", t.Medium, t.High)
	}
	if t.MinSourcesForAuto < 1 {
		return eris.Errorf("validation: min sources for auto approval must be >= 1, got %d", t.MinSourcesForAuto)
	}
	return nil
}

// Evaluation is everything the scorer and resolver produced for a result.
type Evaluation struct {
	Analysis          model.Analysis
	Scores            model.SubScores
	Confidence        float64
	Level             string
	Recommendation    string
	RecommendedSource model.Source
	Recommended       *model.Coordinate
	ReverseAddress    string
	Metadata          map[string]any
}

// Machine applies the validation state machine.
type Machine struct {
	th    Thresholds
	clock clockwork.Clock
}

// NewMachine creates a Machine. A nil clock uses the real clock.
func NewMachine(th Thresholds, clock clockwork.Clock) (*Machine, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{th: th, clock: clock}, nil
}

// Thresholds returns the configured thresholds.
func (m *Machine) Thresholds() Thresholds { return m.th }

func (m *Machine) now() time.Time { return m.clock.Now().UTC() }

// Start creates the PENDING result for g.
func (m *Machine) Start(g *model.GeocodingResult) *model.ValidationResult {
	now := m.now()
	v := &model.ValidationResult{
		ID:          uuid.New().String(),
		GeocodingID: g.ID,
		QueryID:     g.QueryID,
		Cycle:       g.Cycle,
		Status:      model.StatusPending,
		Metadata:    map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	v.History = append(v.History, model.Transition{To: model.StatusPending, At: now, Actor: SystemActor})
	return v
}

// Score records the evaluation and moves PENDING to SCORED.
func (m *Machine) Score(v *model.ValidationResult, ev Evaluation) error {
	if v.Status != model.StatusPending {
		return eris.Wrapf(ErrInvalidTransition, "score from %s", v.Status)
	}
	if ev.Recommended != nil && !ev.Recommended.Valid() {
		return eris.Wrapf(ErrInvalidCoordinates, "recommended (%v, %v)", ev.Recommended.Lat, ev.Recommended.Lng)
	}

	v.Scores = ev.Scores
	v.ConfidenceScore = ev.Confidence
	v.ConfidenceLevel = ev.Level
	v.Recommendation = ev.Recommendation
	v.RecommendedSource = ev.RecommendedSource
	v.Recommended = ev.Recommended
	v.ReverseAddress = ev.ReverseAddress
	if v.Metadata == nil {
		v.Metadata = map[string]any{}
	}
	for k, val := range ev.Metadata {
		v.Metadata[k] = val
	}
	m.transition(v, model.StatusScored, SystemActor, "")
	return nil
}

// Decide moves SCORED to AUTO_APPROVED, NEEDS_REVIEW or UNRESOLVABLE.
func (m *Machine) Decide(v *model.ValidationResult, a model.Analysis) error {
	if v.Status != model.StatusScored {
		return eris.Wrapf(ErrInvalidTransition, "decide from %s", v.Status)
	}

	if !a.Resolvable() || v.Recommended == nil {
		v.Final, v.FinalOrigin = nil, model.FinalNone
		m.transition(v, model.StatusUnresolvable, SystemActor, "no provider returned a coordinate")
		return nil
	}

	lowEvidence := a.SuccessCount < m.th.MinSourcesForAuto
	lowConfidence := v.ConfidenceScore < m.th.Medium
	outOfBounds := slices.Contains(a.OutOfBounds, v.RecommendedSource)
	v.Metadata["low_evidence"] = lowEvidence
	v.Metadata["low_confidence"] = lowConfidence

	var reason string
	switch {
	case a.Agreement != model.AgreementHigh:
		reason = "providers disagree beyond the conflict threshold"
	case lowEvidence:
		reason = "too few sources for automatic approval"
	case outOfBounds:
		reason = "recommended coordinate lies outside the country"
	case v.ConfidenceScore < m.th.High:
		reason = "confidence below the auto-approval threshold"
	}

	if reason == "" {
		final := *v.Recommended
		now := m.now()
		v.Final, v.FinalOrigin = &final, model.FinalRecommended
		v.ValidatedBy, v.ValidatedAt = SystemActor, &now
		m.transition(v, model.StatusAutoApproved, SystemActor, "")
		return nil
	}

	v.Metadata["review_reason"] = reason
	m.transition(v, model.StatusNeedsReview, SystemActor, reason)
	return nil
}

// Evaluate runs Start, Score and Decide for a freshly analysed result.
func (m *Machine) Evaluate(g *model.GeocodingResult, ev Evaluation) (*model.ValidationResult, error) {
	v := m.Start(g)
	if err := m.Score(v, ev); err != nil {
		return nil, err
	}
	if err := m.Decide(v, ev.Analysis); err != nil {
		return nil, err
	}
	return v, nil
}

// Review applies a manual decision to a NEEDS_REVIEW or UNRESOLVABLE result.
// Manual coordinates, when given, become the final coordinate on approval.
func (m *Machine) Review(v *model.ValidationResult, d model.ReviewDecision) error {
	if v.Status.Terminal() {
		return eris.Wrapf(ErrImmutable, "result %s is %s", v.ID, v.Status)
	}
	if !v.Status.Reviewable() {
		return eris.Wrapf(ErrInvalidTransition, "review from %s", v.Status)
	}
	if d.Reviewer == "" {
		return ErrReviewerRequired
	}
	if d.Manual != nil && !d.Manual.Valid() {
		return eris.Wrapf(ErrInvalidCoordinates, "(%v, %v)", d.Manual.Lat, d.Manual.Lng)
	}

	var to model.Status
	switch d.Action {
	case model.ReviewApprove:
		switch {
		case d.Manual != nil:
			final := *d.Manual
			v.Final, v.FinalOrigin = &final, model.FinalManual
		case v.Recommended != nil && v.Status != model.StatusUnresolvable:
			final := *v.Recommended
			v.Final, v.FinalOrigin = &final, model.FinalRecommended
		default:
			return eris.Wrapf(ErrManualCoordinatesRequired, "result %s is %s", v.ID, v.Status)
		}
		to = model.StatusApproved
	case model.ReviewReject:
		v.Final, v.FinalOrigin = nil, model.FinalNone
		to = model.StatusRejected
	default:
		return eris.Wrapf(ErrInvalidTransition, "unknown review action %q", d.Action)
	}

	if d.Manual != nil {
		manual := *d.Manual
		v.Manual = &manual
	}
	now := m.now()
	v.ManualReviewNotes = d.Notes
	v.ValidatedBy, v.ValidatedAt = d.Reviewer, &now
	m.transition(v, to, d.Reviewer, d.Notes)
	return nil
}

// Archive stamps v as superseded. The caller persists the archived copy
// and starts a new cycle.
func (m *Machine) Archive(v *model.ValidationResult, actor string) error {
	if !v.Status.Decided() {
		return eris.Wrapf(ErrInvalidTransition, "reopen from %s", v.Status)
	}
	if v.ArchivedAt != nil {
		return eris.Wrapf(ErrInvalidTransition, "result %s is already archived", v.ID)
	}
	now := m.now()
	v.ArchivedAt = &now
	v.UpdatedAt = now
	v.History = append(v.History, model.Transition{From: v.Status, To: v.Status, At: now, Actor: actor, Note: "reopened"})
	return nil
}

func (m *Machine) transition(v *model.ValidationResult, to model.Status, actor, note string) {
	now := m.now()
	v.History = append(v.History, model.Transition{From: v.Status, To: to, At: now, Actor: actor, Note: note})
	v.Status = to
	v.UpdatedAt = now
}
