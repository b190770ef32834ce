package model

import (
	"time"
)

// Agreement summarises how tightly the successful coordinates cluster.
type Agreement string

const (
	AgreementHigh         Agreement = "high"
	AgreementMedium       Agreement = "medium"
	AgreementLow          Agreement = "low"
	AgreementUnresolvable Agreement = "unresolvable" // zero successful sources
)

// PairDistance is the great-circle distance between two sources' answers.
type PairDistance struct {
	A  Source  `json:"a"`
	B  Source  `json:"b"`
	Km float64 `json:"km"`
}

// Analysis holds the derived statistics of a GeocodingResult. Variance and
// max distance are nil when no provider succeeded.
type Analysis struct {
	SuccessCount       int            `json:"success_count"`
	CoordinateVariance *float64       `json:"coordinate_variance_km,omitempty"`
	MaxDistanceKm      *float64       `json:"max_distance_km,omitempty"`
	Agreement          Agreement      `json:"agreement_level"`
	Distances          []PairDistance `json:"distances,omitempty"`
	Clusters           [][]Source     `json:"clusters,omitempty"`
	Centroid           *Coordinate    `json:"centroid,omitempty"`
	Outliers           []Source       `json:"outliers,omitempty"`
	OutOfBounds        []Source       `json:"out_of_bounds,omitempty"`
}

// Resolvable reports whether at least one provider succeeded.
func (a Analysis) Resolvable() bool { return a.SuccessCount > 0 }

// LowEvidence reports whether the result rests on a single source.
func (a Analysis) LowEvidence() bool { return a.SuccessCount == 1 }

// GeocodingResult owns the provider outcomes of one query cycle.
type GeocodingResult struct {
	ID        string            `json:"id"`
	QueryID   string            `json:"query_id"`
	BatchID   string            `json:"batch_id"` // batch that produced this cycle
	Cycle     int               `json:"cycle"`
	Outcomes  []ProviderOutcome `json:"outcomes"`
	Analysis  Analysis          `json:"analysis"`
	CreatedAt time.Time         `json:"created_at"`
}

// Status is the validation state of a result.
type Status string

const (
	StatusPending      Status = "pending"
	StatusScored       Status = "scored"
	StatusAutoApproved Status = "auto_approved"
	StatusNeedsReview  Status = "needs_review"
	StatusUnresolvable Status = "unresolvable"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
)

// Statuses lists every validation status.
var Statuses = []Status{
	StatusPending,
	StatusScored,
	StatusAutoApproved,
	StatusNeedsReview,
	StatusUnresolvable,
	StatusApproved,
	StatusRejected,
}

// Terminal reports whether no further transition is allowed without reopening.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Decided reports whether the automatic part of the lifecycle has finished.
func (s Status) Decided() bool {
	switch s {
	case StatusAutoApproved, StatusNeedsReview, StatusUnresolvable, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Reviewable reports whether a manual action may be applied.
func (s Status) Reviewable() bool {
	return s == StatusNeedsReview || s == StatusUnresolvable
}

// SubScores are the four independent confidence components, each in [0,1].
type SubScores struct {
	APIAgreement       float64 `json:"api_agreement"`
	ReverseGeocoding   float64 `json:"reverse_geocoding"`
	DistanceConfidence float64 `json:"distance_confidence"`
	SourceReliability  float64 `json:"source_reliability"`
}

// FinalOrigin records which coordinate pair populated the final output.
type FinalOrigin string

const (
	FinalNone        FinalOrigin = ""
	FinalRecommended FinalOrigin = "recommended"
	FinalManual      FinalOrigin = "manual"
)

// Transition is one entry of a result's audit trail.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// ValidationResult is the scored, decided view of a GeocodingResult.
type ValidationResult struct {
	ID                string         `json:"id"`
	GeocodingID       string         `json:"geocoding_id"`
	QueryID           string         `json:"query_id"`
	Cycle             int            `json:"cycle"`
	Scores            SubScores      `json:"scores"`
	ConfidenceScore   float64        `json:"confidence_score"`
	ConfidenceLevel   string         `json:"confidence_level,omitempty"`
	RecommendedSource Source         `json:"recommended_source,omitempty"`
	Recommended       *Coordinate    `json:"recommended,omitempty"`
	ReverseAddress    string         `json:"reverse_address,omitempty"`
	Recommendation    string         `json:"recommendation,omitempty"`
	Status            Status         `json:"status"`
	Manual            *Coordinate    `json:"manual,omitempty"`
	ManualReviewNotes string         `json:"manual_review_notes,omitempty"`
	ValidatedBy       string         `json:"validated_by,omitempty"`
	ValidatedAt       *time.Time     `json:"validated_at,omitempty"`
	Final             *Coordinate    `json:"final,omitempty"`
	FinalOrigin       FinalOrigin    `json:"final_origin,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	History           []Transition   `json:"history,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ArchivedAt        *time.Time     `json:"archived_at,omitempty"`
}

// Record bundles a query with its current geocoding and validation results.
type Record struct {
	Query      LocationQuery     `json:"query"`
	Geocoding  *GeocodingResult  `json:"geocoding,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// ReviewAction is the reviewer's verdict.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
)

// ReviewDecision is a manual action submitted for a result.
type ReviewDecision struct {
	Action   ReviewAction `json:"action"`
	Manual   *Coordinate  `json:"manual,omitempty"`
	Notes    string       `json:"notes,omitempty"`
	Reviewer string       `json:"reviewer"`
}
