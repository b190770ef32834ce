// Package scoring combines agreement, reverse-geocode similarity, distance
// confidence and source reliability into one confidence score.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/model"
)

// Weights are the coefficients of the four sub-scores. They must sum to 1.
type Weights struct {
	APIAgreement       float64 `yaml:"api_agreement" mapstructure:"api_agreement"`
	ReverseGeocoding   float64 `yaml:"reverse_geocoding" mapstructure:"reverse_geocoding"`
	DistanceConfidence float64 `yaml:"distance_confidence" mapstructure:"distance_confidence"`
	SourceReliability  float64 `yaml:"source_reliability" mapstructure:"source_reliability"`
}

// DefaultWeights returns 0.3/0.25/0.25/0.2.
func DefaultWeights() Weights {
	return Weights{
		APIAgreement:       0.3,
		ReverseGeocoding:   0.25,
		DistanceConfidence: 0.25,
		SourceReliability:  0.2,
	}
}

// Validate checks that every weight is non-negative and that they sum to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"api_agreement":       w.APIAgreement,
		"reverse_geocoding":   w.ReverseGeocoding,
		"distance_confidence": w.DistanceConfidence,
		"source_reliability":  w.SourceReliability,
	} {
		if v < 0 || math.IsNaN(v) {
			return eris.Errorf("scoring: weight %s must be non-negative, got %v", name, v)
		}
	}
	sum := w.APIAgreement + w.ReverseGeocoding + w.DistanceConfidence + w.SourceReliability
	if math.Abs(sum-1) > 1e-6 {
		return eris.Errorf("scoring: weights must sum to 1, got %.6f", sum)
	}
	return nil
}

// Config tunes the scorer.
type Config struct {
	Weights Weights
	// VarianceNormalizerKm is the mean pairwise distance at which agreement
	// drops to zero.
	VarianceNormalizerKm float64
	// SingleSourceAgreement replaces the agreement score when only one
	// source answered.
	SingleSourceAgreement float64
	Reliability           Reliability
}

// DefaultConfig returns the stock scorer settings.
func DefaultConfig() Config {
	return Config{
		Weights:               DefaultWeights(),
		VarianceNormalizerKm:  20,
		SingleSourceAgreement: 0.25,
		Reliability:           DefaultReliability(),
	}
}

// Scorer is a pure function of its inputs: no clocks, no randomness.
type Scorer struct {
	cfg Config
}

// New creates a Scorer after validating the weights.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.VarianceNormalizerKm <= 0 {
		return nil, eris.New("scoring: variance normalizer must be positive")
	}
	if cfg.SingleSourceAgreement < 0 || cfg.SingleSourceAgreement > 1 {
		return nil, eris.New("scoring: single source agreement must be in [0,1]")
	}
	if cfg.Reliability.Classes == nil {
		cfg.Reliability = DefaultReliability()
	}
	return &Scorer{cfg: cfg}, nil
}

// Input is everything the scorer looks at.
type Input struct {
	Analysis          model.Analysis
	Recommended       model.Source
	ReverseSimilarity float64
}

// Score returns the sub-scores and their weighted combination.
func (s *Scorer) Score(in Input) (model.SubScores, float64) {
	if !in.Analysis.Resolvable() {
		return model.SubScores{}, 0
	}

	sub := model.SubScores{
		APIAgreement:       s.apiAgreement(in.Analysis),
		ReverseGeocoding:   clamp01(in.ReverseSimilarity),
		DistanceConfidence: DistanceConfidence(in.Analysis.Agreement),
		SourceReliability:  clamp01(s.cfg.Reliability.Score(in.Recommended)),
	}

	w := s.cfg.Weights
	total := w.APIAgreement*sub.APIAgreement +
		w.ReverseGeocoding*sub.ReverseGeocoding +
		w.DistanceConfidence*sub.DistanceConfidence +
		w.SourceReliability*sub.SourceReliability
	return sub, clamp01(total)
}

// Reliability returns the reliability score the scorer assigns to src.
func (s *Scorer) Reliability(src model.Source) float64 {
	return clamp01(s.cfg.Reliability.Score(src))
}

func (s *Scorer) apiAgreement(a model.Analysis) float64 {
	if a.LowEvidence() {
		return s.cfg.SingleSourceAgreement
	}
	variance := 0.0
	if a.CoordinateVariance != nil {
		variance = *a.CoordinateVariance
	}
	return clamp01(1 - math.Min(1, variance/s.cfg.VarianceNormalizerKm))
}

// DistanceConfidence maps an agreement level to 1, 0.5 or 0.1.
func DistanceConfidence(a model.Agreement) float64 {
	switch a {
	case model.AgreementHigh:
		return 1
	case model.AgreementMedium:
		return 0.5
	case model.AgreementLow:
		return 0.1
	default:
		return 0
	}
}

// Level labels a confidence score for people reading results.
func Level(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.6:
		return "medium"
	default:
		return "low"
	}
}

// Recommendation is a one-line suggestion for reviewers.
func Recommendation(src model.Source, score float64) string {
	if src == "" {
		return "No provider returned coordinates. Supply coordinates manually or reject."
	}
	name := strings.ToUpper(string(src))
	switch Level(score) {
	case "high":
		return fmt.Sprintf("Excellent confidence result. Recommend using %s coordinates.", name)
	case "medium":
		return fmt.Sprintf("Good confidence result. Suggest using %s coordinates.", name)
	default:
		return "Manual review recommended due to low confidence scores."
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
