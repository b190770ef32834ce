// Package resolve picks the recommended source for a geocoding result,
// optionally consulting an advisory oracle when providers disagree.
package resolve

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/model"
)

var (
	// ErrOracleUnavailable means the oracle could not be reached or failed.
	ErrOracleUnavailable = eris.New("resolve: oracle unavailable")
	// ErrOracleMalformed means the oracle answered outside the verdict schema.
	ErrOracleMalformed = eris.New("resolve: oracle response malformed")
)

// Method records how the recommendation was reached.
type Method string

const (
	MethodDeterministic Method = "deterministic"
	MethodOracle        Method = "oracle"
)

// SourceEvidence is one successful provider answer as shown to the oracle.
type SourceEvidence struct {
	Source      model.Source `json:"source"`
	Lat         float64      `json:"lat"`
	Lng         float64      `json:"lng"`
	Address     string       `json:"address,omitempty"`
	Reliability float64      `json:"reliability"`
}

// OracleRequest is the structured context sent to the oracle.
type OracleRequest struct {
	Query          string               `json:"query"`
	Country        string               `json:"country,omitempty"`
	Sources        []SourceEvidence     `json:"sources"`
	Distances      []model.PairDistance `json:"distances"`
	MaxDistanceKm  float64              `json:"maxDistanceKm"`
	AgreementLevel model.Agreement      `json:"agreementLevel"`
}

// Oracle returns the raw verdict JSON for a request. Implementations should
// wrap transport and API failures in ErrOracleUnavailable.
type Oracle interface {
	Consult(ctx context.Context, req OracleRequest) ([]byte, error)
}

// Reliability scores a source.
type Reliability interface {
	Reliability(src model.Source) float64
}

// Decision is the resolver's output.
type Decision struct {
	Source        model.Source
	Coordinate    model.Coordinate
	Method        Method
	Deterministic model.Source
	Consulted     bool
	Verdict       *Verdict
	RawVerdict    json.RawMessage
	OracleError   string
}

// Resolver picks a recommended source.
type Resolver struct {
	reliability Reliability
	oracle      Oracle
	timeout     time.Duration
}

// New creates a Resolver. oracle may be nil.
func New(reliability Reliability, oracle Oracle, timeout time.Duration) *Resolver {
	return &Resolver{reliability: reliability, oracle: oracle, timeout: timeout}
}

// Pick returns the deterministic recommendation: the member with the
// highest reliability in the cluster containing the most reliable source.
// Ties between clusters go to the larger one, then to provider priority.
// ok is false when nothing succeeded.
func (r *Resolver) Pick(outcomes []model.ProviderOutcome, a model.Analysis) (model.Source, bool) {
	clusters := a.Clusters
	if len(clusters) == 0 {
		for _, o := range model.Successful(outcomes) {
			clusters = append(clusters, []model.Source{o.Source})
		}
	}
	if len(clusters) == 0 {
		return "", false
	}

	var (
		best     model.Source
		bestRel  = -1.0
		bestSize int
	)
	for _, c := range clusters {
		champ, rel := r.champion(c)
		switch {
		case rel > bestRel,
			rel == bestRel && len(c) > bestSize,
			rel == bestRel && len(c) == bestSize && champ.Priority() < best.Priority():
			best, bestRel, bestSize = champ, rel, len(c)
		}
	}
	return best, true
}

func (r *Resolver) champion(members []model.Source) (model.Source, float64) {
	var champ model.Source
	rel := -1.0
	for _, s := range members {
		v := r.reliability.Reliability(s)
		if v > rel || (v == rel && s.Priority() < champ.Priority()) {
			champ, rel = s, v
		}
	}
	return champ, rel
}

// Resolve picks the recommended source for q. When agreement is not high
// and an oracle is configured, its verdict overrides the deterministic pick
// if it validates. Oracle failures are logged and recorded on the decision,
// never returned. ok is false when no provider succeeded.
func (r *Resolver) Resolve(ctx context.Context, q model.LocationQuery, outcomes []model.ProviderOutcome, a model.Analysis) (Decision, bool) {
	pick, ok := r.Pick(outcomes, a)
	if !ok {
		return Decision{}, false
	}
	d := Decision{
		Source:        pick,
		Method:        MethodDeterministic,
		Deterministic: pick,
	}

	if r.oracle != nil && a.Agreement != model.AgreementHigh && a.SuccessCount >= 2 {
		d.Consulted = true
		v, raw, err := r.consult(ctx, q, outcomes, a)
		if err != nil {
			d.OracleError = err.Error()
			zap.L().Warn("resolve: oracle ignored, keeping deterministic pick",
				zap.String("query_id", q.ID),
				zap.String("batch_id", q.BatchID),
				zap.String("source", string(pick)),
				zap.Error(err),
			)
		} else {
			d.Verdict = v
			d.RawVerdict = raw
			d.Source = v.RecommendedSource
			d.Method = MethodOracle
		}
	}

	if o, found := model.FindOutcome(outcomes, d.Source); found && o.Coordinate != nil {
		d.Coordinate = *o.Coordinate
	}
	return d, true
}

func (r *Resolver) consult(ctx context.Context, q model.LocationQuery, outcomes []model.ProviderOutcome, a model.Analysis) (*Verdict, json.RawMessage, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req := r.request(q, outcomes, a)
	raw, err := r.oracle.Consult(ctx, req)
	if err != nil {
		if eris.Is(err, ErrOracleUnavailable) || eris.Is(err, ErrOracleMalformed) {
			return nil, nil, err
		}
		return nil, nil, eris.Wrapf(ErrOracleUnavailable, "%v", err)
	}

	var successful []model.Source
	for _, s := range req.Sources {
		successful = append(successful, s.Source)
	}
	v, err := ParseVerdict(raw, successful)
	if err != nil {
		return nil, nil, err
	}
	return v, json.RawMessage(raw), nil
}

func (r *Resolver) request(q model.LocationQuery, outcomes []model.ProviderOutcome, a model.Analysis) OracleRequest {
	req := OracleRequest{
		Query:          q.Name,
		Country:        q.Country,
		Distances:      a.Distances,
		AgreementLevel: a.Agreement,
	}
	if a.MaxDistanceKm != nil {
		req.MaxDistanceKm = *a.MaxDistanceKm
	}
	for _, o := range model.Successful(outcomes) {
		req.Sources = append(req.Sources, SourceEvidence{
			Source:      o.Source,
			Lat:         o.Coordinate.Lat,
			Lng:         o.Coordinate.Lng,
			Address:     o.RawAddress,
			Reliability: r.reliability.Reliability(o.Source),
		})
	}
	return req
}
