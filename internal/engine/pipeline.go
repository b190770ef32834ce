package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/facility-locator/internal/cluster"
	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/observability"
	"github.com/sells-group/facility-locator/internal/resolve"
	"github.com/sells-group/facility-locator/internal/scoring"
	"github.com/sells-group/facility-locator/internal/textsim"
	"github.com/sells-group/facility-locator/internal/validation"
	"github.com/sells-group/facility-locator/pkg/geocode"
)

// Fetcher queries one provider. Fetch never fails; errors are carried in
// the outcome. *geocode.Adapter implements it.
type Fetcher interface {
	Source() model.Source
	Fetch(ctx context.Context, q model.LocationQuery, timeout time.Duration) model.ProviderOutcome
}

// BoundsLookup returns the bounding box of a country.
type BoundsLookup interface {
	CountryBounds(ctx context.Context, country string) (orb.Bound, error)
}

// ReverseLookup picks the reverse-geocoded address best matching name.
type ReverseLookup interface {
	Best(ctx context.Context, name string, c model.Coordinate) *geocode.ReverseResult
}

// PipelineDeps holds the collaborators of a Pipeline. Bounds, Reverse and
// Metrics are optional.
type PipelineDeps struct {
	Fetchers []Fetcher
	Timeout  time.Duration
	Analyzer *cluster.Analyzer
	Bounds   BoundsLookup
	Resolver *resolve.Resolver
	Reverse  ReverseLookup
	Scorer   *scoring.Scorer
	Machine  *validation.Machine
	Clock    clockwork.Clock
	Metrics  *observability.Metrics
}

// Pipeline turns one query into a geocoding cycle and its validation result.
// It holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	PipelineDeps
}

// NewPipeline creates a Pipeline. Fetchers are ordered by provider priority
// so outcomes are always recorded in the same order.
func NewPipeline(deps PipelineDeps) *Pipeline {
	deps.Fetchers = slices.Clone(deps.Fetchers)
	slices.SortStableFunc(deps.Fetchers, func(a, b Fetcher) int {
		return a.Source().Priority() - b.Source().Priority()
	})
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Pipeline{PipelineDeps: deps}
}

// Sources lists the providers the pipeline queries, in priority order.
func (p *Pipeline) Sources() []model.Source {
	out := make([]model.Source, len(p.Fetchers))
	for i, f := range p.Fetchers {
		out[i] = f.Source()
	}
	return out
}

// Process runs fan-out, analysis, resolution, scoring and the automatic
// decision for q. Nothing is persisted.
func (p *Pipeline) Process(ctx context.Context, q model.LocationQuery, cycle int) (*model.GeocodingResult, *model.ValidationResult, error) {
	log := zap.L().With(zap.String("query_id", q.ID), zap.String("batch_id", q.BatchID))

	outcomes := p.fanOut(ctx, q)
	analysis := p.Analyzer.Analyze(outcomes)
	analysis.OutOfBounds = p.outOfBounds(ctx, q, outcomes, log)

	g := &model.GeocodingResult{
		ID:        uuid.New().String(),
		QueryID:   q.ID,
		BatchID:   q.BatchID,
		Cycle:     cycle,
		Outcomes:  outcomes,
		Analysis:  analysis,
		CreatedAt: p.Clock.Now().UTC(),
	}

	ev := validation.Evaluation{Analysis: analysis, Metadata: analysisMetadata(analysis)}

	decision, ok := p.Resolver.Resolve(ctx, q, outcomes, analysis)
	if ok {
		recommended := decision.Coordinate
		ev.RecommendedSource = decision.Source
		ev.Recommended = &recommended
		ev.Metadata["resolution_method"] = string(decision.Method)
		ev.Metadata["deterministic_source"] = string(decision.Deterministic)
		ev.Metadata["oracle_consulted"] = decision.Consulted
		if decision.Consulted {
			p.Metrics.ObserveOracle(decision.Verdict != nil)
		}
		if decision.RawVerdict != nil {
			ev.Metadata["oracle_verdict"] = decision.RawVerdict
		}
		if decision.OracleError != "" {
			ev.Metadata["oracle_error"] = decision.OracleError
		}

		var similarity float64
		ev.ReverseAddress, similarity = p.reverse(ctx, q, outcomes, decision, ev.Metadata)
		ev.Scores, ev.Confidence = p.Scorer.Score(scoring.Input{
			Analysis:          analysis,
			Recommended:       decision.Source,
			ReverseSimilarity: similarity,
		})
	}
	ev.Level = scoring.Level(ev.Confidence)
	ev.Recommendation = scoring.Recommendation(ev.RecommendedSource, ev.Confidence)

	v, err := p.Machine.Evaluate(g, ev)
	if err != nil {
		return nil, nil, eris.Wrap(err, "engine: evaluate")
	}
	log.Debug("engine: query evaluated",
		zap.Int("successes", analysis.SuccessCount),
		zap.String("agreement", string(analysis.Agreement)),
		zap.String("source", string(v.RecommendedSource)),
		zap.Float64("confidence", v.ConfidenceScore),
		zap.String("status", string(v.Status)),
	)
	return g, v, nil
}

// fanOut queries every provider concurrently and waits for all of them.
// Each call is bounded by the provider timeout inside the adapter.
func (p *Pipeline) fanOut(ctx context.Context, q model.LocationQuery) []model.ProviderOutcome {
	outcomes := make([]model.ProviderOutcome, len(p.Fetchers))
	var g errgroup.Group
	for i, f := range p.Fetchers {
		g.Go(func() error {
			outcomes[i] = f.Fetch(ctx, q, p.Timeout)
			p.Metrics.ObserveOutcome(outcomes[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Pipeline) outOfBounds(ctx context.Context, q model.LocationQuery, outcomes []model.ProviderOutcome, log *zap.Logger) []model.Source {
	if p.Bounds == nil || q.Country == "" || len(model.Successful(outcomes)) == 0 {
		return nil
	}
	b, err := p.Bounds.CountryBounds(ctx, q.Country)
	if err != nil {
		log.Debug("engine: country bounds unavailable", zap.String("country", q.Country), zap.Error(err))
		return nil
	}
	return cluster.OutOfBounds(outcomes, b)
}

// reverse returns the address describing the chosen coordinate and its
// similarity to the query name. The reverse geocoders are preferred; the
// winning provider's own address is the fallback.
func (p *Pipeline) reverse(ctx context.Context, q model.LocationQuery, outcomes []model.ProviderOutcome, d resolve.Decision, meta map[string]any) (string, float64) {
	if p.Reverse != nil {
		if r := p.Reverse.Best(ctx, q.Name, d.Coordinate); r != nil {
			meta["reverse_source"] = string(r.Source)
			meta["reverse_similarity"] = r.Similarity
			return r.Address, r.Similarity
		}
	}
	if o, ok := model.FindOutcome(outcomes, d.Source); ok && o.RawAddress != "" {
		sim := textsim.AddressSimilarity(q.Name, o.RawAddress)
		meta["reverse_source"] = "provider_address"
		meta["reverse_similarity"] = sim
		return o.RawAddress, sim
	}
	return "", 0
}

func analysisMetadata(a model.Analysis) map[string]any {
	meta := map[string]any{
		"agreement_level": string(a.Agreement),
		"success_count":   a.SuccessCount,
	}
	if a.MaxDistanceKm != nil {
		meta["max_distance_km"] = *a.MaxDistanceKm
	}
	if a.CoordinateVariance != nil {
		meta["coordinate_variance_km"] = *a.CoordinateVariance
	}
	if len(a.Distances) > 0 {
		meta["distances"] = a.Distances
	}
	if len(a.Clusters) > 0 {
		meta["clusters"] = a.Clusters
	}
	if a.Centroid != nil {
		meta["centroid"] = *a.Centroid
	}
	if len(a.Outliers) > 0 {
		meta["outliers"] = a.Outliers
	}
	if len(a.OutOfBounds) > 0 {
		meta["out_of_bounds"] = a.OutOfBounds
	}
	return meta
}
