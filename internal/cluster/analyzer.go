// Package cluster measures how closely provider coordinates agree.
package cluster

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/sells-group/facility-locator/internal/model"
)

// Config holds the distance thresholds used by the analyzer.
type Config struct {
	// ConflictThresholdKm is the distance beyond which two answers disagree.
	ConflictThresholdKm float64
	// MediumMultiplier widens the threshold for the medium agreement band.
	MediumMultiplier float64
	// OutlierCentroidKm flags sources this far from the centroid.
	OutlierCentroidKm float64
	// OutlierSigma flags sources beyond mean + sigma*stddev of centroid distances.
	OutlierSigma float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConflictThresholdKm: 5,
		MediumMultiplier:    3,
		OutlierCentroidKm:   50,
		OutlierSigma:        3,
	}
}

// Analyzer computes distance statistics over provider outcomes.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an Analyzer, filling zero fields from DefaultConfig.
func NewAnalyzer(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.ConflictThresholdKm <= 0 {
		cfg.ConflictThresholdKm = def.ConflictThresholdKm
	}
	if cfg.MediumMultiplier <= 0 {
		cfg.MediumMultiplier = def.MediumMultiplier
	}
	if cfg.OutlierCentroidKm <= 0 {
		cfg.OutlierCentroidKm = def.OutlierCentroidKm
	}
	if cfg.OutlierSigma <= 0 {
		cfg.OutlierSigma = def.OutlierSigma
	}
	return &Analyzer{cfg: cfg}
}

// ThresholdKm returns the conflict threshold in use.
func (a *Analyzer) ThresholdKm() float64 { return a.cfg.ConflictThresholdKm }

// DistanceKm returns the haversine distance between two coordinates in km.
func DistanceKm(a, b model.Coordinate) float64 {
	return geo.DistanceHaversine(toPoint(a), toPoint(b)) / 1000
}

func toPoint(c model.Coordinate) orb.Point {
	return orb.Point{c.Lng, c.Lat}
}

// Analyze derives the agreement statistics for a set of outcomes. Failed
// outcomes are ignored. With no successes the result is marked unresolvable
// and carries no numeric variance.
func (a *Analyzer) Analyze(outcomes []model.ProviderOutcome) model.Analysis {
	ok := sortByPriority(model.Successful(outcomes))
	res := model.Analysis{SuccessCount: len(ok)}
	if len(ok) == 0 {
		res.Agreement = model.AgreementUnresolvable
		return res
	}

	var sum, maxKm float64
	for i := 0; i < len(ok); i++ {
		for j := i + 1; j < len(ok); j++ {
			d := DistanceKm(*ok[i].Coordinate, *ok[j].Coordinate)
			res.Distances = append(res.Distances, model.PairDistance{A: ok[i].Source, B: ok[j].Source, Km: d})
			sum += d
			maxKm = math.Max(maxKm, d)
		}
	}

	variance := 0.0
	if n := len(res.Distances); n > 0 {
		variance = sum / float64(n)
	}
	res.CoordinateVariance = &variance
	res.MaxDistanceKm = &maxKm
	res.Agreement = a.agreement(maxKm)
	res.Clusters = SingleLink(ok, a.cfg.ConflictThresholdKm)

	centroid := Centroid(ok)
	res.Centroid = &centroid
	res.Outliers = a.outliers(ok, Centroid(members(ok, dominant(res.Clusters))))
	return res
}

func (a *Analyzer) agreement(maxKm float64) model.Agreement {
	switch {
	case maxKm < a.cfg.ConflictThresholdKm:
		return model.AgreementHigh
	case maxKm <= a.cfg.ConflictThresholdKm*a.cfg.MediumMultiplier:
		return model.AgreementMedium
	default:
		return model.AgreementLow
	}
}

// Centroid is the arithmetic mean of the successful coordinates.
func Centroid(ok []model.ProviderOutcome) model.Coordinate {
	var lat, lng float64
	for _, o := range ok {
		lat += o.Coordinate.Lat
		lng += o.Coordinate.Lng
	}
	n := float64(len(ok))
	return model.Coordinate{Lat: lat / n, Lng: lng / n}
}

// dominant returns the largest cluster; ties keep the higher-priority one.
func dominant(clusters [][]model.Source) []model.Source {
	var best []model.Source
	for _, c := range clusters {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}

func members(ok []model.ProviderOutcome, srcs []model.Source) []model.ProviderOutcome {
	var out []model.ProviderOutcome
	for _, o := range ok {
		for _, s := range srcs {
			if o.Source == s {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// outliers flags sources far from the reference point (the centroid of the
// dominant cluster), either beyond a fixed distance or, once there are
// enough points to estimate a spread, beyond sigma standard deviations.
func (a *Analyzer) outliers(ok []model.ProviderOutcome, center model.Coordinate) []model.Source {
	if len(ok) < 2 {
		return nil
	}

	dists := make([]float64, len(ok))
	var mean float64
	for i, o := range ok {
		dists[i] = DistanceKm(*o.Coordinate, center)
		mean += dists[i]
	}
	mean /= float64(len(ok))

	var sq float64
	for _, d := range dists {
		sq += (d - mean) * (d - mean)
	}
	std := math.Sqrt(sq / float64(len(ok)))

	var out []model.Source
	for i, o := range ok {
		far := dists[i] > a.cfg.OutlierCentroidKm
		spread := len(ok) >= 3 && std > 0 && dists[i] > mean+a.cfg.OutlierSigma*std
		if far || spread {
			out = append(out, o.Source)
		}
	}
	return out
}

func sortByPriority(ok []model.ProviderOutcome) []model.ProviderOutcome {
	sort.SliceStable(ok, func(i, j int) bool {
		return ok[i].Source.Priority() < ok[j].Source.Priority()
	})
	return ok
}
