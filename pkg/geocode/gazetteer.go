package geocode

import (
	"context"
	"strings"
	"sync"

	"github.com/sells-group/facility-locator/internal/model"
	"github.com/sells-group/facility-locator/internal/textsim"
)

// Match thresholds for the gazetteer tiers.
const (
	gazetteerFuzzyFloor       = 0.65
	gazetteerContainmentFloor = 0.7
	gazetteerContainsScore    = 0.8
)

type indexedFacility struct {
	model.Facility
	key string
}

// Gazetteer is a static-lookup provider over the reference facility list.
// An exact normalised name wins outright. Otherwise every facility is
// scored on fuzzy similarity, whole-word containment of the query, and
// query word coverage, and the best one above the floor is returned.
type Gazetteer struct {
	mu         sync.RWMutex
	facilities []indexedFacility
}

// NewGazetteer indexes the given facilities.
func NewGazetteer(facilities []model.Facility) *Gazetteer {
	g := &Gazetteer{}
	g.Reload(facilities)
	return g
}

// Reload replaces the index, e.g. after an import.
func (g *Gazetteer) Reload(facilities []model.Facility) {
	idx := make([]indexedFacility, 0, len(facilities))
	for _, f := range facilities {
		key := f.NameKey
		if key == "" {
			key = textsim.Normalize(f.Name)
		}
		if key == "" || !(model.Coordinate{Lat: f.Lat, Lng: f.Lng}).Valid() {
			continue
		}
		idx = append(idx, indexedFacility{Facility: f, key: key})
	}

	g.mu.Lock()
	g.facilities = idx
	g.mu.Unlock()
}

// Len returns the number of indexed facilities.
func (g *Gazetteer) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.facilities)
}

// Source implements Provider.
func (g *Gazetteer) Source() model.Source { return model.SourceGazetteer }

// Geocode implements Provider.
func (g *Gazetteer) Geocode(ctx context.Context, req Request) (*Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := textsim.Normalize(req.Name)
	if query == "" {
		return nil, ErrNoMatch
	}

	g.mu.RLock()
	pool := filterCountry(g.facilities, req.Country)
	g.mu.RUnlock()

	f, score := matchFacility(pool, query)
	if f == nil {
		return nil, ErrNoMatch
	}
	return &Candidate{
		Coordinate: model.Coordinate{Lat: f.Lat, Lng: f.Lng},
		Address:    facilityAddress(f.Facility),
		Score:      score,
	}, nil
}

func matchFacility(pool []indexedFacility, query string) (*indexedFacility, float64) {
	var best *indexedFacility
	bestScore, bestCover := 0.0, 0.0
	for i := range pool {
		k := pool[i].key
		if k == query {
			return &pool[i], 1
		}
		s := facilityScore(query, k)
		if s < gazetteerFuzzyFloor {
			continue
		}
		cover := textsim.TokenContainment(query, k)
		if s > bestScore || (s == bestScore && cover > bestCover) {
			best, bestScore, bestCover = &pool[i], s, cover
		}
	}
	return best, bestScore
}

// facilityScore rates one facility key against the query. Subset measures
// are capped below an exact match and only count in full when the key is at
// least as long as the query, so a short reference name cannot claim a
// longer query.
func facilityScore(query, key string) float64 {
	s := max(textsim.Ratio(query, key), textsim.TokenSortRatio(query, key))

	nq, nk := len(strings.Fields(query)), len(strings.Fields(key))
	subset := min(gazetteerContainsScore, max(textsim.TokenSetRatio(query, key), textsim.PartialRatio(query, key)))
	if nk < nq {
		subset *= float64(nk) / float64(nq)
	}
	s = max(s, subset)

	if containsWords(key, query) || containsWords(key, strings.ReplaceAll(query, " ", "")) {
		s = max(s, gazetteerContainsScore)
	}
	if r := textsim.TokenContainment(query, key); r >= gazetteerContainmentFloor {
		s = max(s, 0.6+r*0.3)
	}
	return s
}

// containsWords reports whether phrase appears in s on word boundaries.
func containsWords(s, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+s+" ", " "+phrase+" ")
}

// filterCountry narrows the pool to the hinted country. An empty result
// falls back to the full pool so a bad hint never hides a match.
func filterCountry(all []indexedFacility, country string) []indexedFacility {
	country = strings.TrimSpace(country)
	if country == "" {
		return all
	}
	var out []indexedFacility
	for _, f := range all {
		if strings.EqualFold(f.Country, country) {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func facilityAddress(f model.Facility) string {
	parts := []string{f.Name}
	for _, p := range []string{f.District, f.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
