package textsim

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// Ratio is the normalised Levenshtein similarity of two already-normalised
// strings, in [0,1].
func Ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}

// TokenSortRatio compares the strings after sorting their words, so word
// order does not matter.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedTokens(a), sortedTokens(b))
}

// TokenSetRatio compares the shared words against each side's leftovers,
// so extra words on one side cost little.
func TokenSetRatio(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)

	var inter, onlyA, onlyB []string
	for t := range setA {
		if setB[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range setB {
		if !setA[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := Ratio(withA, withB)
	if base != "" {
		best = max(best, Ratio(base, withA), Ratio(base, withB))
	}
	return best
}

// PartialRatio slides the shorter string across the longer one and keeps the
// best window score.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}

	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		r := Ratio(s, string(long[i:i+len(short)]))
		if r > best {
			best = r
			if best == 1 {
				break
			}
		}
	}
	return best
}

// TokenContainment is the fraction of query words that appear in candidate.
func TokenContainment(query, candidate string) float64 {
	q := strings.Fields(query)
	if len(q) == 0 {
		return 0
	}
	c := tokenSet(candidate)
	hits := 0
	for _, t := range q {
		if c[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

// AddressSimilarity scores how well a free-text address describes the query
// name. The three best of four strategies are blended 0.5/0.3/0.2 and a
// small bonus is added when the whole name appears verbatim.
func AddressSimilarity(name, address string) float64 {
	n, a := Normalize(name), Normalize(address)
	if n == "" || a == "" {
		return 0
	}

	scores := []float64{
		TokenSortRatio(n, a),
		TokenSetRatio(n, a),
		PartialRatio(n, a),
		Ratio(n, a),
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	score := scores[0]*0.5 + scores[1]*0.3 + scores[2]*0.2
	if strings.Contains(a, n) {
		score += 0.05
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
