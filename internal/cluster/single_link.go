package cluster

import (
	"sort"

	"github.com/sells-group/facility-locator/internal/model"
)

// SingleLink groups successful outcomes so that any two answers closer than
// thresholdKm share a cluster, transitively. Members are ordered by source
// priority and clusters by their best member.
func SingleLink(ok []model.ProviderOutcome, thresholdKm float64) [][]model.Source {
	parent := make([]int, len(ok))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := 0; i < len(ok); i++ {
		for j := i + 1; j < len(ok); j++ {
			if DistanceKm(*ok[i].Coordinate, *ok[j].Coordinate) < thresholdKm {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	groups := make(map[int][]model.Source)
	var roots []int
	for i, o := range ok {
		r := find(i)
		if _, seen := groups[r]; !seen {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], o.Source)
	}

	out := make([][]model.Source, 0, len(roots))
	for _, r := range roots {
		members := groups[r]
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].Priority() < members[j].Priority()
		})
		out = append(out, members)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i][0].Priority() < out[j][0].Priority()
	})
	return out
}
