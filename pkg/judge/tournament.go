package judge

import (
	"math/bits"
	"sort"
	"strings"
)

// Pair is a canonical artifact pair: A < B always.
type Pair struct {
	A string
	B string
}

// NewPair canonicalizes two artifact ids into a Pair.
func NewPair(x, y string) Pair {
	if x > y {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Standing ranks an artifact for pairing. Score is the Elo rating for swiss
// rounds and the mean single-doc score for top-k selection; ties break on
// artifact id.
type Standing struct {
	ArtifactID string
	Score      float64
}

// RoundRobinPairs enumerates every pair once, in (A, B) order.
func RoundRobinPairs(ids []string) []Pair {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	var pairs []Pair
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pairs = append(pairs, Pair{A: sorted[i], B: sorted[j]})
		}
	}
	return pairs
}

// SwissRounds is the number of swiss rounds for n artifacts: ceil(log2(n)),
// enough to separate a strict winner.
func SwissRounds(n int) int {
	if n < 2 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// SwissPairs pairs adjacent artifacts in one round: ranked by standing, each
// artifact meets the nearest unpaired neighbor it has not already played,
// falling back to a rematch only when every remaining neighbor is a repeat.
// With an odd field the lowest-ranked artifact sits the round out.
func SwissPairs(standings []Standing, played map[Pair]bool) []Pair {
	ranked := rankStandings(standings)
	used := make([]bool, len(ranked))

	var pairs []Pair
	for i := range ranked {
		if used[i] {
			continue
		}
		partner := -1
		for j := i + 1; j < len(ranked); j++ {
			if used[j] {
				continue
			}
			if partner == -1 {
				partner = j
			}
			if !played[NewPair(ranked[i].ArtifactID, ranked[j].ArtifactID)] {
				partner = j
				break
			}
		}
		if partner == -1 {
			break
		}
		used[i], used[partner] = true, true
		pairs = append(pairs, NewPair(ranked[i].ArtifactID, ranked[partner].ArtifactID))
	}
	return pairs
}

// TopKPairs pairs each of the k best-ranked artifacts against every other
// artifact, once per pair. k covering the whole field reduces to round-robin.
func TopKPairs(standings []Standing, k int) []Pair {
	if k >= len(standings) {
		ids := make([]string, len(standings))
		for i, s := range standings {
			ids[i] = s.ArtifactID
		}
		return RoundRobinPairs(ids)
	}
	if k <= 0 {
		return nil
	}

	ranked := rankStandings(standings)
	seen := make(map[Pair]bool)
	var pairs []Pair
	for _, top := range ranked[:k] {
		for _, other := range ranked {
			if other.ArtifactID == top.ArtifactID {
				continue
			}
			p := NewPair(top.ArtifactID, other.ArtifactID)
			if seen[p] {
				continue
			}
			seen[p] = true
			pairs = append(pairs, p)
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

func rankStandings(standings []Standing) []Standing {
	ranked := make([]Standing, len(standings))
	copy(ranked, standings)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return strings.Compare(ranked[i].ArtifactID, ranked[j].ArtifactID) < 0
	})
	return ranked
}
