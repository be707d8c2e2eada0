// Package rank scores story clusters for inclusion in the brief. The score
// is a weighted blend of source trust, recency, source diversity, and
// reader preference, rounded to four decimals so ordering is stable across
// recomputation.
package rank

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/signalbrief/briefd/internal/store"
)

// Component weights. They sum to 1.
const (
	WeightTrust      = 0.40
	WeightRecency    = 0.25
	WeightDiversity  = 0.15
	WeightPreference = 0.20

	// recencyHalfLife is the age at which the recency component halves.
	recencyHalfLife = 12 * time.Hour

	// neutralScore is used when a component has no signal.
	neutralScore = 0.5

	// diversityCeiling is the distinct-source count at which diversity
	// saturates.
	diversityCeiling = 3
)

// Candidate is one cluster with the item records backing its members.
type Candidate struct {
	ClusterID            int64
	RepresentativeItemID int64
	Items                []store.ItemRecord
}

// Scored is a candidate with its computed score and component breakdown.
type Scored struct {
	Candidate
	Score      float64
	Trust      float64
	Recency    float64
	Diversity  float64
	Preference float64
	Rank       int
}

// Inputs carries the cross-cluster context scoring needs.
type Inputs struct {
	Now time.Time
	// TrustBySource maps source id to its [0,1] trust score.
	TrustBySource map[int64]float64
	// ItemVotes maps item id to net votes (upvotes minus downvotes).
	ItemVotes map[int64]int
	// MutedSources holds the source ids the reader has muted.
	MutedSources map[int64]bool
	// Insights are the active reader interests, matched against titles.
	Insights []string
}

// Rank scores and orders candidates, best first. Ties break on smaller
// representative item ID so output is deterministic.
func Rank(candidates []Candidate, in Inputs) []Scored {
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Score(c, in))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RepresentativeItemID < out[j].RepresentativeItemID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Score computes the blended score of one candidate.
func Score(c Candidate, in Inputs) Scored {
	s := Scored{Candidate: c}
	s.Trust = trustScore(c.Items, in.TrustBySource)
	s.Recency = recencyScore(c.Items, in.Now)
	s.Diversity = diversityScore(c.Items)
	s.Preference = preferenceScore(c.Items, in)
	s.Score = round4(WeightTrust*s.Trust +
		WeightRecency*s.Recency +
		WeightDiversity*s.Diversity +
		WeightPreference*s.Preference)
	return s
}

// trustScore averages member source trust; unknown sources count neutral.
func trustScore(items []store.ItemRecord, trust map[int64]float64) float64 {
	if len(items) == 0 {
		return neutralScore
	}
	var sum float64
	for _, item := range items {
		if v, ok := trust[item.SourceID]; ok {
			sum += clamp01(v)
		} else {
			sum += neutralScore
		}
	}
	return sum / float64(len(items))
}

// recencyScore decays exponentially with the age of the newest member:
// exp(-ln2 * age / halfLife). A cluster with no publish times at all
// scores neutral rather than inheriting a fetch-time bonus.
func recencyScore(items []store.ItemRecord, now time.Time) float64 {
	var newest time.Time
	for _, item := range items {
		if item.PublishedAt != nil && item.PublishedAt.After(newest) {
			newest = *item.PublishedAt
		}
	}
	if newest.IsZero() {
		return neutralScore
	}
	age := now.Sub(newest)
	if age < 0 {
		age = 0
	}
	hours := age.Hours()
	return math.Exp(-0.693 * hours / recencyHalfLife.Hours())
}

// diversityScore saturates at diversityCeiling distinct sources.
func diversityScore(items []store.ItemRecord) float64 {
	seen := map[int64]bool{}
	for _, item := range items {
		seen[item.SourceID] = true
	}
	n := len(seen)
	if n > diversityCeiling {
		n = diversityCeiling
	}
	return float64(n) / diversityCeiling
}

// preferenceScore starts neutral and shifts with reader feedback: +0.1 per
// net upvote on a member item, +0.3 once if any active insight matches a
// member title, -0.2 per distinct muted member source, clamped to [0,1].
func preferenceScore(items []store.ItemRecord, in Inputs) float64 {
	score := neutralScore
	for _, item := range items {
		score += 0.1 * float64(in.ItemVotes[item.ID])
	}
	if insightMatches(items, in.Insights) {
		score += 0.3
	}
	muted := map[int64]bool{}
	for _, item := range items {
		if in.MutedSources[item.SourceID] && !muted[item.SourceID] {
			muted[item.SourceID] = true
			score -= 0.2
		}
	}
	return clamp01(score)
}

// insightMatches reports whether any insight text appears in a member
// title, case-insensitively.
func insightMatches(items []store.ItemRecord, insights []string) bool {
	if len(insights) == 0 {
		return false
	}
	titles := make([]string, 0, len(items))
	for _, item := range items {
		titles = append(titles, strings.ToLower(item.Title))
	}
	for _, insight := range insights {
		needle := strings.ToLower(strings.TrimSpace(insight))
		if needle == "" {
			continue
		}
		for _, title := range titles {
			if strings.Contains(title, needle) {
				return true
			}
		}
	}
	return false
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

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
