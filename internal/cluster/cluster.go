// Package cluster groups the day's normalized items into stories. Two
// passes: a SimHash dedup that collapses near-identical articles, then
// average-linkage agglomerative clustering over embedding vectors for the
// survivors.
package cluster

import (
	"math"
	"sort"

	"github.com/signalbrief/briefd/internal/simhash"
	"github.com/signalbrief/briefd/internal/store"
)

// Config tunes both passes.
type Config struct {
	// HammingThreshold is the max SimHash distance treated as a duplicate.
	HammingThreshold int
	// DistanceThreshold stops merging once the closest pair of clusters is
	// farther apart than this cosine distance.
	DistanceThreshold float64
	// MaxClusters caps the output: after merging stops, only the largest
	// clusters (ties broken by smallest member id) are kept.
	MaxClusters int
}

func (c Config) withDefaults() Config {
	if c.HammingThreshold <= 0 {
		c.HammingThreshold = 3
	}
	if c.DistanceThreshold <= 0 {
		c.DistanceThreshold = 0.35
	}
	if c.MaxClusters <= 0 {
		c.MaxClusters = 15
	}
	return c
}

// Duplicate pairs a dropped item with the earlier item it repeats.
type Duplicate struct {
	ItemID      int64
	DuplicateOf int64
}

// Cluster is one story: its members with centroid similarity, and the
// member closest to the centroid as representative.
type Cluster struct {
	RepresentativeItemID int64
	Members              []store.ClusterMember
}

// Engine runs dedup and clustering.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Dedup scans items pairwise by SimHash and returns the duplicates to drop.
// The earlier item (lower ID) always survives, so re-running the pass never
// flips which copy is kept.
func (e *Engine) Dedup(items []store.ItemRecord) []Duplicate {
	sorted := make([]store.ItemRecord, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var dups []Duplicate
	dropped := make(map[int64]bool)
	for i := 0; i < len(sorted); i++ {
		if dropped[sorted[i].ID] || sorted[i].SimHash == nil {
			continue
		}
		for j := i + 1; j < len(sorted); j++ {
			if dropped[sorted[j].ID] || sorted[j].SimHash == nil {
				continue
			}
			if simhash.Hamming(*sorted[i].SimHash, *sorted[j].SimHash) <= e.cfg.HammingThreshold {
				dropped[sorted[j].ID] = true
				dups = append(dups, Duplicate{ItemID: sorted[j].ID, DuplicateOf: sorted[i].ID})
			}
		}
	}
	return dups
}

// Cluster groups items by their embeddings. Items without a vector each
// form a singleton cluster. Output order is by size descending, then by
// smallest member ID for determinism.
func (e *Engine) Cluster(items []store.ItemRecord, embeddings map[int64][]float32) []Cluster {
	var ids []int64
	var orphans []int64
	for _, item := range items {
		if vec, ok := embeddings[item.ID]; ok && len(vec) > 0 {
			ids = append(ids, item.ID)
		} else {
			orphans = append(orphans, item.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })

	groups := e.agglomerate(ids, embeddings)
	for _, id := range orphans {
		groups = append(groups, []int64{id})
	}

	out := make([]Cluster, 0, len(groups))
	for _, group := range groups {
		out = append(out, buildCluster(group, embeddings))
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Members) != len(out[j].Members) {
			return len(out[i].Members) > len(out[j].Members)
		}
		return minMemberID(out[i]) < minMemberID(out[j])
	})
	if len(out) > e.cfg.MaxClusters {
		out = out[:e.cfg.MaxClusters]
	}
	return out
}

// agglomerate merges the closest pair of clusters (average linkage, cosine
// distance) until the closest pair is farther than the threshold.
func (e *Engine) agglomerate(ids []int64, embeddings map[int64][]float32) [][]int64 {
	groups := make([][]int64, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, []int64{id})
	}
	for len(groups) > 1 {
		bi, bj, best := -1, -1, math.MaxFloat64
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				d := averageLinkage(groups[i], groups[j], embeddings)
				if d < best {
					bi, bj, best = i, j, d
				}
			}
		}
		if best > e.cfg.DistanceThreshold {
			break
		}
		merged := append(append([]int64{}, groups[bi]...), groups[bj]...)
		sort.Slice(merged, func(a, b int) bool { return merged[a] < merged[b] })
		groups = append(groups[:bj], groups[bj+1:]...)
		groups[bi] = merged
	}
	return groups
}

func averageLinkage(a, b []int64, embeddings map[int64][]float32) float64 {
	var sum float64
	var n int
	for _, x := range a {
		for _, y := range b {
			sum += CosineDistance(embeddings[x], embeddings[y])
			n++
		}
	}
	if n == 0 {
		return math.MaxFloat64
	}
	return sum / float64(n)
}

func buildCluster(group []int64, embeddings map[int64][]float32) Cluster {
	centroid := centroidOf(group, embeddings)
	members := make([]store.ClusterMember, 0, len(group))
	repID := group[0]
	repSim := -math.MaxFloat64
	for _, id := range group {
		sim := 1.0
		if centroid != nil {
			sim = CosineSimilarity(embeddings[id], centroid)
		}
		members = append(members, store.ClusterMember{ItemID: id, Similarity: sim})
		// Ties go to the smaller ID, which is first in the sorted group.
		if sim > repSim {
			repID, repSim = id, sim
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Similarity != members[j].Similarity {
			return members[i].Similarity > members[j].Similarity
		}
		return members[i].ItemID < members[j].ItemID
	})
	return Cluster{RepresentativeItemID: repID, Members: members}
}

func centroidOf(group []int64, embeddings map[int64][]float32) []float32 {
	var centroid []float32
	var n int
	for _, id := range group {
		vec := embeddings[id]
		if len(vec) == 0 {
			continue
		}
		if centroid == nil {
			centroid = make([]float32, len(vec))
		}
		for i := range vec {
			centroid[i] += vec[i]
		}
		n++
	}
	if n == 0 {
		return nil
	}
	for i := range centroid {
		centroid[i] /= float32(n)
	}
	return centroid
}

func minMemberID(c Cluster) int64 {
	min := int64(math.MaxInt64)
	for _, m := range c.Members {
		if m.ItemID < min {
			min = m.ItemID
		}
	}
	return min
}

// CosineSimilarity is the cosine of the angle between two vectors; zero
// when either vector is empty or zero-length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CosineDistance is 1 - CosineSimilarity.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
