// Package search provides hybrid retrieval combining BM25 and vector
// results, fused with Reciprocal Rank Fusion (RRF).
package search

import (
	"sort"

	"github.com/patchsmith/patchsmith/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// FusedResult is a single result after RRF fusion. Ranks are 1-indexed
// and zero when the chunk was absent from that source.
type FusedResult struct {
	ChunkID     string
	Score       float64
	BM25Rank    int
	BM25Score   float64
	VectorRank  int
	VectorScore float64
}

// RRFFusion combines two ranked lists with score(d) = Σ 1/(k + rank_s(d))
// over the sources where d appears.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion instance with the default k.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates a fusion instance with a custom k.
// Non-positive k falls back to the default.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges the two ranked lists and returns at most topK unique
// chunk ids ordered by fused score, ties broken by chunk id. Fusing the
// same inputs twice yields identical output.
func (f *RRFFusion) Fuse(bm25 []store.BM25Result, vec []store.VectorResult, topK int) []FusedResult {
	if len(bm25) == 0 && len(vec) == 0 {
		return []FusedResult{}
	}

	fused := make(map[string]*FusedResult, len(bm25)+len(vec))

	for rank, r := range bm25 {
		entry := f.getOrCreate(fused, r.ChunkID)
		entry.BM25Rank = rank + 1
		entry.BM25Score = r.Score
		entry.Score += 1.0 / float64(f.K+rank+1)
	}

	for rank, r := range vec {
		entry := f.getOrCreate(fused, r.ChunkID)
		entry.VectorRank = rank + 1
		entry.VectorScore = float64(r.Score)
		entry.Score += 1.0 / float64(f.K+rank+1)
	}

	results := make([]FusedResult, 0, len(fused))
	for _, entry := range fused {
		results = append(results, *entry)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, id string) *FusedResult {
	if entry, ok := m[id]; ok {
		return entry
	}
	entry := &FusedResult{ChunkID: id}
	m[id] = entry
	return entry
}
