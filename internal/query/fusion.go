// Package query executes retrieval requests: the five search modes,
// score fusion, optional cross-encoder reranking and latency timing.
package query

import (
	"sort"

	"github.com/agent-brain/agent-brain/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter; k=60 is the
// widely used default.
const DefaultRRFConstant = 60

// alphaFuse combines vector and keyword results by weighted sum
// score = alpha*v + (1-alpha)*k, aligned by chunk id. A side that did not
// return a chunk contributes 0. Results below minScore are dropped.
func alphaFuse(vector, keyword []store.SearchResult, alpha, minScore float64) []store.SearchResult {
	fused := make(map[string]*store.SearchResult, len(vector)+len(keyword))

	for i := range vector {
		r := vector[i]
		v := r.Score
		r.VectorScore = &v
		r.Score = alpha * v
		fused[r.ChunkID] = &r
	}
	for i := range keyword {
		k := keyword[i].Score
		if existing, ok := fused[keyword[i].ChunkID]; ok {
			existing.BM25Score = &k
			existing.Score += (1 - alpha) * k
			continue
		}
		r := keyword[i]
		r.BM25Score = &k
		r.Score = (1 - alpha) * k
		fused[r.ChunkID] = &r
	}

	out := make([]store.SearchResult, 0, len(fused))
	for _, r := range fused {
		if r.Score < minScore {
			continue
		}
		out = append(out, *r)
	}
	sortResults(out)
	return out
}

// rrfFuse combines ranked lists by Reciprocal Rank Fusion,
// score = sum over lists of 1/(K + rank). Empty lists do not contribute.
// The first list containing a chunk supplies its text and metadata.
func rrfFuse(lists [][]store.SearchResult, k int) []store.SearchResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	fused := map[string]*store.SearchResult{}
	for _, list := range lists {
		for rank, r := range list {
			if existing, ok := fused[r.ChunkID]; ok {
				existing.Score += 1.0 / float64(k+rank+1)
				if existing.VectorScore == nil && r.VectorScore != nil {
					existing.VectorScore = r.VectorScore
				}
				if existing.BM25Score == nil && r.BM25Score != nil {
					existing.BM25Score = r.BM25Score
				}
				continue
			}
			cp := r
			cp.Score = 1.0 / float64(k+rank+1)
			fused[cp.ChunkID] = &cp
		}
	}

	out := make([]store.SearchResult, 0, len(fused))
	for _, r := range fused {
		out = append(out, *r)
	}
	sortResults(out)
	return out
}

// sortResults orders by score descending with chunk id as a deterministic
// tie-break.
func sortResults(results []store.SearchResult) {
	sort.Slice(results, func(i, k int) bool {
		if results[i].Score != results[k].Score {
			return results[i].Score > results[k].Score
		}
		return results[i].ChunkID < results[k].ChunkID
	})
}

func truncateResults(results []store.SearchResult, topK int) []store.SearchResult {
	if topK > 0 && len(results) > topK {
		return results[:topK]
	}
	return results
}
