package query

import "sort"

// defaultRRFConstant is the k in 1/(k+rank). 60 is the value from the
// original reciprocal rank fusion paper and what the service contract
// promises.
const defaultRRFConstant = 60

// sourceText names the text retrieval list in fusion and debug output.
// Vector lists are named after their target field.
const sourceText = "text"

// rankedList is one retrieval source's ordering: the text query or a
// single vectorQueries entry. scores holds the source's native score per
// key; weight scales the source's contribution and defaults to 1.
type rankedList struct {
	source string
	weight float64
	keys   []string
	scores map[string]float64
}

// fusedHit is a document after fusion: the combined score plus the
// per-source native scores used for debug output.
type fusedHit struct {
	key      string
	score    float64
	textRank int
	sources  map[string]float64
}

// fuseRRF merges lists by reciprocal rank: each key sums weight/(k+rank)
// over the lists that contain it, ranks starting at 1. Keys absent from
// a list contribute nothing for that list. Ties are broken by text rank,
// then key.
func fuseRRF(lists []rankedList, k int) []fusedHit {
	if k <= 0 {
		k = defaultRRFConstant
	}
	hits := make(map[string]*fusedHit)
	for _, list := range lists {
		w := list.weight
		if w == 0 {
			w = 1
		}
		for rank, key := range list.keys {
			h := hits[key]
			if h == nil {
				h = &fusedHit{key: key, sources: make(map[string]float64)}
				hits[key] = h
			}
			h.score += w / float64(k+rank+1)
			h.sources[list.source] = list.scores[key]
			if list.source == sourceText {
				h.textRank = rank + 1
			}
		}
	}
	return sortFused(hits)
}

// fuseWeighted merges lists by weighted native scores. Each list is
// normalized so its best hit scores 1, then each key sums
// weight*normalized over the lists that contain it.
func fuseWeighted(lists []rankedList) []fusedHit {
	hits := make(map[string]*fusedHit)
	for _, list := range lists {
		w := list.weight
		if w == 0 {
			w = 1
		}
		max := 0.0
		for _, s := range list.scores {
			if s > max {
				max = s
			}
		}
		for rank, key := range list.keys {
			h := hits[key]
			if h == nil {
				h = &fusedHit{key: key, sources: make(map[string]float64)}
				hits[key] = h
			}
			native := list.scores[key]
			normalized := native
			if max > 0 {
				normalized = native / max
			}
			h.score += w * normalized
			h.sources[list.source] = native
			if list.source == sourceText {
				h.textRank = rank + 1
			}
		}
	}
	return sortFused(hits)
}

// nativeHits converts a single list without fusing, keeping the source's
// own scores.
func nativeHits(list rankedList) []fusedHit {
	out := make([]fusedHit, 0, len(list.keys))
	for rank, key := range list.keys {
		h := fusedHit{key: key, score: list.scores[key], sources: map[string]float64{list.source: list.scores[key]}}
		if list.source == sourceText {
			h.textRank = rank + 1
		}
		out = append(out, h)
	}
	return out
}

func sortFused(hits map[string]*fusedHit) []fusedHit {
	out := make([]fusedHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		ri, rj := out[i].textRank, out[j].textRank
		if ri == 0 {
			ri = int(^uint(0) >> 1)
		}
		if rj == 0 {
			rj = int(^uint(0) >> 1)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].key < out[j].key
	})
	return out
}
