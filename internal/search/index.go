// Package search serves similarity and randomized retrieval over one
// tenant's embedding corpus. An Index is request-scoped: built from the
// artifact, queried once, discarded.
package search

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// ErrNoValidEntries reports an artifact with no usable embeddings.
var ErrNoValidEntries = errors.New("search: no valid entries in artifact")

// Result is one retrieval hit. Similarity is nil for random retrieval.
type Result struct {
	Filename   string   `json:"filename"`
	Filepath   string   `json:"filepath"`
	Similarity *float64 `json:"similarity"`
}

// row is one valid corpus entry with its precomputed norm.
type row struct {
	filename string
	filepath string
	vec      []float32
	norm     float64
}

// Index is a dense view over the non-corrupt entries of one artifact.
type Index struct {
	rows []row
	dim  int

	// randIntN is swapped by tests for deterministic sampling.
	randIntN func(n int) int
}

// IndexEntry is the corpus slice the Index consumes.
type IndexEntry struct {
	Filename  string
	Filepath  string
	Embedding []float32
}

// NewIndex materializes an index from valid entries. Callers filter corrupt
// and embedding-less entries before constructing.
func NewIndex(entries []IndexEntry) (*Index, error) {
	idx := &Index{randIntN: rand.Intn}

	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}

		if idx.dim == 0 {
			idx.dim = len(e.Embedding)
		}

		var norm float64
		for _, v := range e.Embedding {
			norm += float64(v) * float64(v)
		}

		idx.rows = append(idx.rows, row{
			filename: e.Filename,
			filepath: e.Filepath,
			vec:      e.Embedding,
			norm:     math.Sqrt(norm),
		})
	}

	if len(idx.rows) == 0 {
		return nil, ErrNoValidEntries
	}

	return idx, nil
}

// Len returns the number of valid rows.
func (idx *Index) Len() int {
	return len(idx.rows)
}

// candidates returns row indices surviving filename exclusion. Exclusion
// runs before any similarity work.
func (idx *Index) candidates(exclude map[string]struct{}) []int {
	out := make([]int, 0, len(idx.rows))

	for k, r := range idx.rows {
		if _, skip := exclude[r.filename]; skip {
			continue
		}

		out = append(out, k)
	}

	return out
}

type scored struct {
	row int
	sim float64
}

// score computes cosine similarity of q against the candidate rows.
func (idx *Index) score(q []float32, cand []int) []scored {
	var qNorm float64
	for _, v := range q {
		qNorm += float64(v) * float64(v)
	}
	qNorm = math.Sqrt(qNorm)

	out := make([]scored, 0, len(cand))

	for _, k := range cand {
		r := idx.rows[k]

		n := len(q)
		if len(r.vec) < n {
			n = len(r.vec)
		}

		var dot float64
		for j := 0; j < n; j++ {
			dot += float64(q[j]) * float64(r.vec[j])
		}

		sim := 0.0
		if qNorm > 0 && r.norm > 0 {
			sim = dot / (qNorm * r.norm)
		}

		out = append(out, scored{row: k, sim: sim})
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].sim > out[b].sim })

	return out
}

func (idx *Index) results(hits []scored, withSim bool) []Result {
	out := make([]Result, 0, len(hits))

	for _, h := range hits {
		r := idx.rows[h.row]

		res := Result{Filename: r.filename, Filepath: r.filepath}
		if withSim {
			sim := h.sim
			res.Similarity = &sim
		}

		out = append(out, res)
	}

	return out
}

// Ranked returns the topK most similar entries, descending.
func (idx *Index) Ranked(q []float32, topK int, exclude map[string]struct{}) []Result {
	hits := idx.score(q, idx.candidates(exclude))

	if len(hits) > topK {
		hits = hits[:topK]
	}

	return idx.results(hits, true)
}

// Shuffle samples topK distinct entries uniformly from the similarity pool
// and returns them sorted by similarity descending. A zero pool selects
// max(topK*3, 20); an explicit pool is raised to at least topK.
func (idx *Index) Shuffle(q []float32, topK, pool int, exclude map[string]struct{}) []Result {
	if pool <= 0 {
		pool = topK * 3
		if pool < 20 {
			pool = 20
		}
	} else if pool < topK {
		pool = topK
	}

	hits := idx.score(q, idx.candidates(exclude))
	if len(hits) > pool {
		hits = hits[:pool]
	}

	picked := idx.sample(len(hits), topK)

	sampled := make([]scored, 0, len(picked))
	for _, k := range picked {
		sampled = append(sampled, hits[k])
	}

	sort.SliceStable(sampled, func(a, b int) bool { return sampled[a].sim > sampled[b].sim })

	return idx.results(sampled, true)
}

// Random returns min(count, candidates) entries sampled uniformly without
// replacement. Similarity is null.
func (idx *Index) Random(count int, exclude map[string]struct{}) []Result {
	cand := idx.candidates(exclude)

	picked := idx.sample(len(cand), count)

	hits := make([]scored, 0, len(picked))
	for _, k := range picked {
		hits = append(hits, scored{row: cand[k]})
	}

	return idx.results(hits, false)
}

// sample returns k distinct indices in [0, n) via partial Fisher-Yates.
func (idx *Index) sample(n, k int) []int {
	if k > n {
		k = n
	}

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	for i := 0; i < k; i++ {
		j := i + idx.randIntN(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}

	return perm[:k]
}

// ExcludeSet builds the exclusion lookup from a filename list.
func ExcludeSet(filenames []string) map[string]struct{} {
	if len(filenames) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(filenames))
	for _, f := range filenames {
		set[f] = struct{}{}
	}

	return set
}
