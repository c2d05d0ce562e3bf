package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimension, or when a persisted index was built with a
	// different dimension or embedding model than the one configured.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Index is a flat inner-product vector index. Embeddings are expected to be
// L2-normalized, making inner product equivalent to cosine similarity.
// Entries keep insertion order so equal-score search results rank
// earlier-inserted chunks first.
type Index struct {
	mu        sync.RWMutex
	dimension int
	model     string
	entries   []entry
	byChunk   map[string]int
	byDoc     map[string]map[string]struct{}
}

type entry struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
}

// SearchHit is one coarse-retrieval result.
type SearchHit struct {
	ChunkID string
	Score   float64
}

// New creates an empty index for the given embedding dimension and model
// identifier. The model id is persisted with the vectors so an index built
// with one model is never silently mixed with another.
func New(dimension int, model string) *Index {
	return &Index{
		dimension: dimension,
		model:     model,
		byChunk:   make(map[string]int),
		byDoc:     make(map[string]map[string]struct{}),
	}
}

// Add inserts one chunk vector. Re-adding an existing chunk id replaces its
// vector in place without disturbing insertion order.
func (ix *Index) Add(chunkID, documentID string, vector []float32) error {
	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, index dimension is %d",
			ErrDimensionMismatch, len(vector), ix.dimension)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if pos, ok := ix.byChunk[chunkID]; ok {
		ix.entries[pos].Vector = vector
		ix.entries[pos].DocumentID = documentID
		return nil
	}

	ix.byChunk[chunkID] = len(ix.entries)
	ix.entries = append(ix.entries, entry{
		ChunkID:    chunkID,
		DocumentID: documentID,
		Vector:     vector,
	})

	if ix.byDoc[documentID] == nil {
		ix.byDoc[documentID] = make(map[string]struct{})
	}
	ix.byDoc[documentID][chunkID] = struct{}{}

	return nil
}

// Remove deletes the listed chunk vectors. Unknown ids are ignored.
func (ix *Index) Remove(chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	drop := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, ok := ix.byChunk[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return
	}

	kept := ix.entries[:0]
	for _, e := range ix.entries {
		if _, gone := drop[e.ChunkID]; gone {
			delete(ix.byChunk, e.ChunkID)
			if set := ix.byDoc[e.DocumentID]; set != nil {
				delete(set, e.ChunkID)
				if len(set) == 0 {
					delete(ix.byDoc, e.DocumentID)
				}
			}
			continue
		}
		kept = append(kept, e)
	}
	ix.entries = kept

	for pos, e := range ix.entries {
		ix.byChunk[e.ChunkID] = pos
	}
}

// Search returns the k most similar entries ordered by descending inner
// product, ties broken by insertion order. Fewer than k results come back
// only when the index holds fewer than k vectors.
func (ix *Index) Search(query []float32, k int) ([]SearchHit, error) {
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: query has %d, index dimension is %d",
			ErrDimensionMismatch, len(query), ix.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]SearchHit, len(ix.entries))
	for i, e := range ix.entries {
		hits[i] = SearchHit{ChunkID: e.ChunkID, Score: dot(query, e.Vector)}
	}

	// Stable sort over insertion order settles ties in favor of
	// earlier-inserted entries.
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// ChunkIDsForDocument returns the ids of all vectors owned by a document.
func (ix *Index) ChunkIDsForDocument(documentID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	set := ix.byDoc[documentID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChunkIDs returns every chunk id currently indexed, in insertion order.
func (ix *Index) ChunkIDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, len(ix.entries))
	for i, e := range ix.entries {
		ids[i] = e.ChunkID
	}
	return ids
}

// Len reports the number of indexed vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dimension reports the vector dimension the index was created with.
func (ix *Index) Dimension() int {
	return ix.dimension
}

// Model reports the embedding model identifier bound to this index.
func (ix *Index) Model() string {
	return ix.model
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
