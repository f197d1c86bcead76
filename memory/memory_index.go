package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/taleweave/memoria/errors"
	"gonum.org/v1/gonum/mat"
)

// InMemoryVectorIndex keeps entries in a map and scores candidates with one
// gonum matrix multiplication. Suits tests and small corpora.
type InMemoryVectorIndex struct {
	mu      sync.RWMutex
	entries map[string]*IndexEntry
}

var _ VectorIndex = (*InMemoryVectorIndex)(nil)

func NewInMemoryVectorIndex() *InMemoryVectorIndex {
	return &InMemoryVectorIndex{entries: make(map[string]*IndexEntry)}
}

func (s *InMemoryVectorIndex) Upsert(ctx context.Context, entry *IndexEntry) error {
	if entry.ChunkID == "" {
		return errors.Wrapf(errors.ErrInvalidInput, "index entry has no chunk id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *entry
	s.entries[entry.ChunkID] = &cloned
	return nil
}

func (s *InMemoryVectorIndex) Delete(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, chunkID)
	return nil
}

func (s *InMemoryVectorIndex) Get(ctx context.Context, chunkID string) (*IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[chunkID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no vector for chunk %s", chunkID)
	}
	cloned := *entry
	return &cloned, nil
}

func (s *InMemoryVectorIndex) Search(ctx context.Context, vector []float32, slot string, tagFilters map[string]string, modelVersion string, limit int) ([]IndexMatch, error) {
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*IndexEntry
	for _, entry := range s.entries {
		if entry.Slot != slot || entry.ModelVersion != modelVersion {
			continue
		}
		if len(entry.Vector) != len(vector) {
			continue
		}
		if !tagsMatch(entry.Tags, tagFilters) {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	dim := len(vector)
	queryVec := make([]float64, dim)
	for i, v := range vector {
		queryVec[i] = float64(v)
	}

	data := make([]float64, len(candidates)*dim)
	for i, entry := range candidates {
		for j, v := range entry.Vector {
			data[i*dim+j] = float64(v)
		}
	}

	queryVector := mat.NewVecDense(dim, queryVec)
	candidateMatrix := mat.NewDense(len(candidates), dim, data)

	var scores mat.VecDense
	scores.MulVec(candidateMatrix, queryVector)

	matches := make([]IndexMatch, 0, len(candidates))
	for i, entry := range candidates {
		// Normalized embeddings keep the inner product in [-1, 1]; map it
		// onto [0, 1].
		matches = append(matches, IndexMatch{
			ChunkID:    entry.ChunkID,
			Similarity: (scores.AtVec(i) + 1.0) * 0.5,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *InMemoryVectorIndex) ChunkIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryVectorIndex) Close() error {
	return nil
}
