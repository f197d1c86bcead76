package memory

import (
	"context"
)

type (
	// IndexEntry is the derived projection of an embedded chunk held by the
	// vector index: enough metadata for filtered similarity search.
	IndexEntry struct {
		ChunkID      string
		Vector       []float32
		Slot         string
		Tags         map[string]string
		ModelVersion string
	}

	IndexMatch struct {
		ChunkID    string
		Similarity float64
	}

	// VectorIndex is the eventually-consistent derived store. Writes are
	// append/replace by chunk id; the record store remains the tie-breaker
	// whenever the two disagree.
	VectorIndex interface {
		Upsert(ctx context.Context, entry *IndexEntry) error
		Delete(ctx context.Context, chunkID string) error
		Get(ctx context.Context, chunkID string) (*IndexEntry, error)
		// Search returns up to limit matches restricted to the slot, tag
		// filters and model version, best similarity first.
		Search(ctx context.Context, vector []float32, slot string, tagFilters map[string]string, modelVersion string, limit int) ([]IndexMatch, error)
		// ChunkIDs lists every indexed chunk id, for reconciliation.
		ChunkIDs(ctx context.Context) ([]string, error)
		Close() error
	}
)

func tagsMatch(tags, filters map[string]string) bool {
	for k, v := range filters {
		if tags[k] != v {
			return false
		}
	}
	return true
}
