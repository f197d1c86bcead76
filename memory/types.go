package memory

import (
	"time"

	"github.com/taleweave/memoria/entity"
)

type (
	// MemoryRecord is the externally visible unit: a chunk plus its current
	// embedding status.
	MemoryRecord struct {
		ChunkID   string             `json:"chunkId"`
		Slot      string             `json:"slot"`
		Text      string             `json:"text"`
		Tags      map[string]string  `json:"tags,omitempty"`
		Status    entity.ChunkStatus `json:"status"`
		CreatedAt time.Time          `json:"createdAt"`
	}

	IngestInput struct {
		Text string            `json:"text"`
		Slot string            `json:"slot"`
		Tags map[string]string `json:"tags,omitempty"`
	}

	RetrieveQuery struct {
		Text       string            `json:"text"`
		Slot       string            `json:"slot"`
		TagFilters map[string]string `json:"tagFilters,omitempty"`
		Limit      int               `json:"limit,omitempty"`
	}

	// ScoredRecord holds a record with its composite ranking score.
	ScoredRecord struct {
		MemoryRecord
		Score      float64 `json:"score"`
		Similarity float64 `json:"similarity"`
	}

	// RetrieveResult is the ordered result set of one retrieval. Degraded
	// marks results produced without the vector index; they are a flagged,
	// lower-confidence success, not an error.
	RetrieveResult struct {
		Records  []ScoredRecord `json:"records"`
		Degraded bool           `json:"degraded"`
	}

	ReconcileSummary struct {
		RunID       string `json:"runId"`
		Repaired    int    `json:"repaired"`
		Orphaned    int    `json:"orphaned"`
		Unreachable int    `json:"unreachable"`
	}
)

func recordFromChunk(chunk *entity.Chunk) *MemoryRecord {
	return &MemoryRecord{
		ChunkID:   chunk.ID,
		Slot:      chunk.Slot,
		Text:      chunk.Text,
		Tags:      chunk.Tags.Data(),
		Status:    chunk.Status,
		CreatedAt: chunk.CreatedAt,
	}
}
