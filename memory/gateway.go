package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
)

type (
	// Gateway wraps the external embedding service behind batching, retry
	// and per-item result reporting. A failing batch never fails unrelated
	// chunks.
	Gateway struct {
		embedder Embedder
		records  RecordStore
		index    VectorIndex
		conf     *config.EmbeddingConfig
		logger   *slog.Logger
	}

	ItemResult struct {
		ChunkID string
		Status  entity.ChunkStatus
		Err     error
	}
)

func NewGateway(embedder Embedder, records RecordStore, index VectorIndex, conf *config.EmbeddingConfig, logger *slog.Logger) *Gateway {
	return &Gateway{
		embedder: embedder,
		records:  records,
		index:    index,
		conf:     conf,
		logger:   logger,
	}
}

// ProcessChunks embeds the given pending chunks and flips their status. It
// reports one result per chunk id; ids that are missing, soft-deleted or
// already embedded are reported without being touched.
func (g *Gateway) ProcessChunks(ctx context.Context, chunkIDs []string) []ItemResult {
	results := make([]ItemResult, 0, len(chunkIDs))

	var batch []*entity.Chunk
	flush := func() {
		if len(batch) == 0 {
			return
		}
		results = append(results, g.processBatch(ctx, batch)...)
		batch = nil
	}

	for _, id := range chunkIDs {
		chunk, err := g.records.GetChunk(ctx, id)
		if err != nil {
			results = append(results, ItemResult{ChunkID: id, Err: err})
			continue
		}
		if chunk.Status == entity.ChunkStatusEmbedded {
			results = append(results, ItemResult{ChunkID: id, Status: chunk.Status})
			continue
		}
		if chunk.Status == entity.ChunkStatusFailed {
			// Resume the retry path from the failed record.
			if err := g.records.UpdateStatus(ctx, id, entity.ChunkStatusPending, ""); err != nil {
				results = append(results, ItemResult{ChunkID: id, Err: err})
				continue
			}
			chunk.Status = entity.ChunkStatusPending
		}

		batch = append(batch, chunk)
		if len(batch) >= g.conf.BatchSize {
			flush()
		}
	}
	flush()

	return results
}

func (g *Gateway) processBatch(ctx context.Context, batch []*entity.Chunk) []ItemResult {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Text
	}

	vectors, err := g.embedWithRetry(ctx, texts)
	if err != nil {
		if len(batch) > 1 && ctx.Err() == nil && !errors.Is(err, errors.ErrServiceUnavailable) {
			// A terminal rejection names at most one bad input; retry one at a
			// time so only the offending chunk fails.
			g.logger.Warn("embedding batch rejected, retrying items individually",
				slog.Int("batch_size", len(batch)), slog.Any("error", err))
			return g.processSingly(ctx, batch)
		}

		// The whole batch shares the service failure; each chunk stays
		// queryable in failed status so a retry can resume from it.
		results := make([]ItemResult, 0, len(batch))
		for _, chunk := range batch {
			results = append(results, g.markFailed(ctx, chunk, err))
		}
		return results
	}

	results := make([]ItemResult, 0, len(batch))
	for i, chunk := range batch {
		results = append(results, g.commitEmbedding(ctx, chunk, vectors[i]))
	}
	return results
}

// processSingly embeds each chunk in its own request after a batch was
// rejected outright, isolating the failure to the chunks that caused it.
func (g *Gateway) processSingly(ctx context.Context, batch []*entity.Chunk) []ItemResult {
	results := make([]ItemResult, 0, len(batch))
	for _, chunk := range batch {
		vectors, err := g.embedWithRetry(ctx, []string{chunk.Text})
		if err != nil {
			results = append(results, g.markFailed(ctx, chunk, err))
			continue
		}
		results = append(results, g.commitEmbedding(ctx, chunk, vectors[0]))
	}
	return results
}

func (g *Gateway) markFailed(ctx context.Context, chunk *entity.Chunk, err error) ItemResult {
	if markErr := g.records.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusFailed, err.Error()); markErr != nil {
		g.logger.Warn("failed to mark chunk failed", slog.String("chunk_id", chunk.ID), slog.Any("error", markErr))
	}
	return ItemResult{ChunkID: chunk.ID, Status: entity.ChunkStatusFailed, Err: err}
}

// commitEmbedding records the embedding in the store of record and then
// projects it into the vector index. The two writes are deliberately not one
// transaction; the reconciler closes the gap if the second write is lost.
func (g *Gateway) commitEmbedding(ctx context.Context, chunk *entity.Chunk, vector []float32) ItemResult {
	modelVersion := g.embedder.ModelVersion()

	if err := g.records.SetCurrentEmbedding(ctx, chunk.ID, modelVersion, entity.ChunkStatusEmbedded); err != nil {
		return ItemResult{ChunkID: chunk.ID, Status: chunk.Status, Err: err}
	}
	if err := g.records.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusEmbedded, ""); err != nil {
		return ItemResult{ChunkID: chunk.ID, Status: chunk.Status, Err: err}
	}

	entry := &IndexEntry{
		ChunkID:      chunk.ID,
		Vector:       vector,
		Slot:         chunk.Slot,
		Tags:         chunk.Tags.Data(),
		ModelVersion: modelVersion,
	}
	if err := g.index.Upsert(ctx, entry); err != nil {
		// Record store already says embedded; reconciliation will repair the
		// missing index entry.
		g.logger.Warn("vector index write failed, leaving repair to reconciliation",
			slog.String("chunk_id", chunk.ID), slog.Any("error", err))
	}

	return ItemResult{ChunkID: chunk.ID, Status: entity.ChunkStatusEmbedded}
}

// EmbedQuery embeds a single query text with the same retry policy as
// ingestion batches.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *Gateway) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	attempts := g.conf.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := g.conf.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			g.logger.Debug("retrying embedding call",
				slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil, errors.WithStack(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > g.conf.MaxBackoff {
				backoff = g.conf.MaxBackoff
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.conf.RequestTimeout)
		vectors, err := g.embedder.Embed(callCtx, texts...)
		cancel()
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, errors.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(texts))
			}
			return vectors, nil
		}

		if !errors.Is(err, errors.ErrServiceUnavailable) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}
