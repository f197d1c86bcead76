package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
)

// Reconciler detects and repairs divergence between the record store and the
// vector index. It is the only component aware of both stores at once. Every
// repair step is a complete, independently idempotent operation, so
// cancellation mid-run leaves both stores valid.
type Reconciler struct {
	records RecordStore
	index   VectorIndex
	gateway *Gateway
	conf    *config.ReconcileConfig
	logger  *slog.Logger
}

func NewReconciler(records RecordStore, index VectorIndex, gateway *Gateway, conf *config.ReconcileConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		records: records,
		index:   index,
		gateway: gateway,
		conf:    conf,
		logger:  logger,
	}
}

// Run executes one full reconciliation pass and reports a summary. The
// record store is never modified beyond status flags; only the vector index
// is repaired or pruned.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{RunID: uuid.NewString()}
	logger := r.logger.With(slog.String("run_id", summary.RunID))

	regenerate, err := r.verifyEmbedded(ctx, logger, summary)
	if err != nil {
		return nil, err
	}

	regenerate, err = r.sweepPending(ctx, logger, summary, regenerate)
	if err != nil {
		return nil, err
	}

	if err := r.pruneOrphans(ctx, logger, summary); err != nil {
		return nil, err
	}

	if len(regenerate) > 0 {
		results := r.gateway.ProcessChunks(ctx, regenerate)
		for _, res := range results {
			if res.Err != nil || res.Status != entity.ChunkStatusEmbedded {
				summary.Unreachable++
				logger.Warn("chunk could not be re-embedded during reconciliation",
					slog.String("chunk_id", res.ChunkID), slog.Any("error", res.Err))
			}
		}
	}

	logger.Info("reconciliation finished",
		slog.Int("repaired", summary.Repaired),
		slog.Int("orphaned", summary.Orphaned),
		slog.Int("unreachable", summary.Unreachable))

	return summary, nil
}

// verifyEmbedded streams embedded chunks and checks each has a matching
// current index entry. Recoverable vectors are re-projected in place;
// unrecoverable ones are returned for regeneration through the gateway.
func (r *Reconciler) verifyEmbedded(ctx context.Context, logger *slog.Logger, summary *ReconcileSummary) ([]string, error) {
	var regenerate []string

	err := r.records.ScanStatus(ctx, entity.ChunkStatusEmbedded, func(chunk *entity.Chunk) error {
		ref, err := r.records.CurrentEmbedding(ctx, chunk.ID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}

		entry, getErr := r.index.Get(ctx, chunk.ID)
		if getErr == nil && ref != nil && entry.ModelVersion == ref.ModelVersion && entry.Slot == chunk.Slot {
			return nil
		}

		logger.Warn("embedded chunk diverged from vector index",
			slog.String("chunk_id", chunk.ID),
			slog.Bool("vector_recoverable", getErr == nil))

		if getErr == nil && ref != nil {
			// The vector payload survived; re-project metadata without
			// calling the embedding service again.
			if err := r.index.Upsert(ctx, &IndexEntry{
				ChunkID:      chunk.ID,
				Vector:       entry.Vector,
				Slot:         chunk.Slot,
				Tags:         chunk.Tags.Data(),
				ModelVersion: ref.ModelVersion,
			}); err != nil {
				return errors.Wrapf(errors.ErrConsistency, "failed to re-project vector for chunk %s: %v", chunk.ID, err)
			}
			summary.Repaired++
			return nil
		}

		// Vector is gone; regenerate through the normal pending path.
		if err := r.records.MarkRepairPending(ctx, chunk.ID); err != nil {
			return err
		}
		regenerate = append(regenerate, chunk.ID)
		summary.Repaired++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return regenerate, nil
}

// sweepPending picks up chunks left in pending status, typically by a process
// stopped between accepting a write and embedding it, and queues them for the
// regeneration pass.
func (r *Reconciler) sweepPending(ctx context.Context, logger *slog.Logger, summary *ReconcileSummary, regenerate []string) ([]string, error) {
	queued := make(map[string]struct{}, len(regenerate))
	for _, id := range regenerate {
		queued[id] = struct{}{}
	}

	err := r.records.ScanStatus(ctx, entity.ChunkStatusPending, func(chunk *entity.Chunk) error {
		if _, ok := queued[chunk.ID]; ok {
			return nil
		}
		logger.Warn("found stranded pending chunk", slog.String("chunk_id", chunk.ID))
		regenerate = append(regenerate, chunk.ID)
		summary.Repaired++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return regenerate, nil
}

// pruneOrphans removes index entries whose chunk is missing, soft-deleted or
// no longer embedded in the record store.
func (r *Reconciler) pruneOrphans(ctx context.Context, logger *slog.Logger, summary *ReconcileSummary) error {
	ids, err := r.index.ChunkIDs(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrConsistency, "failed to enumerate vector index: %v", err)
	}

	var orphans []string
	for _, id := range ids {
		chunk, err := r.records.GetChunk(ctx, id)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			orphans = append(orphans, id)
		case err != nil:
			return errors.Wrapf(err, "failed to look up indexed chunk %s", id)
		case chunk.Status != entity.ChunkStatusEmbedded && chunk.Status != entity.ChunkStatusPending:
			orphans = append(orphans, id)
		}
	}

	for _, id := range orphans {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if err := r.index.Delete(ctx, id); err != nil {
			return errors.Wrapf(errors.ErrConsistency, "failed to remove orphaned vector %s: %v", id, err)
		}
		logger.Warn("removed orphaned vector", slog.String("chunk_id", id))
		summary.Orphaned++
	}

	return nil
}

// Loop runs reconciliation on the configured interval until the context is
// cancelled. Failures are logged and the loop keeps going.
func (r *Reconciler) Loop(ctx context.Context) {
	if r.conf.RunAtStartup {
		if _, err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("startup reconciliation failed", slog.Any("error", err))
		}
	}
	if r.conf.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconciliation failed", slog.Any("error", err))
			}
		}
	}
}
