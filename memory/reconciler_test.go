package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
	"github.com/taleweave/memoria/memory"
)

func TestReconciler_RepairsDroppedIndexWrites(t *testing.T) {
	index := &droppingIndex{VectorIndex: memory.NewInMemoryVectorIndex()}
	env := newTestEnv(t, nil, index)
	ctx := t.Context()

	// Simulate the consistency gap: record store says embedded, vector
	// index write is lost.
	index.setDrop(true)
	lost, err := env.svc.Ingest(ctx, scribe, memory.IngestInput{
		Text: "The dock master logs the arrival.",
		Slot: "S1",
	})
	require.NoError(t, err)
	require.Equal(t, entity.ChunkStatusEmbedded, lost.Status)
	_, err = index.Get(ctx, lost.ChunkID)
	require.ErrorIs(t, err, errors.ErrNotFound)

	index.setDrop(false)
	intact, err := env.svc.Ingest(ctx, scribe, memory.IngestInput{
		Text: "A second ship anchors nearby.",
		Slot: "S1",
	})
	require.NoError(t, err)

	summary, err := env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)
	assert.Zero(t, summary.Orphaned)
	assert.Zero(t, summary.Unreachable)

	// Invariant restored: every embedded chunk has a current vector.
	for _, id := range []string{lost.ChunkID, intact.ChunkID} {
		chunk, err := env.records.GetChunk(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, entity.ChunkStatusEmbedded, chunk.Status)
		_, err = index.Get(ctx, id)
		assert.NoError(t, err)
	}

	// A second run finds nothing to do.
	summary, err = env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Zero(t, summary.Repaired)
}

func TestReconciler_RemovesOrphanedVectors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := t.Context()

	record, err := env.svc.Ingest(ctx, scribe, memory.IngestInput{
		Text: "Cargo shifts in the hold.",
		Slot: "S1",
	})
	require.NoError(t, err)

	// Orphan 1: an index entry whose chunk never existed.
	require.NoError(t, env.index.Upsert(ctx, &memory.IndexEntry{
		ChunkID:      "ghost-chunk",
		Vector:       bagOfWords("phantom text", 16),
		Slot:         "S1",
		ModelVersion: "fake-embed-v1",
	}))

	// Orphan 2: soft-delete behind the service's back, leaving the vector.
	require.NoError(t, env.records.SoftDelete(ctx, record.ChunkID))

	summary, err := env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Orphaned)

	_, err = env.index.Get(ctx, "ghost-chunk")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = env.index.Get(ctx, record.ChunkID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestReconciler_RegeneratesUnrecoverableVectors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := t.Context()

	record, err := env.svc.Ingest(ctx, scribe, memory.IngestInput{
		Text: "The tide carries driftwood in.",
		Slot: "S1",
	})
	require.NoError(t, err)
	calls := env.embedder.callCount()

	// Lose the vector payload entirely.
	require.NoError(t, env.index.Delete(ctx, record.ChunkID))

	summary, err := env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)
	assert.Zero(t, summary.Unreachable)
	assert.Equal(t, calls+1, env.embedder.callCount(), "regeneration embeds again")

	chunk, err := env.records.GetChunk(ctx, record.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, entity.ChunkStatusEmbedded, chunk.Status)
	_, err = env.index.Get(ctx, record.ChunkID)
	assert.NoError(t, err)
}

func TestReconciler_SweepsStrandedPendingChunks(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := t.Context()

	// Accepted but never embedded, as when the process stops mid-ingest.
	stranded := newPendingChunk("S1", "A half-written entry in the log.")
	_, created, err := env.records.CreateChunk(ctx, stranded)
	require.NoError(t, err)
	require.True(t, created)

	summary, err := env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)
	assert.Zero(t, summary.Unreachable)

	chunk, err := env.records.GetChunk(ctx, stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ChunkStatusEmbedded, chunk.Status)
	_, err = env.index.Get(ctx, stranded.ID)
	assert.NoError(t, err)

	// A second run finds nothing pending.
	summary, err = env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Zero(t, summary.Repaired)
}

func TestReconciler_CountsUnreachableChunks(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := t.Context()

	record, err := env.svc.Ingest(ctx, scribe, memory.IngestInput{
		Text: "A sealed letter never delivered.",
		Slot: "S1",
	})
	require.NoError(t, err)

	require.NoError(t, env.index.Delete(ctx, record.ChunkID))
	env.embedder.failures = 100
	env.embedder.failErr = errors.Wrapf(errors.ErrServiceUnavailable, "backend down")

	summary, err := env.svc.Reconcile(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)
	assert.Equal(t, 1, summary.Unreachable)

	// The chunk survives in failed status for a later pass.
	chunk, err := env.records.GetChunk(ctx, record.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, entity.ChunkStatusFailed, chunk.Status)
}
