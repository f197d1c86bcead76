package memory_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
	"github.com/taleweave/memoria/memory"
)

func newTestRecordStore(t *testing.T) *memory.GormRecordStore {
	t.Helper()
	store, err := memory.NewGormRecordStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPendingChunk(slot, text string) *entity.Chunk {
	return &entity.Chunk{
		ID:     memory.NewChunkID(),
		Hash:   memory.ContentHash(text),
		Slot:   slot,
		Text:   text,
		Status: entity.ChunkStatusPending,
	}
}

func TestGormRecordStore_CreateChunkFirstWriterWins(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := t.Context()

	first := newPendingChunk("S1", "The captain waits at the dock.")
	stored, created, err := store.CreateChunk(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	// Same normalized content, different formatting: observes the existing
	// chunk instead of creating a duplicate.
	dup := newPendingChunk("S1", "  the captain   waits at the DOCK.  ")
	stored, created, err = store.CreateChunk(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)

	// Same content in another slot is a distinct chunk.
	other := newPendingChunk("S2", "The captain waits at the dock.")
	stored, created, err = store.CreateChunk(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, stored.ID)
}

func TestGormRecordStore_Lookups(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := t.Context()

	chunk := newPendingChunk("S1", "A lighthouse blinks in the fog.")
	_, _, err := store.CreateChunk(ctx, chunk)
	require.NoError(t, err)

	got, err := store.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, chunk.Text, got.Text)

	got, err = store.FindByHash(ctx, "S1", chunk.Hash)
	require.NoError(t, err)
	assert.Equal(t, chunk.ID, got.ID)

	_, err = store.GetChunk(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = store.FindByHash(ctx, "S2", chunk.Hash)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestGormRecordStore_StatusTransitionsAreMonotonic(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := t.Context()

	chunk := newPendingChunk("S1", "The tide turns at midnight.")
	_, _, err := store.CreateChunk(ctx, chunk)
	require.NoError(t, err)

	// pending -> failed -> pending -> embedded
	require.NoError(t, store.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusFailed, "rate limited"))
	require.NoError(t, store.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusPending, ""))
	require.NoError(t, store.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusEmbedded, ""))

	// embedded is terminal for normal transitions
	err = store.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusPending, "")
	assert.ErrorIs(t, err, errors.ErrConsistency)
	err = store.UpdateStatus(ctx, chunk.ID, entity.ChunkStatusFailed, "")
	assert.ErrorIs(t, err, errors.ErrConsistency)

	// the reconciler's repair path is the one sanctioned exception
	require.NoError(t, store.MarkRepairPending(ctx, chunk.ID))
	got, err := store.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ChunkStatusPending, got.Status)
}

func TestGormRecordStore_EmbeddingRefs(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := t.Context()

	chunk := newPendingChunk("S1", "Gulls circle the mast.")
	_, _, err := store.CreateChunk(ctx, chunk)
	require.NoError(t, err)

	_, err = store.CurrentEmbedding(ctx, chunk.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, store.SetCurrentEmbedding(ctx, chunk.ID, "model-v1", entity.ChunkStatusEmbedded))
	ref, err := store.CurrentEmbedding(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, "model-v1", ref.ModelVersion)
	assert.True(t, ref.Current)

	// Model migration demotes the stale ref.
	require.NoError(t, store.SetCurrentEmbedding(ctx, chunk.ID, "model-v2", entity.ChunkStatusEmbedded))
	ref, err = store.CurrentEmbedding(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, "model-v2", ref.ModelVersion)
}

func TestGormRecordStore_SoftDeleteAndPurge(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := t.Context()

	chunk := newPendingChunk("S1", "The anchor drops.")
	_, _, err := store.CreateChunk(ctx, chunk)
	require.NoError(t, err)

	// Purging a live chunk is rejected.
	err = store.PurgeChunk(ctx, chunk.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	require.NoError(t, store.SoftDelete(ctx, chunk.ID))
	_, err = store.GetChunk(ctx, chunk.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, store.SoftDelete(ctx, chunk.ID), errors.ErrNotFound)

	require.NoError(t, store.PurgeChunk(ctx, chunk.ID))
	assert.ErrorIs(t, store.PurgeChunk(ctx, chunk.ID), errors.ErrNotFound)
}

func TestGormRecordStore_ScanSlotCreationOrder(t *testing.T) {
	store := newTestRecordStore(t)
	ctx := t.Context()

	texts := []string{"first entry", "second entry", "third entry"}
	var ids []string
	for _, text := range texts {
		chunk := newPendingChunk("S1", text)
		_, _, err := store.CreateChunk(ctx, chunk)
		require.NoError(t, err)
		ids = append(ids, chunk.ID)
	}
	_, _, err := store.CreateChunk(ctx, newPendingChunk("S2", "elsewhere"))
	require.NoError(t, err)

	var scanned []string
	require.NoError(t, store.ScanSlot(ctx, "S1", func(c *entity.Chunk) error {
		scanned = append(scanned, c.ID)
		return nil
	}))
	assert.Equal(t, ids, scanned, "scan must follow creation order")
}
