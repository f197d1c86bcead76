package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/taleweave/memoria/entity"
	"github.com/taleweave/memoria/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type (
	// RecordStore is the durable, transactional source of truth for chunks
	// and embedding status. The vector index is derived from it and always
	// loses tie-breaks against it.
	RecordStore interface {
		// CreateChunk inserts the chunk unless a live chunk with the same
		// (slot, hash) exists. First writer wins; later writers observe the
		// existing chunk with created=false.
		CreateChunk(ctx context.Context, chunk *entity.Chunk) (stored *entity.Chunk, created bool, err error)
		GetChunk(ctx context.Context, id string) (*entity.Chunk, error)
		FindByHash(ctx context.Context, slot, hash string) (*entity.Chunk, error)

		// UpdateStatus applies a monotonic status transition. Allowed:
		// pending->embedded, pending->failed, failed->pending. Anything out
		// of embedded is rejected.
		UpdateStatus(ctx context.Context, id string, to entity.ChunkStatus, lastError string) error

		// MarkRepairPending is the reconciler-only transition that returns an
		// embedded chunk to pending when its vector is unrecoverable.
		MarkRepairPending(ctx context.Context, id string) error

		SetCurrentEmbedding(ctx context.Context, chunkID, modelVersion string, status entity.ChunkStatus) error
		CurrentEmbedding(ctx context.Context, chunkID string) (*entity.EmbeddingRef, error)

		SoftDelete(ctx context.Context, id string) error
		// PurgeChunk hard-deletes a soft-deleted chunk. Live chunks are
		// rejected.
		PurgeChunk(ctx context.Context, id string) error

		// ScanSlot streams live chunks of one slot in creation order. Used by
		// the reconciler and as the degraded retrieval fallback.
		ScanSlot(ctx context.Context, slot string, fn func(*entity.Chunk) error) error
		// ScanStatus streams live chunks with the given status across slots.
		ScanStatus(ctx context.Context, status entity.ChunkStatus, fn func(*entity.Chunk) error) error

		Close() error
	}

	// GormRecordStore backs RecordStore with SQLite through GORM.
	GormRecordStore struct {
		db *gorm.DB

		// hashLocks serializes concurrent ingestion of the same (slot, hash)
		// key. Distinct chunks proceed without contention.
		hashLocks [64]sync.Mutex
	}
)

var _ RecordStore = (*GormRecordStore)(nil)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewChunkID returns a ULID. Lexicographic order of chunk ids matches
// creation order, which retrieval relies on for deterministic tie-breaking.
func NewChunkID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func NewGormRecordStore(dbPath string) (*GormRecordStore, error) {
	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", dbPath)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database at %s", dbPath)
	}

	if err := db.AutoMigrate(&entity.Chunk{}, &entity.EmbeddingRef{}); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate record store")
	}

	return &GormRecordStore{db: db}, nil
}

func (s *GormRecordStore) lockFor(slot, hash string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(slot))
	h.Write([]byte{0})
	h.Write([]byte(hash))
	return &s.hashLocks[h.Sum32()%uint32(len(s.hashLocks))]
}

func (s *GormRecordStore) CreateChunk(ctx context.Context, chunk *entity.Chunk) (*entity.Chunk, bool, error) {
	mu := s.lockFor(chunk.Slot, chunk.Hash)
	mu.Lock()
	defer mu.Unlock()

	var (
		stored  *entity.Chunk
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing entity.Chunk
		err := tx.Where("slot = ? AND hash = ?", chunk.Slot, chunk.Hash).First(&existing).Error
		if err == nil {
			stored = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(err, "failed to look up chunk by hash")
		}

		if err := tx.Create(chunk).Error; err != nil {
			return errors.Wrapf(err, "failed to create chunk")
		}
		stored = chunk
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *GormRecordStore) GetChunk(ctx context.Context, id string) (*entity.Chunk, error) {
	var chunk entity.Chunk
	if err := s.db.WithContext(ctx).First(&chunk, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "chunk %s", id)
		}
		return nil, errors.Wrapf(err, "failed to fetch chunk %s", id)
	}
	return &chunk, nil
}

func (s *GormRecordStore) FindByHash(ctx context.Context, slot, hash string) (*entity.Chunk, error) {
	var chunk entity.Chunk
	if err := s.db.WithContext(ctx).Where("slot = ? AND hash = ?", slot, hash).First(&chunk).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "chunk with hash %s in slot %s", hash, slot)
		}
		return nil, errors.Wrapf(err, "failed to fetch chunk by hash")
	}
	return &chunk, nil
}

func statusTransitionAllowed(from, to entity.ChunkStatus) bool {
	switch from {
	case entity.ChunkStatusPending:
		return to == entity.ChunkStatusEmbedded || to == entity.ChunkStatusFailed
	case entity.ChunkStatusFailed:
		return to == entity.ChunkStatusPending
	default:
		return false
	}
}

func (s *GormRecordStore) UpdateStatus(ctx context.Context, id string, to entity.ChunkStatus, lastError string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chunk entity.Chunk
		if err := tx.First(&chunk, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(errors.ErrNotFound, "chunk %s", id)
			}
			return errors.Wrapf(err, "failed to fetch chunk %s", id)
		}
		if chunk.Status == to {
			return nil
		}
		if !statusTransitionAllowed(chunk.Status, to) {
			return errors.Wrapf(errors.ErrConsistency, "status transition %s -> %s is not allowed for chunk %s", chunk.Status, to, id)
		}
		chunk.Status = to
		chunk.LastError = lastError
		return chunk.Save(tx)
	})
}

func (s *GormRecordStore) MarkRepairPending(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&entity.Chunk{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": entity.ChunkStatusPending, "last_error": ""}).Error
	return errors.Wrapf(err, "failed to mark chunk %s for repair", id)
}

func (s *GormRecordStore) SetCurrentEmbedding(ctx context.Context, chunkID, modelVersion string, status entity.ChunkStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Stale model versions may coexist during migration but only one ref
		// per chunk stays current.
		if err := tx.Model(&entity.EmbeddingRef{}).
			Where("chunk_id = ? AND model_version <> ?", chunkID, modelVersion).
			Update("current", false).Error; err != nil {
			return errors.Wrapf(err, "failed to demote stale embedding refs")
		}

		ref := entity.EmbeddingRef{
			ChunkID:      chunkID,
			ModelVersion: modelVersion,
			Status:       status,
			Current:      true,
		}
		return ref.Save(tx)
	})
}

func (s *GormRecordStore) CurrentEmbedding(ctx context.Context, chunkID string) (*entity.EmbeddingRef, error) {
	var ref entity.EmbeddingRef
	err := s.db.WithContext(ctx).Where("chunk_id = ? AND current = ?", chunkID, true).First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "no current embedding for chunk %s", chunkID)
		}
		return nil, errors.Wrapf(err, "failed to fetch embedding ref for chunk %s", chunkID)
	}
	return &ref, nil
}

func (s *GormRecordStore) SoftDelete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&entity.Chunk{}, "id = ?", id)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to soft-delete chunk %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "chunk %s", id)
	}
	return nil
}

func (s *GormRecordStore) PurgeChunk(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chunk entity.Chunk
		if err := tx.Unscoped().First(&chunk, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(errors.ErrNotFound, "chunk %s", id)
			}
			return errors.Wrapf(err, "failed to fetch chunk %s", id)
		}
		if !chunk.DeletedAt.Valid {
			return errors.Wrapf(errors.ErrInvalidInput, "chunk %s is not soft-deleted; purge applies to soft-deleted chunks only", id)
		}
		if err := tx.Unscoped().Delete(&entity.EmbeddingRef{}, "chunk_id = ?", id).Error; err != nil {
			return errors.Wrapf(err, "failed to purge embedding refs for chunk %s", id)
		}
		if err := tx.Unscoped().Delete(&entity.Chunk{}, "id = ?", id).Error; err != nil {
			return errors.Wrapf(err, "failed to purge chunk %s", id)
		}
		return nil
	})
}

func (s *GormRecordStore) ScanSlot(ctx context.Context, slot string, fn func(*entity.Chunk) error) error {
	return s.scan(ctx, s.db.WithContext(ctx).Where("slot = ?", slot), fn)
}

func (s *GormRecordStore) ScanStatus(ctx context.Context, status entity.ChunkStatus, fn func(*entity.Chunk) error) error {
	return s.scan(ctx, s.db.WithContext(ctx).Where("status = ?", status), fn)
}

func (s *GormRecordStore) scan(ctx context.Context, q *gorm.DB, fn func(*entity.Chunk) error) error {
	const batchSize = 200
	var chunks []*entity.Chunk
	err := q.Order("id").FindInBatches(&chunks, batchSize, func(_ *gorm.DB, _ int) error {
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			if err := fn(chunk); err != nil {
				return err
			}
		}
		return nil
	}).Error
	return errors.Wrapf(err, "chunk scan failed")
}

func (s *GormRecordStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrapf(err, "failed to get db")
	}
	return errors.Wrapf(sqlDB.Close(), "failed to close record store")
}
