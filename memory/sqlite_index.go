package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/taleweave/memoria/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SqliteVectorIndex implements VectorIndex on SQLite with the sqlite-vec
// extension: a vec0 virtual table for vectors, a plain table for the search
// metadata.
type SqliteVectorIndex struct {
	db     *gorm.DB
	vecDim int
}

type indexEntryRecord struct {
	ChunkID      string `gorm:"primaryKey"`
	Slot         string `gorm:"index"`
	Tags         datatypes.JSONType[map[string]string]
	ModelVersion string `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (indexEntryRecord) TableName() string {
	return "index_entries"
}

var _ VectorIndex = (*SqliteVectorIndex)(nil)

func NewSqliteVectorIndex(dbPath string, dimension int) (*SqliteVectorIndex, error) {
	sqlite_vec.Auto()

	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", dbPath)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database at %s", dbPath)
	}

	index := &SqliteVectorIndex{db: db, vecDim: dimension}

	if err := db.AutoMigrate(&indexEntryRecord{}); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate index entry table")
	}
	if err := index.createVectorTable(); err != nil {
		return nil, err
	}

	return index, nil
}

func (s *SqliteVectorIndex) createVectorTable() error {
	var sqliteVersion, vecVersion string
	if err := s.db.Raw("SELECT sqlite_version(), vec_version()").Row().Scan(&sqliteVersion, &vecVersion); err != nil {
		return errors.Wrapf(err, "sqlite-vec extension not properly loaded")
	}

	createTableSQL := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d]
		);
	`, s.vecDim)

	if err := s.db.Exec(createTableSQL).Error; err != nil {
		return errors.Wrapf(err, "failed to create chunk_vectors table")
	}

	return nil
}

func (s *SqliteVectorIndex) Upsert(ctx context.Context, entry *IndexEntry) error {
	if len(entry.Vector) != s.vecDim {
		return errors.Wrapf(errors.ErrInvalidInput, "vector has dimension %d, index expects %d", len(entry.Vector), s.vecDim)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := indexEntryRecord{
			ChunkID:      entry.ChunkID,
			Slot:         entry.Slot,
			Tags:         datatypes.NewJSONType(entry.Tags),
			ModelVersion: entry.ModelVersion,
		}
		if err := tx.Save(&record).Error; err != nil {
			return errors.Wrapf(err, "failed to save index entry")
		}

		// Replace-by-chunk-id: vec0 has no upsert.
		if err := tx.Exec("DELETE FROM chunk_vectors WHERE chunk_id = ?", entry.ChunkID).Error; err != nil {
			return errors.Wrapf(err, "failed to delete existing vector")
		}

		serialized, err := sqlite_vec.SerializeFloat32(entry.Vector)
		if err != nil {
			return errors.Wrapf(err, "failed to serialize embedding")
		}
		if err := tx.Exec("INSERT INTO chunk_vectors (chunk_id, embedding) VALUES (?, ?)", entry.ChunkID, serialized).Error; err != nil {
			return errors.Wrapf(err, "failed to insert vector")
		}

		return nil
	})
}

func (s *SqliteVectorIndex) Delete(ctx context.Context, chunkID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM chunk_vectors WHERE chunk_id = ?", chunkID).Error; err != nil {
			return errors.Wrapf(err, "failed to delete vector")
		}
		if err := tx.Delete(&indexEntryRecord{}, "chunk_id = ?", chunkID).Error; err != nil {
			return errors.Wrapf(err, "failed to delete index entry")
		}
		return nil
	})
}

func (s *SqliteVectorIndex) Get(ctx context.Context, chunkID string) (*IndexEntry, error) {
	var blob []byte
	err := s.db.WithContext(ctx).
		Raw("SELECT embedding FROM chunk_vectors WHERE chunk_id = ?", chunkID).
		Row().Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "no vector for chunk %s", chunkID)
		}
		return nil, errors.Wrapf(err, "failed to read vector for chunk %s", chunkID)
	}

	entry := &IndexEntry{
		ChunkID: chunkID,
		Vector:  deserializeFloat32(blob),
	}

	var record indexEntryRecord
	if err := s.db.WithContext(ctx).First(&record, "chunk_id = ?", chunkID).Error; err == nil {
		entry.Slot = record.Slot
		entry.Tags = record.Tags.Data()
		entry.ModelVersion = record.ModelVersion
	}

	return entry, nil
}

func (s *SqliteVectorIndex) Search(ctx context.Context, vector []float32, slot string, tagFilters map[string]string, modelVersion string, limit int) ([]IndexMatch, error) {
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}

	var allowedIDs []string
	if err := s.db.WithContext(ctx).
		Model(&indexEntryRecord{}).
		Where("slot = ? AND model_version = ?", slot, modelVersion).
		Pluck("chunk_id", &allowedIDs).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list slot index entries")
	}
	if len(allowedIDs) == 0 {
		return nil, nil
	}

	serialized, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize query embedding")
	}

	// Over-fetch before the tag post-filter trims candidates.
	searchSQL := `
		SELECT chunk_id, distance
		FROM chunk_vectors
		WHERE embedding MATCH ? AND chunk_id IN ?
		ORDER BY distance
		LIMIT ?
	`
	rows, err := s.db.WithContext(ctx).Raw(searchSQL, serialized, allowedIDs, limit*2).Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to execute vector search")
	}
	defer rows.Close()

	type hit struct {
		id       string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.distance); err != nil {
			return nil, errors.Wrapf(err, "failed to scan search row")
		}
		hits = append(hits, h)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	var matches []IndexMatch
	for _, h := range hits {
		if len(tagFilters) > 0 {
			var record indexEntryRecord
			if err := s.db.WithContext(ctx).First(&record, "chunk_id = ?", h.id).Error; err != nil {
				continue
			}
			if !tagsMatch(record.Tags.Data(), tagFilters) {
				continue
			}
		}
		matches = append(matches, IndexMatch{ChunkID: h.id, Similarity: 1.0 - h.distance})
		if len(matches) == limit {
			break
		}
	}

	return matches, nil
}

func (s *SqliteVectorIndex) ChunkIDs(ctx context.Context) ([]string, error) {
	var ids []string
	rows, err := s.db.WithContext(ctx).Raw("SELECT chunk_id FROM chunk_vectors").Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list indexed chunk ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrapf(err, "failed to scan chunk id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *SqliteVectorIndex) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrapf(err, "failed to get db")
	}
	return errors.Wrapf(sqlDB.Close(), "failed to close vector index")
}

func deserializeFloat32(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
