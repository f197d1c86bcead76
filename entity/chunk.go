package entity

import (
	"time"

	"github.com/taleweave/memoria/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChunkStatus string

const (
	ChunkStatusPending  ChunkStatus = "pending"
	ChunkStatusEmbedded ChunkStatus = "embedded"
	ChunkStatusFailed   ChunkStatus = "failed"
)

// Chunk is an immutable unit of narrative memory. The text is never edited
// in place; a chunk may be superseded via soft delete only.
type Chunk struct {
	ID        string `gorm:"primaryKey"`
	Hash      string `gorm:"index:idx_chunks_slot_hash"`
	Slot      string `gorm:"index:idx_chunks_slot_hash"`
	Text      string `gorm:"type:text"`
	Tags      datatypes.JSONType[map[string]string]
	Status    ChunkStatus `gorm:"index"`
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (c *Chunk) Save(db *gorm.DB) error {
	return errors.Wrapf(db.Save(c).Error, "failed to save chunk")
}

func (c *Chunk) Delete(db *gorm.DB) error {
	return errors.Wrapf(db.Delete(c).Error, "failed to delete chunk")
}

// EmbeddingRef tracks the embedding state of one chunk under one model
// version. At most one ref per (chunk, model version) is current.
type EmbeddingRef struct {
	ChunkID      string `gorm:"primaryKey"`
	ModelVersion string `gorm:"primaryKey"`
	Status       ChunkStatus
	Current      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r *EmbeddingRef) Save(db *gorm.DB) error {
	return errors.Wrapf(db.Save(r).Error, "failed to save embedding ref")
}
