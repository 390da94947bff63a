package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// KnowledgeChunk stores one embedded text chunk. Chunks of a single
// ingestion share a VectorSetID, which is the vector reference recorded on
// the KnowledgeFile. Embedding is a JSON array of float32 for portability.
type KnowledgeChunk struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	VectorSetID string    `gorm:"size:64;not null;index" json:"vector_set_id"`
	Seq         int       `gorm:"not null" json:"seq"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	Embedding   string    `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// SetEmbedding stores the embedding as JSON. NaN or infinite components
// cannot be stored.
func (c *KnowledgeChunk) SetEmbedding(vec []float32) error {
	if len(vec) == 0 {
		c.Embedding = "[]"
		return nil
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	c.Embedding = string(b)
	return nil
}
