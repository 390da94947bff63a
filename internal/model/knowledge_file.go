package model

import "time"

type OwnerType string

const (
	OwnerAssistant OwnerType = "assistant"
	OwnerSandbox   OwnerType = "sandbox"
)

// OwnerRef identifies the single assistant or sandbox owning a file.
type OwnerRef struct {
	Type OwnerType `json:"type"`
	ID   uint      `json:"id"`
}

type ProcessingStatus string

const (
	StatusUploaded   ProcessingStatus = "UPLOADED"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// KnowledgeFile tracks one uploaded document through ingestion.
type KnowledgeFile struct {
	ID                  uint             `gorm:"primaryKey" json:"id"`
	OwnerType           OwnerType        `gorm:"size:16;not null;index:idx_file_owner,priority:1" json:"owner_type"`
	OwnerID             uint             `gorm:"not null;index:idx_file_owner,priority:2" json:"owner_id"`
	FileName            string           `gorm:"size:256;not null" json:"file_name"`
	MimeType            string           `gorm:"size:128" json:"mime_type"`
	SizeBytes           int64            `gorm:"not null" json:"size_bytes"`
	StorageKey          string           `gorm:"size:128;not null" json:"-"`
	TextKey             string           `gorm:"size:128" json:"-"`
	ProcessingStatus    ProcessingStatus `gorm:"size:16;not null;index" json:"processing_status"`
	ProcessingStage     string           `gorm:"size:32" json:"processing_stage,omitempty"`
	ProcessingError     string           `gorm:"type:text" json:"processing_error,omitempty"`
	ClaimToken          string           `gorm:"size:64" json:"-"`
	ProcessingStarted   *time.Time       `json:"processing_started,omitempty"`
	ProcessingCompleted *time.Time       `json:"processing_completed,omitempty"`
	ExtractedTextLength int              `json:"extracted_text_length"`
	VectorEmbeddingID   string           `gorm:"size:64;index" json:"vector_embedding_id,omitempty"`
	ChunkCount          int              `json:"chunk_count"`
	Safe                *bool            `json:"safe,omitempty"`
	Educational         *bool            `json:"educational,omitempty"`
	AgeAppropriate      *bool            `json:"age_appropriate,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func (f *KnowledgeFile) Owner() OwnerRef {
	return OwnerRef{Type: f.OwnerType, ID: f.OwnerID}
}
