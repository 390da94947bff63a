package model

import (
	"time"

	"gorm.io/gorm"
)

type AssistantStatus string

const (
	AssistantActive   AssistantStatus = "ACTIVE"
	AssistantInactive AssistantStatus = "INACTIVE"
	AssistantError    AssistantStatus = "ERROR"
)

// AnimalAssistant is the permanent chatbot configuration of one animal.
// LiveAnimalID mirrors AnimalID while the record is the animal's live
// configuration and is NULL otherwise; its unique index keeps one live
// assistant per animal.
type AnimalAssistant struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	AnimalID          string          `gorm:"size:64;not null;index" json:"animal_id"`
	LiveAnimalID      *string         `gorm:"size:64;uniqueIndex" json:"-"`
	PersonalityID     uint            `gorm:"not null;index" json:"personality_id"`
	GuardrailID       uint            `gorm:"not null;index" json:"guardrail_id"`
	MergedPrompt      string          `gorm:"type:text" json:"merged_prompt"`
	PromptFingerprint string          `gorm:"size:64" json:"prompt_fingerprint"`
	LastPromptMerge   *time.Time      `json:"last_prompt_merge,omitempty"`
	FileCount         int             `gorm:"not null;default:0" json:"file_count"`
	Status            AssistantStatus `gorm:"size:16;not null;index" json:"status"`
	StatusReason      string          `gorm:"size:500" json:"status_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeletedAt         gorm.DeletedAt  `gorm:"index" json:"-"`
}
