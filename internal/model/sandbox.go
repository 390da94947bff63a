package model

import "time"

// SandboxAssistant is a disposable test configuration. ExpiresAt is fixed
// at creation and never moves.
type SandboxAssistant struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Name                string     `gorm:"size:100" json:"name"`
	PersonalityID       uint       `gorm:"not null;index" json:"personality_id"`
	GuardrailID         uint       `gorm:"not null;index" json:"guardrail_id"`
	MergedPrompt        string     `gorm:"type:text" json:"merged_prompt"`
	PromptFingerprint   string     `gorm:"size:64" json:"prompt_fingerprint"`
	LastPromptMerge     *time.Time `json:"last_prompt_merge,omitempty"`
	FileCount           int        `gorm:"not null;default:0" json:"file_count"`
	ExpiresAt           time.Time  `gorm:"not null;index" json:"expires_at"`
	ConversationCount   int        `gorm:"not null;default:0" json:"conversation_count"`
	LastConversationAt  *time.Time `json:"last_conversation_at,omitempty"`
	IsPromoted          bool       `gorm:"not null;default:false" json:"is_promoted"`
	PromotedAt          *time.Time `json:"promoted_at,omitempty"`
	PromotedAssistantID *uint      `json:"promoted_assistant_id,omitempty"`
	UsageReleased       bool       `gorm:"not null;default:false;index" json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *SandboxAssistant) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
