package model

import "time"

type FragmentKind string

const (
	FragmentPersonality FragmentKind = "PERSONALITY"
	FragmentGuardrail   FragmentKind = "GUARDRAIL"
)

// Fragment is a reusable Personality or Guardrail text record.
// Name is unique within a kind.
type Fragment struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Kind        FragmentKind `gorm:"size:16;not null;uniqueIndex:idx_fragment_kind_name,priority:1" json:"kind"`
	Name        string       `gorm:"size:100;not null;uniqueIndex:idx_fragment_kind_name,priority:2" json:"name"`
	Body        string       `gorm:"type:text;not null" json:"body"`
	Description string       `gorm:"size:500" json:"description,omitempty"`
	Tone        string       `gorm:"size:32" json:"tone,omitempty"`     // personalities only
	Severity    string       `gorm:"size:32" json:"severity,omitempty"` // guardrails only
	ContentHash string       `gorm:"size:64;not null" json:"content_hash"`
	Version     int          `gorm:"not null;default:1" json:"version"`
	UsageCount  int          `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
