package agent

import (
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

// Agent is the persisted configuration a session is deployed from.
type Agent struct {
	ID       string `gorm:"primaryKey" json:"id"`
	TenantID string `gorm:"not null;index" json:"tenant_id"`

	Name         string `gorm:"not null" json:"name"`
	Description  string `json:"description,omitempty"`
	Instructions string `gorm:"not null" json:"instructions"`

	Model       string  `gorm:"default:'gpt-4o-mini'" json:"model"`
	Temperature float64 `gorm:"default:0.7" json:"temperature"`
	MaxTokens   int     `gorm:"default:0" json:"max_tokens,omitempty"`

	VoiceID  string `gorm:"default:'nova'" json:"voice_id"`
	Language string `gorm:"default:'en'" json:"language"`

	HasKnowledge   bool               `gorm:"default:false" json:"has_knowledge"`
	KnowledgeFiles shared.StringSlice `gorm:"type:json" json:"knowledge_files,omitempty"`

	TotalSessions int64 `gorm:"default:0" json:"total_sessions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
