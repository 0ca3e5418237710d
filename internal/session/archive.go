package session

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
	"gorm.io/gorm"
)

// SessionRecord is the durable row written when a session ends.
type SessionRecord struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	AgentID   string     `gorm:"not null;index" json:"agent_id"`
	TenantID  string     `gorm:"not null;index" json:"tenant_id"`
	RoomName  string     `gorm:"not null" json:"room_name"`
	WorkerID  string     `json:"worker_id"`
	Status    string     `gorm:"not null" json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`

	InteractionCount      int     `json:"interaction_count"`
	AverageResponseTimeMs int64   `json:"average_response_time_ms"`
	STTCost               float64 `json:"stt_cost"`
	LLMCost               float64 `json:"llm_cost"`
	TTSCost               float64 `json:"tts_cost"`
	TotalCost             float64 `json:"total_cost"`
	ErrorCount            int     `json:"error_count"`
	DurationMs            int64   `json:"duration_ms"`

	CreatedAt time.Time `json:"created_at"`
}

func (SessionRecord) TableName() string {
	return "session_archive"
}

type InteractionRecord struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	SessionID        string    `gorm:"not null;index" json:"session_id"`
	TurnNumber       int       `gorm:"not null" json:"turn_number"`
	Speaker          string    `gorm:"not null" json:"speaker"`
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
}

func (InteractionRecord) TableName() string {
	return "session_transcripts"
}

// ArchiveStore persists ended sessions and their transcripts. Append-only
// from the orchestrator's point of view.
type ArchiveStore struct {
	db *gorm.DB
}

func NewArchiveStore(db *gorm.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func (s *ArchiveStore) Migrate() error {
	return s.db.AutoMigrate(&SessionRecord{}, &InteractionRecord{})
}

func (s *ArchiveStore) Archive(ctx context.Context, snap *Snapshot) error {
	record := SessionRecord{
		ID:        snap.Session.ID,
		AgentID:   snap.Session.AgentID,
		TenantID:  snap.Session.TenantID,
		RoomName:  snap.Session.RoomName,
		WorkerID:  snap.Session.WorkerID,
		Status:    string(snap.Session.Status),
		StartedAt: snap.Session.StartedAt,
		EndedAt:   snap.Session.EndedAt,

		InteractionCount:      snap.Metrics.InteractionCount,
		AverageResponseTimeMs: snap.Metrics.AverageResponseTimeMs,
		STTCost:               snap.Metrics.STTCost,
		LLMCost:               snap.Metrics.LLMCost,
		TTSCost:               snap.Metrics.TTSCost,
		TotalCost:             snap.Metrics.TotalCost,
		ErrorCount:            snap.Metrics.ErrorCount,
		DurationMs:            snap.Metrics.DurationMs,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		if len(snap.Interactions) == 0 {
			return nil
		}

		rows := make([]InteractionRecord, 0, len(snap.Interactions))
		for _, in := range snap.Interactions {
			rows = append(rows, InteractionRecord{
				ID:               in.ID,
				SessionID:        in.SessionID,
				TurnNumber:       in.TurnNumber,
				Speaker:          string(in.Speaker),
				Text:             in.Text,
				Confidence:       in.Confidence,
				Timestamp:        in.Timestamp,
				ProcessingTimeMs: in.ProcessingTimeMs,
				PromptTokens:     in.PromptTokens,
				CompletionTokens: in.CompletionTokens,
				Cost:             in.Cost,
			})
		}
		return tx.Create(&rows).Error
	})
}

func (s *ArchiveStore) GetRecord(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var record SessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &record, err
}

func (s *ArchiveStore) GetTranscript(ctx context.Context, sessionID string) ([]InteractionRecord, error) {
	var rows []InteractionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn_number ASC").
		Find(&rows).Error
	return rows, err
}
