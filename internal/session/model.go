package session

import (
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

type Session struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	TenantID  string     `json:"tenant_id"`
	RoomName  string     `json:"room_name"`
	WorkerID  string     `json:"worker_id"`
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Interaction is one turn half: either the caller's recognized utterance or
// the agent's reply. Immutable once appended.
type Interaction struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	TurnNumber       int       `json:"turn_number"`
	Speaker          Speaker   `json:"speaker"`
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	Cost             float64   `json:"cost,omitempty"`
}

// Metrics aggregates per-session cost and health. Mutated additively after
// every turn and stage failure, finalized once at session end.
type Metrics struct {
	InteractionCount      int     `json:"interaction_count"`
	AverageResponseTimeMs int64   `json:"average_response_time_ms"`
	STTCost               float64 `json:"stt_cost"`
	LLMCost               float64 `json:"llm_cost"`
	TTSCost               float64 `json:"tts_cost"`
	TotalCost             float64 `json:"total_cost"`
	ErrorCount            int     `json:"error_count"`
	ConsecutiveErrors     int     `json:"consecutive_errors"`
	DurationMs            int64   `json:"duration_ms"`

	totalResponseTimeMs int64
	timedTurns          int64
}

// CostDelta carries one turn's cost attribution into the metrics.
type CostDelta struct {
	STT float64
	LLM float64
	TTS float64
}

func (d CostDelta) Total() float64 {
	return d.STT + d.LLM + d.TTS
}

// Snapshot is the final state handed to the archival sink when a session
// ends. Built exactly once per session.
type Snapshot struct {
	Session      Session
	Interactions []Interaction
	Metrics      Metrics
}
