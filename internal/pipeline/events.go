package pipeline

import "time"

// EventType tags messages on a session's outbound channel. Every stage
// failure surfaces here as an error-typed event; logging alone is not
// enough for the party driving the call.
type EventType string

const (
	EventPartialTranscript EventType = "transcript.partial"
	EventFinalTranscript   EventType = "transcript.final"
	EventReply             EventType = "agent.reply"
	EventAudio             EventType = "agent.audio"
	EventError             EventType = "session.error"
	EventUnhealthy         EventType = "session.unhealthy"
)

type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Audio       []byte    `json:"audio,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
