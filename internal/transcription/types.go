package transcription

import (
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

// Event is one recognition result. Non-final events are revisable partials
// surfaced for live captioning only.
type Event struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

type Callbacks struct {
	OnReady func()
	OnEvent func(Event)
	OnError func(error)
}

type Config struct {
	Address string
	Token   string
	Backoff shared.BackoffConfig
	Timeout time.Duration
}

type StreamOptions struct {
	Language   string
	ModelID    string
	SampleRate int
	Partials   bool
}
