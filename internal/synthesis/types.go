package synthesis

import (
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

type Config struct {
	Address string
	Token   string
	Backoff shared.BackoffConfig
	Timeout time.Duration
}

type Request struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float32
	Format   string
}

type Result struct {
	Audio       []byte
	DurationMs  int64
	ContentType string
}
