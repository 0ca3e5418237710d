package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/knowledge"
	"github.com/eleven-am/call-orchestrator/internal/llm"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"github.com/eleven-am/call-orchestrator/internal/synthesis"
	"github.com/eleven-am/call-orchestrator/internal/transcription"
)

type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateFinalizing   State = "finalizing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateError        State = "error"
)

const (
	DefaultFailureThreshold = 3
	DefaultTurnTimeout      = 30 * time.Second

	// Flat sidecar rates used for cost attribution.
	sttCostPerMinute   = 0.0043
	ttsCostPer1KChars  = 0.015
	turnQueueCapacity  = 16
	eventQueueCapacity = 64
)

// AgentProfile is the slice of agent configuration the pipeline needs per
// turn.
type AgentProfile struct {
	AgentID      string
	Instructions string
	Model        string
	Temperature  float32
	MaxTokens    int
	VoiceID      string
	Language     string
	HasKnowledge bool
}

type Config struct {
	SessionID   string
	Agent       AgentProfile
	Registry    *session.Registry
	Recognizer  transcription.Recognizer
	Generator   llm.Generator
	Synthesizer synthesis.Synthesizer
	Knowledge   knowledge.Provider
	STTOptions  transcription.StreamOptions

	FailureThreshold int
	TurnTimeout      time.Duration

	// OnUnhealthy fires when the consecutive failure streak reaches the
	// threshold. The session keeps running; the orchestrator decides what
	// to do with the signal.
	OnUnhealthy func(sessionID string, consecutive int)

	Log *slog.Logger
}

type turn struct {
	text            string
	confidence      float64
	audioDurationMs int64
}

// Pipeline drives one session's turn loop. All turns run on a single
// goroutine so replies can never interleave within a session; sessions are
// fully independent of one another.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stream transcription.Stream

	mu      sync.Mutex
	state   State
	stopped bool

	turns  chan turn
	events chan Event
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("pipeline requires a session id")
	}
	if cfg.Registry == nil || cfg.Generator == nil || cfg.Synthesizer == nil {
		return nil, fmt.Errorf("pipeline requires registry, generator and synthesizer")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		cfg:    cfg,
		log:    cfg.Log.With("component", "pipeline", "session_id", cfg.SessionID),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		turns:  make(chan turn, turnQueueCapacity),
		events: make(chan Event, eventQueueCapacity),
	}, nil
}

// Start opens the recognition stream and begins consuming turns.
func (p *Pipeline) Start() error {
	if p.cfg.Recognizer != nil {
		stream, err := p.cfg.Recognizer.OpenStream(p.ctx, p.cfg.STTOptions, transcription.Callbacks{
			OnReady: func() {
				p.setState(StateListening)
			},
			OnEvent: p.onTranscript,
			OnError: p.onRecognitionError,
		})
		if err != nil {
			return fmt.Errorf("open recognition stream: %w", err)
		}
		p.stream = stream
	}

	p.wg.Add(1)
	go p.runLoop()

	p.setState(StateListening)
	return nil
}

func (p *Pipeline) Events() <-chan Event {
	return p.events
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SendAudio forwards caller audio to the recognition stream. Audio is
// passed through unconditionally while the session lives; turn gating
// happens on transcript events, not on audio.
func (p *Pipeline) SendAudio(data []byte) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return fmt.Errorf("pipeline stopped")
	}
	if p.stream == nil {
		return fmt.Errorf("no recognition stream")
	}
	return p.stream.Send(data)
}

func (p *Pipeline) onTranscript(evt transcription.Event) {
	if !evt.IsFinal {
		if p.State() == StateListening || p.State() == StateIdle {
			p.setState(StateTranscribing)
		}
		p.emit(Event{
			Type:       EventPartialTranscript,
			Text:       evt.Text,
			Confidence: evt.Confidence,
		})
		return
	}

	if strings.TrimSpace(evt.Text) == "" {
		return
	}

	p.emit(Event{
		Type:       EventFinalTranscript,
		Text:       evt.Text,
		Confidence: evt.Confidence,
	})

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	select {
	case p.turns <- turn{text: evt.Text, confidence: evt.Confidence, audioDurationMs: evt.DurationMs}:
	case <-p.ctx.Done():
	default:
		p.log.Warn("turn queue full, transcript dropped", "text_len", len(evt.Text))
		p.emit(Event{
			Type:  EventError,
			Stage: "queue",
			Error: "turn queue full, utterance dropped",
		})
	}
}

func (p *Pipeline) onRecognitionError(err error) {
	p.log.Error("recognition stream error", "error", err)
	p.stageFailure("recognition", err)
}

func (p *Pipeline) runLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.turns:
			p.processTurn(t)
		}
	}
}

func (p *Pipeline) processTurn(t turn) {
	started := time.Now()

	p.setState(StateFinalizing)
	userTurn, err := p.cfg.Registry.AppendInteraction(p.cfg.SessionID, session.Interaction{
		Speaker:    session.SpeakerUser,
		Text:       t.text,
		Confidence: t.confidence,
	})
	if err != nil {
		p.log.Warn("user interaction rejected", "error", err)
		p.setState(StateIdle)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TurnTimeout)
	defer cancel()

	p.setState(StateGenerating)
	result, err := p.generate(ctx, t.text)
	if err != nil {
		p.stageFailure("generation", err)
		return
	}

	llmCost := llm.CostFor(result.Model, result.Usage)
	sttCost := float64(t.audioDurationMs) / 60000 * sttCostPerMinute

	_, err = p.cfg.Registry.AppendInteraction(p.cfg.SessionID, session.Interaction{
		Speaker:          session.SpeakerAgent,
		Text:             result.Text,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		Cost:             llmCost,
	})
	if err != nil {
		p.log.Warn("agent interaction rejected", "error", err)
		p.setState(StateIdle)
		return
	}

	p.emit(Event{Type: EventReply, Text: result.Text})

	p.setState(StateSynthesizing)
	audio, err := p.cfg.Synthesizer.Synthesize(ctx, synthesis.Request{
		Text:     result.Text,
		VoiceID:  p.cfg.Agent.VoiceID,
		Language: p.cfg.Agent.Language,
		Format:   "opus",
	})
	if err != nil {
		p.stageFailure("synthesis", err)
		return
	}

	ttsCost := float64(len(result.Text)) / 1000 * ttsCostPer1KChars

	p.emit(Event{
		Type:        EventAudio,
		Audio:       audio.Audio,
		ContentType: audio.ContentType,
	})

	p.cfg.Registry.RecordTurn(p.cfg.SessionID, time.Since(started).Milliseconds(), session.CostDelta{
		STT: sttCost,
		LLM: llmCost,
		TTS: ttsCost,
	})

	p.log.Info("turn completed",
		"turn", userTurn.TurnNumber,
		"processing_ms", time.Since(started).Milliseconds(),
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens)

	p.setState(StateIdle)
}

func (p *Pipeline) generate(ctx context.Context, query string) (*llm.Result, error) {
	system := p.cfg.Agent.Instructions

	if p.cfg.Agent.HasKnowledge && p.cfg.Knowledge != nil {
		kc, err := p.cfg.Knowledge.Context(ctx, p.cfg.Agent.AgentID, query)
		if err != nil {
			// Retrieval is an optimization; a miss degrades the answer,
			// not the turn.
			p.log.Warn("knowledge lookup failed", "error", err)
		} else if len(kc.Documents) > 0 {
			var b strings.Builder
			b.WriteString(system)
			b.WriteString("\n\nRelevant knowledge:\n")
			for _, doc := range kc.Documents {
				b.WriteString("- ")
				b.WriteString(doc.Content)
				b.WriteString("\n")
			}
			system = b.String()
		}
	}

	window := p.cfg.Registry.Window(p.cfg.SessionID)
	history := make([]llm.Message, 0, len(window))
	for _, in := range window {
		role := llm.RoleUser
		if in.Speaker == session.SpeakerAgent {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: in.Text})
	}

	return p.cfg.Generator.Generate(ctx, system, history, llm.ModelConfig{
		Model:       p.cfg.Agent.Model,
		Temperature: p.cfg.Agent.Temperature,
		MaxTokens:   p.cfg.Agent.MaxTokens,
	})
}

// stageFailure recovers a failed turn: count it, surface it, return to
// idle. The session itself stays up.
func (p *Pipeline) stageFailure(stage string, err error) {
	p.setState(StateError)

	streak := p.cfg.Registry.RecordStageError(p.cfg.SessionID)

	p.log.Error("stage failed",
		"stage", stage,
		"error", err,
		"consecutive_failures", streak)

	p.emit(Event{
		Type:  EventError,
		Stage: stage,
		Error: err.Error(),
	})

	if streak >= p.cfg.FailureThreshold {
		p.emit(Event{
			Type:  EventUnhealthy,
			Stage: stage,
			Error: fmt.Sprintf("%d consecutive stage failures", streak),
		})
		if p.cfg.OnUnhealthy != nil {
			p.cfg.OnUnhealthy(p.cfg.SessionID, streak)
		}
	}

	p.setState(StateIdle)
}

func (p *Pipeline) emit(evt Event) {
	evt.SessionID = p.cfg.SessionID
	evt.Timestamp = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	select {
	case p.events <- evt:
	default:
		// A stalled consumer must not stall the call.
		p.log.Warn("event dropped, outbound queue full", "type", evt.Type)
	}
}

// Stop closes the recognition stream, abandons any in-flight provider call
// and waits for the turn loop to exit. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			p.log.Error("close recognition stream", "error", err)
		}
	}

	p.cancel()
	p.wg.Wait()
	close(p.events)
}
