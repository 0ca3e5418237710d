package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/knowledge"
	"github.com/eleven-am/call-orchestrator/internal/llm"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"github.com/eleven-am/call-orchestrator/internal/synthesis"
	"github.com/eleven-am/call-orchestrator/internal/transcription"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (s *fakeStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent = append(s.sent, audio)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeRecognizer struct {
	stream *fakeStream
	cb     transcription.Callbacks
}

func (r *fakeRecognizer) OpenStream(ctx context.Context, opts transcription.StreamOptions, cb transcription.Callbacks) (transcription.Stream, error) {
	r.stream = &fakeStream{}
	r.cb = cb
	return r.stream, nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	calls     int
	inFlight  int32
	maxActive int32
	systems   []string
	fail      func(call int) error
}

func (g *fakeGenerator) Generate(ctx context.Context, system string, history []llm.Message, cfg llm.ModelConfig) (*llm.Result, error) {
	active := atomic.AddInt32(&g.inFlight, 1)
	defer atomic.AddInt32(&g.inFlight, -1)
	for {
		max := atomic.LoadInt32(&g.maxActive)
		if active <= max || atomic.CompareAndSwapInt32(&g.maxActive, max, active) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	g.mu.Lock()
	g.calls++
	call := g.calls
	g.systems = append(g.systems, system)
	fail := g.fail
	g.mu.Unlock()

	if fail != nil {
		if err := fail(call); err != nil {
			return nil, err
		}
	}

	last := ""
	if len(history) > 0 {
		last = history[len(history)-1].Content
	}
	return &llm.Result{
		Text:  "reply to: " + last,
		Model: "gpt-4o-mini",
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &synthesis.Result{
		Audio:       []byte{1, 2, 3},
		DurationMs:  800,
		ContentType: "audio/opus",
	}, nil
}

type fakeKnowledge struct {
	mu      sync.Mutex
	queries []string
}

func (k *fakeKnowledge) Context(ctx context.Context, agentID, query string) (*knowledge.Context, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queries = append(k.queries, query)
	return &knowledge.Context{
		Query: query,
		Documents: []knowledge.Document{
			{DocumentID: "doc1", Content: "refunds take 5 days", RelevanceScore: 0.9},
		},
		TotalDocuments: 1,
	}, nil
}

type harness struct {
	registry   *session.Registry
	sess       session.Session
	recognizer *fakeRecognizer
	generator  *fakeGenerator
	synth      *fakeSynthesizer
	pipeline   *Pipeline
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	registry := session.NewRegistry(session.RegistryConfig{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sess := registry.Create("agent1", "tenant1", "room1", "w1")

	recognizer := &fakeRecognizer{}
	generator := &fakeGenerator{}
	synth := &fakeSynthesizer{}

	cfg := Config{
		SessionID:   sess.ID,
		Agent:       AgentProfile{AgentID: "agent1", Instructions: "be brief", Model: "gpt-4o-mini", VoiceID: "nova"},
		Registry:    registry,
		Recognizer:  recognizer,
		Generator:   generator,
		Synthesizer: synth,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	t.Cleanup(p.Stop)

	return &harness{
		registry:   registry,
		sess:       sess,
		recognizer: recognizer,
		generator:  generator,
		synth:      synth,
		pipeline:   p,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func drainEvents(p *Pipeline) []Event {
	var events []Event
	for {
		select {
		case evt := <-p.Events():
			events = append(events, evt)
		default:
			return events
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestPipeline_PartialThenFinal(t *testing.T) {
	h := newHarness(t, nil)

	h.recognizer.cb.OnEvent(transcription.Event{Text: "hel", IsFinal: false})
	h.recognizer.cb.OnEvent(transcription.Event{Text: "hello there", IsFinal: true, Confidence: 0.92})

	waitFor(t, "turn to complete", func() bool {
		m, _ := h.registry.Metrics(h.sess.ID)
		return m.InteractionCount == 1
	})

	window := h.registry.Window(h.sess.ID)
	if len(window) != 2 {
		t.Fatalf("expected user + agent interactions, got %d", len(window))
	}
	if window[0].Speaker != session.SpeakerUser || window[0].Text != "hello there" {
		t.Errorf("user interaction wrong: %+v", window[0])
	}
	if window[0].Confidence != 0.92 {
		t.Errorf("confidence not carried: %f", window[0].Confidence)
	}
	if window[1].Speaker != session.SpeakerAgent {
		t.Errorf("second interaction should be the agent reply: %+v", window[1])
	}

	events := drainEvents(h.pipeline)
	if !hasEvent(events, EventPartialTranscript) {
		t.Error("partial transcript should be surfaced for captioning")
	}
	if !hasEvent(events, EventAudio) {
		t.Error("synthesized audio should be emitted")
	}
}

func TestPipeline_EmptyFinalIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.recognizer.cb.OnEvent(transcription.Event{Text: "   ", IsFinal: true})

	time.Sleep(50 * time.Millisecond)
	if got := len(h.registry.Window(h.sess.ID)); got != 0 {
		t.Errorf("empty final transcript must not create a turn, got %d interactions", got)
	}
	if h.generator.callCount() != 0 {
		t.Error("generator should not be called for empty transcript")
	}
}

func TestPipeline_GenerationFailureRecovers(t *testing.T) {
	gen := &fakeGenerator{fail: func(call int) error {
		if call == 1 {
			return errors.New("model unavailable")
		}
		return nil
	}}

	h := newHarness(t, func(cfg *Config) {
		cfg.Generator = gen
	})

	h.recognizer.cb.OnEvent(transcription.Event{Text: "first", IsFinal: true})
	waitFor(t, "failed turn to settle", func() bool {
		m, _ := h.registry.Metrics(h.sess.ID)
		return m.ErrorCount == 1
	})

	sess, _ := h.registry.Get(h.sess.ID)
	if sess.Status != session.StatusActive {
		t.Errorf("session must stay active after stage failure, got %s", sess.Status)
	}

	window := h.registry.Window(h.sess.ID)
	if len(window) != 1 {
		t.Fatalf("failed turn should leave only the user interaction, got %d", len(window))
	}

	events := drainEvents(h.pipeline)
	if !hasEvent(events, EventError) {
		t.Error("stage failure must surface on the outbound channel")
	}

	// Next turn proceeds normally.
	h.recognizer.cb.OnEvent(transcription.Event{Text: "second", IsFinal: true})
	waitFor(t, "second turn to complete", func() bool {
		m, _ := h.registry.Metrics(h.sess.ID)
		return m.InteractionCount == 1
	})

	window = h.registry.Window(h.sess.ID)
	last := window[len(window)-1]
	if last.Speaker != session.SpeakerAgent || last.Text != "reply to: second" {
		t.Errorf("second turn should complete: %+v", last)
	}
}

func TestPipeline_SynthesisFailureCounts(t *testing.T) {
	h := newHarness(t, nil)
	h.synth.err = errors.New("tts down")

	h.recognizer.cb.OnEvent(transcription.Event{Text: "hello", IsFinal: true})

	waitFor(t, "synthesis failure", func() bool {
		m, _ := h.registry.Metrics(h.sess.ID)
		return m.ErrorCount == 1
	})

	events := drainEvents(h.pipeline)
	if hasEvent(events, EventAudio) {
		t.Error("no audio should be emitted when synthesis fails")
	}
	if !hasEvent(events, EventError) {
		t.Error("synthesis failure must surface as an error event")
	}
	if !hasEvent(events, EventReply) {
		t.Error("the text reply should still have been emitted")
	}
}

func TestPipeline_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	var unhealthyCalls int32
	gen := &fakeGenerator{fail: func(call int) error {
		return errors.New("always failing")
	}}

	h := newHarness(t, func(cfg *Config) {
		cfg.Generator = gen
		cfg.FailureThreshold = 3
		cfg.OnUnhealthy = func(sessionID string, consecutive int) {
			atomic.AddInt32(&unhealthyCalls, 1)
		}
	})

	for i := 0; i < 3; i++ {
		h.recognizer.cb.OnEvent(transcription.Event{Text: "hi", IsFinal: true})
		want := i + 1
		waitFor(t, "failure to register", func() bool {
			m, _ := h.registry.Metrics(h.sess.ID)
			return m.ErrorCount == want
		})
	}

	waitFor(t, "unhealthy callback", func() bool {
		return atomic.LoadInt32(&unhealthyCalls) == 1
	})

	events := drainEvents(h.pipeline)
	if !hasEvent(events, EventUnhealthy) {
		t.Error("unhealthy event should be emitted at the threshold")
	}

	sess, _ := h.registry.Get(h.sess.ID)
	if sess.Status != session.StatusActive {
		t.Errorf("unhealthy sessions stay active, got %s", sess.Status)
	}
}

func TestPipeline_TurnsAreSequential(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		h.recognizer.cb.OnEvent(transcription.Event{Text: "turn", IsFinal: true})
	}

	waitFor(t, "all turns to complete", func() bool {
		m, _ := h.registry.Metrics(h.sess.ID)
		return m.InteractionCount == 5
	})

	if max := atomic.LoadInt32(&h.generator.maxActive); max != 1 {
		t.Errorf("turns within a session must not interleave, saw %d concurrent generations", max)
	}

	window := h.registry.Window(h.sess.ID)
	for i := 1; i < len(window); i++ {
		if window[i].TurnNumber != window[i-1].TurnNumber+1 {
			t.Fatal("turn numbers must be gapless across sequential turns")
		}
	}
}

func TestPipeline_KnowledgeAugmentsPrompt(t *testing.T) {
	kb := &fakeKnowledge{}
	h := newHarness(t, func(cfg *Config) {
		cfg.Agent.HasKnowledge = true
		cfg.Knowledge = kb
	})

	h.recognizer.cb.OnEvent(transcription.Event{Text: "how long do refunds take", IsFinal: true})

	waitFor(t, "turn to complete", func() bool {
		m, _ := h.registry.Metrics(h.sess.ID)
		return m.InteractionCount == 1
	})

	kb.mu.Lock()
	queries := len(kb.queries)
	kb.mu.Unlock()
	if queries != 1 {
		t.Fatalf("knowledge provider should be consulted once, got %d", queries)
	}

	h.generator.mu.Lock()
	system := h.generator.systems[0]
	h.generator.mu.Unlock()
	if !strings.Contains(system, "refunds take 5 days") {
		t.Errorf("retrieved knowledge should be folded into the system prompt, got %q", system)
	}
	if !strings.Contains(system, "be brief") {
		t.Errorf("agent instructions must be preserved, got %q", system)
	}
}

func TestPipeline_AudioForwarding(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.pipeline.SendAudio([]byte{9, 9}); err != nil {
		t.Fatalf("send audio failed: %v", err)
	}

	h.recognizer.stream.mu.Lock()
	sent := len(h.recognizer.stream.sent)
	h.recognizer.stream.mu.Unlock()
	if sent != 1 {
		t.Errorf("audio should be forwarded to the recognition stream, got %d frames", sent)
	}
}

func TestPipeline_StopClosesStream(t *testing.T) {
	h := newHarness(t, nil)

	h.pipeline.Stop()

	h.recognizer.stream.mu.Lock()
	closed := h.recognizer.stream.closed
	h.recognizer.stream.mu.Unlock()
	if !closed {
		t.Error("stop must close the recognition stream")
	}

	if err := h.pipeline.SendAudio([]byte{1}); err == nil {
		t.Error("send after stop should fail")
	}

	// Stop is idempotent.
	h.pipeline.Stop()
}
