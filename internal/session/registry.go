package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

// DefaultWindowSize bounds the conversation slice handed to the language
// model. Oldest turns fall off first.
const DefaultWindowSize = 20

type entry struct {
	mu           sync.Mutex
	session      Session
	interactions []Interaction
	metrics      Metrics
	nextTurn     int
}

// Registry owns the authoritative state of every live session. The outer
// lock guards only the map; each session carries its own lock so concurrent
// pipelines never contend with each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	windowSize int
	now        func() time.Time
	log        *slog.Logger
}

type RegistryConfig struct {
	WindowSize int
	Now        func() time.Time
	Log        *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Registry{
		sessions:   make(map[string]*entry),
		windowSize: cfg.WindowSize,
		now:        cfg.Now,
		log:        cfg.Log.With("component", "session_registry"),
	}
}

func (r *Registry) Create(agentID, tenantID, roomName, workerID string) Session {
	sess := Session{
		ID:        shared.NewID("sess_"),
		AgentID:   agentID,
		TenantID:  tenantID,
		RoomName:  roomName,
		WorkerID:  workerID,
		Status:    StatusActive,
		StartedAt: r.now(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = &entry{session: sess, nextTurn: 1}
	r.mu.Unlock()

	r.log.Info("session created",
		"session_id", sess.ID,
		"agent_id", agentID,
		"tenant_id", tenantID,
		"room", roomName,
		"worker_id", workerID)
	return sess
}

func (r *Registry) lookup(sessionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return e, ok
}

func (r *Registry) Get(sessionID string) (Session, bool) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return Session{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// ListActive returns live sessions, optionally scoped to one tenant.
func (r *Registry) ListActive(tenantID string) []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()

		if s.Status != StatusActive {
			continue
		}
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// AppendInteraction assigns the turn number and timestamp and appends. The
// append is rejected once the session has left the active state.
func (r *Registry) AppendInteraction(sessionID string, in Interaction) (Interaction, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return Interaction{}, shared.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != StatusActive {
		return Interaction{}, shared.ErrSessionNotActive
	}

	in.ID = shared.NewID("turn_")
	in.SessionID = sessionID
	in.TurnNumber = e.nextTurn
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now()
	}
	e.nextTurn++
	e.interactions = append(e.interactions, in)

	return in, nil
}

// Window returns the most recent interactions in chronological order, capped
// at the configured window size.
func (r *Registry) Window(sessionID string) []Interaction {
	e, ok := r.lookup(sessionID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.interactions)
	start := 0
	if n > r.windowSize {
		start = n - r.windowSize
	}

	window := make([]Interaction, n-start)
	copy(window, e.interactions[start:])
	return window
}

// RecordTurn folds one completed turn into the session metrics and resets
// the consecutive failure streak.
func (r *Registry) RecordTurn(sessionID string, responseTimeMs int64, cost CostDelta) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := &e.metrics
	m.InteractionCount++
	m.STTCost += cost.STT
	m.LLMCost += cost.LLM
	m.TTSCost += cost.TTS
	m.TotalCost += cost.Total()
	m.ConsecutiveErrors = 0

	if responseTimeMs > 0 {
		m.totalResponseTimeMs += responseTimeMs
		m.timedTurns++
		m.AverageResponseTimeMs = m.totalResponseTimeMs / m.timedTurns
	}
}

// RecordStageError increments the error counters and returns the current
// consecutive failure streak so the caller can judge session health.
func (r *Registry) RecordStageError(sessionID string) int {
	e, ok := r.lookup(sessionID)
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.ErrorCount++
	e.metrics.ConsecutiveErrors++
	return e.metrics.ConsecutiveErrors
}

func (r *Registry) Metrics(sessionID string) (Metrics, bool) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return Metrics{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics, true
}

// Stop transitions the session out of active, stamps endedAt exactly once
// and returns the final snapshot for archival. A second Stop on the same id
// reports not-found; the entry stays in the table until Remove so capacity
// accounting can settle first.
func (r *Registry) Stop(sessionID string, status Status) (*Snapshot, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return nil, shared.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status != StatusActive {
		return nil, shared.ErrNotFound
	}
	if status != StatusStopped && status != StatusError {
		status = StatusStopped
	}

	ended := r.now()
	e.session.Status = status
	e.session.EndedAt = &ended
	e.metrics.DurationMs = ended.Sub(e.session.StartedAt).Milliseconds()

	interactions := make([]Interaction, len(e.interactions))
	copy(interactions, e.interactions)

	r.log.Info("session stopped",
		"session_id", sessionID,
		"status", status,
		"turns", len(interactions),
		"duration_ms", e.metrics.DurationMs)

	return &Snapshot{
		Session:      e.session,
		Interactions: interactions,
		Metrics:      e.metrics,
	}, nil
}

// Remove drops the session from the live table. Called after the worker
// slot is released and the snapshot archived.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
