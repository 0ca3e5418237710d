package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/agent"
	"github.com/eleven-am/call-orchestrator/internal/knowledge"
	"github.com/eleven-am/call-orchestrator/internal/llm"
	"github.com/eleven-am/call-orchestrator/internal/pipeline"
	"github.com/eleven-am/call-orchestrator/internal/room"
	"github.com/eleven-am/call-orchestrator/internal/session"
	"github.com/eleven-am/call-orchestrator/internal/shared"
	"github.com/eleven-am/call-orchestrator/internal/synthesis"
	"github.com/eleven-am/call-orchestrator/internal/transcription"
	"github.com/eleven-am/call-orchestrator/internal/worker"
)

const (
	DefaultWatchdogInterval = 15 * time.Second

	// maxAssignAttempts bounds worker reselection when an assignment loses
	// the slot race to a concurrent deploy.
	maxAssignAttempts = 3
)

// Document is raw knowledge material attached at agent creation time.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type Config struct {
	Agents   *agent.Store
	Workers  *worker.Registry
	Sessions *session.Registry
	Archive  *session.ArchiveStore
	Rooms    room.Provider

	Recognizer  transcription.Recognizer
	Generator   llm.Generator
	Synthesizer synthesis.Synthesizer
	Knowledge   knowledge.Provider
	Ingestor    *knowledge.Ingestor

	Bus *Bus
	Log *slog.Logger

	FailureThreshold int
	TurnTimeout      time.Duration
	WatchdogInterval time.Duration
}

// Orchestrator is the facade over the registries and the per-session
// pipelines. It owns the deploy and stop lifecycles end to end.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
	lostFlags map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Workers == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("orchestrator requires worker and session registries")
	}
	if cfg.Generator == nil || cfg.Synthesizer == nil {
		return nil, fmt.Errorf("orchestrator requires a generator and a synthesizer")
	}
	if cfg.Rooms == nil {
		return nil, fmt.Errorf("orchestrator requires a room provider")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus(nil, cfg.Log)
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		log:       cfg.Log.With("component", "orchestrator"),
		pipelines: make(map[string]*pipeline.Pipeline),
		lostFlags: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the worker-loss watchdog. Deploys work without it; the
// watchdog only adds offline-worker detection for running sessions.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.watchdogLoop()
}

// CreateAgent persists the configuration and kicks off knowledge ingestion
// in the background. The call returns as soon as the agent row exists;
// ingestion completion is never awaited.
func (o *Orchestrator) CreateAgent(ctx context.Context, a *agent.Agent, docs []Document) (string, error) {
	if o.cfg.Agents == nil {
		return "", fmt.Errorf("agent store not configured")
	}

	if len(docs) > 0 {
		a.HasKnowledge = true
		for _, d := range docs {
			a.KnowledgeFiles = append(a.KnowledgeFiles, d.ID)
		}
	}

	if err := o.cfg.Agents.Create(ctx, a); err != nil {
		return "", err
	}

	if len(docs) > 0 && o.cfg.Ingestor != nil {
		go o.ingestDocuments(a.ID, docs)
	}

	o.log.Info("agent created", "agent_id", a.ID, "tenant_id", a.TenantID, "documents", len(docs))
	return a.ID, nil
}

func (o *Orchestrator) ingestDocuments(agentID string, docs []Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, d := range docs {
		if _, err := o.cfg.Ingestor.IngestDocument(ctx, agentID, d.ID, d.Content); err != nil {
			o.log.Error("knowledge ingestion failed",
				"agent_id", agentID,
				"document_id", d.ID,
				"error", err)
		}
	}
}

// DeployToRoom binds an agent to a room: pick a worker, ensure the room,
// create the session, assign the worker, and start the turn pipeline.
func (o *Orchestrator) DeployToRoom(ctx context.Context, agentID, roomName string) (session.Session, error) {
	var zero session.Session

	if o.cfg.Agents == nil {
		return zero, fmt.Errorf("agent store not configured")
	}
	a, err := o.cfg.Agents.GetByID(ctx, agentID)
	if err != nil {
		return zero, err
	}

	w, err := o.cfg.Workers.SelectWorker(a.TenantID)
	if err != nil {
		return zero, err
	}

	if roomName == "" {
		roomName = room.GenerateRoomName()
	}
	handle, err := o.cfg.Rooms.EnsureRoom(ctx, roomName, map[string]string{
		"agent_id":  a.ID,
		"tenant_id": a.TenantID,
	})
	if err != nil {
		return zero, fmt.Errorf("ensure room %q: %w", roomName, err)
	}

	// Selection does not reserve the slot, so a concurrent deploy can fill
	// the chosen worker first. Assign rejects the oversubscription; pick
	// another worker and try again.
	var sess session.Session
	for attempt := 0; ; attempt++ {
		sess = o.cfg.Sessions.Create(a.ID, a.TenantID, handle.Name, w.ID)
		err := o.cfg.Workers.Assign(w.ID, sess.ID)
		if err == nil {
			break
		}
		o.cfg.Sessions.Remove(sess.ID)
		if !errors.Is(err, shared.ErrNoCapacity) || attempt >= maxAssignAttempts-1 {
			return zero, fmt.Errorf("assign worker %s: %w", w.ID, err)
		}
		o.log.Debug("lost worker slot race, reselecting",
			"worker_id", w.ID, "attempt", attempt+1)
		if w, err = o.cfg.Workers.SelectWorker(a.TenantID); err != nil {
			return zero, err
		}
	}

	p, err := pipeline.New(pipeline.Config{
		SessionID: sess.ID,
		Agent: pipeline.AgentProfile{
			AgentID:      a.ID,
			Instructions: a.Instructions,
			Model:        a.Model,
			Temperature:  float32(a.Temperature),
			MaxTokens:    a.MaxTokens,
			VoiceID:      a.VoiceID,
			Language:     a.Language,
			HasKnowledge: a.HasKnowledge,
		},
		Registry:    o.cfg.Sessions,
		Recognizer:  o.cfg.Recognizer,
		Generator:   o.cfg.Generator,
		Synthesizer: o.cfg.Synthesizer,
		Knowledge:   o.cfg.Knowledge,
		STTOptions: transcription.StreamOptions{
			Language: a.Language,
			Partials: true,
		},
		FailureThreshold: o.cfg.FailureThreshold,
		TurnTimeout:      o.cfg.TurnTimeout,
		OnUnhealthy:      o.onUnhealthy,
		Log:              o.cfg.Log,
	})
	if err == nil {
		err = p.Start()
	}
	if err != nil {
		o.cfg.Workers.Release(w.ID)
		o.cfg.Sessions.Remove(sess.ID)
		return zero, fmt.Errorf("start pipeline: %w", err)
	}

	o.mu.Lock()
	o.pipelines[sess.ID] = p
	o.mu.Unlock()

	o.wg.Add(1)
	go o.forwardEvents(sess, p)

	if err := o.cfg.Agents.IncrementSessions(ctx, a.ID); err != nil {
		o.log.Warn("failed to bump agent session counter", "agent_id", a.ID, "error", err)
	}

	o.log.Info("session deployed",
		"session_id", sess.ID,
		"agent_id", a.ID,
		"room", handle.Name,
		"worker_id", w.ID)
	o.cfg.Bus.Publish(ctx, BusEvent{
		Type:      EventDeployed,
		SessionID: sess.ID,
		TenantID:  a.TenantID,
		AgentID:   a.ID,
		WorkerID:  w.ID,
		RoomName:  handle.Name,
	})
	return sess, nil
}

// forwardEvents republishes a pipeline's outbound events onto the bus
// until the pipeline closes its channel on stop.
func (o *Orchestrator) forwardEvents(sess session.Session, p *pipeline.Pipeline) {
	defer o.wg.Done()

	for evt := range p.Events() {
		switch evt.Type {
		case pipeline.EventError:
			o.cfg.Bus.Publish(o.ctx, BusEvent{
				Type:      EventError,
				SessionID: sess.ID,
				TenantID:  sess.TenantID,
				AgentID:   sess.AgentID,
				Error:     evt.Error,
			})
		case pipeline.EventUnhealthy:
			o.cfg.Bus.Publish(o.ctx, BusEvent{
				Type:      EventUnhealthy,
				SessionID: sess.ID,
				TenantID:  sess.TenantID,
				AgentID:   sess.AgentID,
				Error:     evt.Error,
			})
		}
	}
}

func (o *Orchestrator) onUnhealthy(sessionID string, consecutive int) {
	o.log.Warn("session flagged unhealthy", "session_id", sessionID, "consecutive_errors", consecutive)
}

// StopSession tears a session down in dependency order: stop the pipeline,
// snapshot and close the live record, free the worker, archive, and only
// then drop the session from the registry.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string, status session.Status) error {
	o.mu.Lock()
	p, ok := o.pipelines[sessionID]
	delete(o.pipelines, sessionID)
	delete(o.lostFlags, sessionID)
	o.mu.Unlock()

	if ok {
		p.Stop()
	}

	snap, err := o.cfg.Sessions.Stop(sessionID, status)
	if err != nil {
		return err
	}

	if snap.Session.WorkerID != "" {
		if err := o.cfg.Workers.Release(snap.Session.WorkerID); err != nil {
			o.log.Warn("failed to release worker",
				"worker_id", snap.Session.WorkerID,
				"session_id", sessionID,
				"error", err)
		}
	}

	if o.cfg.Archive != nil {
		if err := o.cfg.Archive.Archive(ctx, snap); err != nil {
			o.log.Error("failed to archive session", "session_id", sessionID, "error", err)
		}
	}

	o.cfg.Sessions.Remove(sessionID)

	o.log.Info("session stopped",
		"session_id", sessionID,
		"status", status,
		"duration_ms", snap.Metrics.DurationMs,
		"interactions", snap.Metrics.InteractionCount)
	o.cfg.Bus.Publish(ctx, BusEvent{
		Type:      EventStopped,
		SessionID: sessionID,
		TenantID:  snap.Session.TenantID,
		AgentID:   snap.Session.AgentID,
		WorkerID:  snap.Session.WorkerID,
	})
	return nil
}

// Pipeline exposes a live session's pipeline so the transport layer can
// feed audio and stream events.
func (o *Orchestrator) Pipeline(sessionID string) (*pipeline.Pipeline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[sessionID]
	return p, ok
}

func (o *Orchestrator) ActiveSessions(tenantID string) []session.Session {
	return o.cfg.Sessions.ListActive(tenantID)
}

func (o *Orchestrator) SessionMetrics(sessionID string) (session.Metrics, bool) {
	return o.cfg.Sessions.Metrics(sessionID)
}

func (o *Orchestrator) WorkerStats() worker.Stats {
	return o.cfg.Workers.Stats()
}

// watchdogLoop flags sessions whose worker has gone offline. Flagged
// sessions keep running; the decision to end the call belongs to the
// caller, not the watchdog.
func (o *Orchestrator) watchdogLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.checkWorkers()
		}
	}
}

func (o *Orchestrator) checkWorkers() {
	for _, sess := range o.cfg.Sessions.ListActive("") {
		w, ok := o.cfg.Workers.Get(sess.WorkerID)
		if ok && w.Status != worker.StatusOffline {
			continue
		}

		o.mu.Lock()
		flagged := o.lostFlags[sess.ID]
		if !flagged {
			o.lostFlags[sess.ID] = true
		}
		o.mu.Unlock()
		if flagged {
			continue
		}

		o.log.Warn("worker lost for active session",
			"session_id", sess.ID,
			"worker_id", sess.WorkerID)
		o.cfg.Bus.Publish(o.ctx, BusEvent{
			Type:      EventWorkerLost,
			SessionID: sess.ID,
			TenantID:  sess.TenantID,
			AgentID:   sess.AgentID,
			WorkerID:  sess.WorkerID,
		})
	}
}

// Shutdown stops every live session with a best-effort archive pass and
// waits for the background loops to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.pipelines))
	for id := range o.pipelines {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.StopSession(ctx, id, session.StatusStopped); err != nil {
			o.log.Warn("failed to stop session during shutdown", "session_id", id, "error", err)
		}
	}

	o.cancel()
	o.wg.Wait()
	o.log.Info("orchestrator shut down", "stopped_sessions", len(ids))
}
