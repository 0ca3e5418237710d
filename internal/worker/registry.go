package worker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

const (
	DefaultSweepInterval    = 10 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
)

type entry struct {
	mu     sync.Mutex
	worker Worker
}

// Registry tracks the processing fleet. The outer lock only guards the map
// itself; each worker has its own lock so heartbeats, assignments and the
// liveness sweep never serialize unrelated workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry

	heartbeatTimeout time.Duration
	now              func() time.Time
	log              *slog.Logger

	sweepStop    chan struct{}
	sweepDone    chan struct{}
	sweepStarted bool
	sweepOnce    sync.Once
}

type RegistryConfig struct {
	HeartbeatTimeout time.Duration
	Now              func() time.Time
	Log              *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Registry{
		workers:          make(map[string]*entry),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		now:              cfg.Now,
		log:              cfg.Log.With("component", "worker_registry"),
		sweepStop:        make(chan struct{}),
		sweepDone:        make(chan struct{}),
	}
}

func (r *Registry) getOrCreate(workerID string) *entry {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.workers[workerID]; ok {
		return e
	}
	e = &entry{worker: Worker{ID: workerID}}
	r.workers[workerID] = e
	return e
}

// RecordHeartbeat upserts a worker entry and refreshes its liveness stamp.
// Status is derived from load vs capacity unless the worker reports itself
// offline (draining).
func (r *Registry) RecordHeartbeat(hb Heartbeat) {
	e := r.getOrCreate(hb.WorkerID)

	e.mu.Lock()
	defer e.mu.Unlock()

	w := &e.worker
	firstSeen := w.LastHeartbeat.IsZero()

	w.CurrentLoad = hb.Load
	w.MaxCapacity = hb.MaxCapacity
	w.Capabilities = shared.StringSlice(hb.Capabilities)
	w.Region = hb.Region
	w.LastHeartbeat = r.now()

	if hb.Status == StatusOffline {
		w.Status = StatusOffline
	} else {
		w.Status = deriveStatus(w.CurrentLoad, w.MaxCapacity)
	}

	if firstSeen {
		r.log.Info("worker joined fleet",
			"worker_id", hb.WorkerID,
			"max_capacity", hb.MaxCapacity,
			"region", hb.Region)
	}
}

func deriveStatus(load, capacity int) Status {
	if capacity > 0 && load >= capacity {
		return StatusBusy
	}
	return StatusAvailable
}

// SelectWorker returns the eligible worker with the lowest current load,
// ties broken by worker id. The tenant id is carried for future placement
// policies (region pinning); selection today is tenant-agnostic.
func (r *Registry) SelectWorker(tenantID string) (Worker, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	cutoff := r.now().Add(-r.heartbeatTimeout)

	var best Worker
	found := false
	for _, e := range entries {
		e.mu.Lock()
		w := e.worker
		e.mu.Unlock()

		if w.Status != StatusAvailable || w.CurrentLoad >= w.MaxCapacity {
			continue
		}
		if w.LastHeartbeat.Before(cutoff) {
			continue
		}
		if !found || w.CurrentLoad < best.CurrentLoad ||
			(w.CurrentLoad == best.CurrentLoad && w.ID < best.ID) {
			best = w
			found = true
		}
	}

	if !found {
		return Worker{}, shared.ErrNoCapacity
	}
	return best, nil
}

// Assign takes one capacity slot on the worker for the given session. A
// full worker rejects the assignment so load can never exceed capacity,
// even when two callers selected the same worker concurrently.
func (r *Registry) Assign(workerID, sessionID string) error {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return shared.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := &e.worker
	if w.CurrentLoad >= w.MaxCapacity {
		return shared.ErrNoCapacity
	}
	w.CurrentLoad++
	if w.Status != StatusOffline {
		w.Status = deriveStatus(w.CurrentLoad, w.MaxCapacity)
	}

	r.log.Debug("assigned session to worker",
		"worker_id", workerID,
		"session_id", sessionID,
		"load", w.CurrentLoad,
		"max_capacity", w.MaxCapacity)
	return nil
}

// Release returns a capacity slot. Load is floored at zero so a duplicate
// release cannot corrupt the accounting.
func (r *Registry) Release(workerID string) error {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return shared.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := &e.worker
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	if w.Status != StatusOffline {
		w.Status = deriveStatus(w.CurrentLoad, w.MaxCapacity)
	}

	r.log.Debug("released worker slot",
		"worker_id", workerID,
		"load", w.CurrentLoad)
	return nil
}

func (r *Registry) Get(workerID string) (Worker, bool) {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return Worker{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.worker, true
}

func (r *Registry) List() []Worker {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	workers := make([]Worker, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		workers = append(workers, e.worker)
		e.mu.Unlock()
	}
	return workers
}

// Sweep marks every worker whose heartbeat is older than the timeout as
// offline. Pure in-memory scan; callers drive the interval.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.heartbeatTimeout)
	marked := 0

	for _, w := range r.snapshotEntries() {
		w.mu.Lock()
		if w.worker.Status != StatusOffline && w.worker.LastHeartbeat.Before(cutoff) {
			w.worker.Status = StatusOffline
			marked++
			r.log.Warn("worker heartbeat timed out",
				"worker_id", w.worker.ID,
				"last_heartbeat", w.worker.LastHeartbeat,
				"load", w.worker.CurrentLoad)
		}
		w.mu.Unlock()
	}
	return marked
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	return entries
}

// StartSweep runs the liveness sweep on a fixed interval until Close.
func (r *Registry) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	r.sweepStarted = true

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

func (r *Registry) Close() {
	r.sweepOnce.Do(func() {
		close(r.sweepStop)
		if r.sweepStarted {
			<-r.sweepDone
		}
	})
}

func (r *Registry) Stats() Stats {
	workers := r.List()

	stats := Stats{
		TotalWorkers: len(workers),
		PerRegion:    make(map[string]int),
	}

	online := 0
	for _, w := range workers {
		switch w.Status {
		case StatusAvailable:
			stats.Available++
		case StatusBusy:
			stats.Busy++
		case StatusOffline:
			stats.Offline++
		}
		if w.Status != StatusOffline {
			stats.TotalSessions += w.CurrentLoad
			online++
		}
		if w.Region != "" {
			stats.PerRegion[w.Region]++
		}
	}

	if online > 0 {
		stats.AverageLoad = float64(stats.TotalSessions) / float64(online)
	}
	return stats
}
