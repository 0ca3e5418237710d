package worker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/call-orchestrator/internal/shared"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(RegistryConfig{
		Now: clock.Now,
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRecordHeartbeat_CreatesWorker(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 4, Region: "us-east"})

	w, ok := reg.Get("w1")
	if !ok {
		t.Fatal("worker w1 should exist after heartbeat")
	}
	if w.Status != StatusAvailable {
		t.Errorf("expected available, got %s", w.Status)
	}
	if w.MaxCapacity != 4 {
		t.Errorf("expected capacity 4, got %d", w.MaxCapacity)
	}
	if !w.LastHeartbeat.Equal(clock.Now()) {
		t.Error("heartbeat timestamp should be refreshed")
	}
}

func TestRecordHeartbeat_FullLoadIsBusy(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 2, MaxCapacity: 2})

	w, _ := reg.Get("w1")
	if w.Status != StatusBusy {
		t.Errorf("worker at capacity should be busy, got %s", w.Status)
	}
}

func TestSelectWorker_PicksMinimumLoad(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 3, MaxCapacity: 5})
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w2", Load: 1, MaxCapacity: 5})
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w3", Load: 2, MaxCapacity: 5})

	w, err := reg.SelectWorker("tenant1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.ID != "w2" {
		t.Errorf("expected w2 (lowest load), got %s", w.ID)
	}
}

func TestSelectWorker_TieBrokenByID(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w9", Load: 1, MaxCapacity: 5})
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w2", Load: 1, MaxCapacity: 5})

	w, err := reg.SelectWorker("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.ID != "w2" {
		t.Errorf("tie should resolve to smallest id, got %s", w.ID)
	}
}

func TestSelectWorker_NoCapacity(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 2, MaxCapacity: 2})

	if _, err := reg.SelectWorker(""); err == nil {
		t.Error("expected no-capacity error when all workers full")
	}
}

func TestSelectWorker_EmptyRegistry(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	if _, err := reg.SelectWorker(""); err == nil {
		t.Error("expected no-capacity error on empty registry")
	}
}

func TestSelectWorker_ExcludesStaleHeartbeat(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 4})
	clock.Advance(31 * time.Second)

	if _, err := reg.SelectWorker(""); err == nil {
		t.Error("worker without a recent heartbeat should not be selectable")
	}
}

func TestAssignRelease_RoundTrip(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 1, MaxCapacity: 3})
	before, _ := reg.Get("w1")

	if err := reg.Assign("w1", "sess1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := reg.Release("w1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	after, _ := reg.Get("w1")
	if after.CurrentLoad != before.CurrentLoad {
		t.Errorf("load not restored: before=%d after=%d", before.CurrentLoad, after.CurrentLoad)
	}
	if after.Status != before.Status {
		t.Errorf("status not restored: before=%s after=%s", before.Status, after.Status)
	}
}

func TestAssign_FlipsToBusyAtCapacity(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 1})
	if err := reg.Assign("w1", "sess1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	w, _ := reg.Get("w1")
	if w.Status != StatusBusy {
		t.Errorf("expected busy at capacity, got %s", w.Status)
	}
}

func TestAssign_RejectsWhenFull(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 1})
	if err := reg.Assign("w1", "sess1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if err := reg.Assign("w1", "sess2"); !errors.Is(err, shared.ErrNoCapacity) {
		t.Fatalf("assign on a full worker should report no capacity, got %v", err)
	}

	w, _ := reg.Get("w1")
	if w.CurrentLoad != 1 {
		t.Errorf("load must never exceed capacity, got %d", w.CurrentLoad)
	}
}

func TestAssign_UnknownWorker(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	if err := reg.Assign("ghost", "sess1"); err == nil {
		t.Error("assign to unknown worker should fail")
	}
}

func TestRelease_FloorsAtZero(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 2})
	if err := reg.Release("w1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	w, _ := reg.Get("w1")
	if w.CurrentLoad != 0 {
		t.Errorf("load should floor at 0, got %d", w.CurrentLoad)
	}
}

func TestSweep_MarksStaleOffline(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 4})
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w2", Load: 0, MaxCapacity: 4})

	clock.Advance(31 * time.Second)
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w2", Load: 0, MaxCapacity: 4})

	marked := reg.Sweep()
	if marked != 1 {
		t.Fatalf("expected 1 worker marked offline, got %d", marked)
	}

	w1, _ := reg.Get("w1")
	if w1.Status != StatusOffline {
		t.Errorf("stale worker should be offline, got %s", w1.Status)
	}
	w2, _ := reg.Get("w2")
	if w2.Status == StatusOffline {
		t.Error("fresh worker should not be swept offline")
	}
}

func TestSweep_KeepsLoadedWorkerLoad(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 2, MaxCapacity: 4})
	clock.Advance(time.Minute)
	reg.Sweep()

	w, _ := reg.Get("w1")
	if w.Status != StatusOffline {
		t.Fatalf("expected offline, got %s", w.Status)
	}
	if w.CurrentLoad != 2 {
		t.Errorf("sweep must not touch assigned load, got %d", w.CurrentLoad)
	}
}

func TestHeartbeat_RevivesOfflineWorker(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 4})
	clock.Advance(time.Minute)
	reg.Sweep()

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 0, MaxCapacity: 4})

	w, _ := reg.Get("w1")
	if w.Status != StatusAvailable {
		t.Errorf("heartbeat should revive offline worker, got %s", w.Status)
	}
}

func TestStats_Aggregation(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)

	reg.RecordHeartbeat(Heartbeat{WorkerID: "w1", Load: 2, MaxCapacity: 4, Region: "us-east"})
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w2", Load: 4, MaxCapacity: 4, Region: "us-east"})
	reg.RecordHeartbeat(Heartbeat{WorkerID: "w3", Load: 0, MaxCapacity: 4, Region: "eu-west"})

	stats := reg.Stats()
	if stats.TotalWorkers != 3 {
		t.Errorf("expected 3 workers, got %d", stats.TotalWorkers)
	}
	if stats.Available != 2 {
		t.Errorf("expected 2 available, got %d", stats.Available)
	}
	if stats.Busy != 1 {
		t.Errorf("expected 1 busy, got %d", stats.Busy)
	}
	if stats.TotalSessions != 6 {
		t.Errorf("expected 6 total sessions, got %d", stats.TotalSessions)
	}
	if stats.AverageLoad != 2.0 {
		t.Errorf("expected average load 2.0, got %f", stats.AverageLoad)
	}
	if stats.PerRegion["us-east"] != 2 || stats.PerRegion["eu-west"] != 1 {
		t.Errorf("unexpected region counts: %v", stats.PerRegion)
	}
}

func TestRegistry_ConcurrentHeartbeats(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg.RecordHeartbeat(Heartbeat{
					WorkerID:    "w" + string(rune('a'+id)),
					Load:        j % 3,
					MaxCapacity: 4,
				})
				reg.SelectWorker("")
				reg.Sweep()
			}
		}(i)
	}
	wg.Wait()

	if len(reg.List()) != 8 {
		t.Errorf("expected 8 workers, got %d", len(reg.List()))
	}
}
