package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StoragePath = t.TempDir()
	cfg.IntervalSeconds = 1

	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return NewManager(cfg, storage, zap.NewNop()), cfg
}

func TestStorage_StoreLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoragePath = t.TempDir()
	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	cp := &Checkpoint{
		ID:        "cp-1",
		Timestamp: time.Now().UTC(),
		Level:     LevelSession,
		State: State{Session: &SessionState{
			SessionID:      "sess-1",
			IterationCount: 3,
			ContextSummary: "did some things",
		}},
	}
	if err := storage.Store(cp); err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded, err := storage.Load("cp-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.State.Session == nil || loaded.State.Session.SessionID != "sess-1" {
		t.Fatalf("round-trip lost session state: %+v", loaded.State.Session)
	}
	if loaded.State.Session.IterationCount != 3 {
		t.Fatalf("expected IterationCount 3, got %d", loaded.State.Session.IterationCount)
	}
}

func TestStorage_ListParsesRealIDAndLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoragePath = t.TempDir()
	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	for i, level := range []Level{LevelMicro, LevelTask, LevelSession} {
		cp := &Checkpoint{
			ID:        "id-" + level.String(),
			Timestamp: time.Now().Add(time.Duration(i) * time.Second).UTC(),
			Level:     level,
			State:     State{Session: &SessionState{SessionID: "s"}},
		}
		if err := storage.Store(cp); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	metas, err := storage.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(metas))
	}
	for _, m := range metas {
		if m.ID != "id-"+m.Level.String() {
			t.Fatalf("id/level mismatch: %+v", m)
		}
	}
}

// TestSchedulerLoop_RecordedChangesTriggerExactlyOneCheckpoint covers
// property 8: k record_change calls produce exactly one checkpoint on
// the next tick and pending_changes resets to 0.
func TestSchedulerLoop_RecordedChangesTriggerExactlyOneCheckpoint(t *testing.T) {
	mgr, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		mgr.RecordChange()
	}
	if mgr.PendingChanges() != 5 {
		t.Fatalf("expected 5 pending changes, got %d", mgr.PendingChanges())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	snapshot := func() SessionState { return SessionState{SessionID: "sess-x"} }
	mgr.SchedulerLoop(ctx, snapshot)

	if mgr.PendingChanges() != 0 {
		t.Fatalf("expected pending changes reset to 0, got %d", mgr.PendingChanges())
	}

	metas, err := mgr.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	sessionCount := 0
	for _, m := range metas {
		if m.Level == LevelSession {
			sessionCount++
		}
	}
	if sessionCount != 1 {
		t.Fatalf("expected exactly 1 session checkpoint, got %d", sessionCount)
	}
}

func TestManager_ParentChainTracksLatestPerLevel(t *testing.T) {
	mgr, _ := newTestManager(t)

	id1, err := mgr.CheckpointSession(SessionState{SessionID: "s"})
	if err != nil {
		t.Fatalf("CheckpointSession: %v", err)
	}
	id2, err := mgr.CheckpointSession(SessionState{SessionID: "s"})
	if err != nil {
		t.Fatalf("CheckpointSession: %v", err)
	}

	cp, err := mgr.storage.Load(id2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Parent != id1 {
		t.Fatalf("expected parent %s, got %s", id1, cp.Parent)
	}
}

// TestRecovery_GracefulShutdownNeedsNoRecovery covers the clean-exit path.
func TestRecovery_GracefulShutdownNeedsNoRecovery(t *testing.T) {
	mgr, cfg := newTestManager(t)

	if _, err := mgr.CheckpointSession(SessionState{SessionID: "s"}); err != nil {
		t.Fatalf("CheckpointSession: %v", err)
	}
	if _, err := mgr.CreateGracefulShutdownCheckpoint("s"); err != nil {
		t.Fatalf("CreateGracefulShutdownCheckpoint: %v", err)
	}

	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	rm := NewRecoveryManager(storage, zap.NewNop())

	needs, err := rm.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if needs {
		t.Fatal("expected no recovery needed after graceful shutdown")
	}
}

// TestRecovery_CrashDetectedWhenNoSystemCheckpointExists covers S4: the
// process dies before ever recording a System checkpoint.
func TestRecovery_CrashDetectedWhenNoSystemCheckpointExists(t *testing.T) {
	mgr, cfg := newTestManager(t)

	if _, err := mgr.CheckpointSession(SessionState{SessionID: "s", IterationCount: 7}); err != nil {
		t.Fatalf("CheckpointSession: %v", err)
	}

	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	rm := NewRecoveryManager(storage, zap.NewNop())

	needs, err := rm.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if !needs {
		t.Fatal("expected recovery needed when no graceful shutdown was recorded")
	}

	recovered, err := rm.Recover("")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil || recovered.Session == nil {
		t.Fatal("expected a recovered session state")
	}
	if recovered.Session.IterationCount != 7 {
		t.Fatalf("expected IterationCount 7, got %d", recovered.Session.IterationCount)
	}
}

// TestRecovery_CorruptedNewestFallsBackToOlder covers S5: the most
// recent checkpoint is corrupted on disk, recovery should skip it and
// use the next most recent Session checkpoint instead of failing.
func TestRecovery_CorruptedNewestFallsBackToOlder(t *testing.T) {
	mgr, cfg := newTestManager(t)

	goodID, err := mgr.CheckpointSession(SessionState{SessionID: "s", IterationCount: 1})
	if err != nil {
		t.Fatalf("CheckpointSession: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	badID, err := mgr.CheckpointSession(SessionState{SessionID: "s", IterationCount: 2})
	if err != nil {
		t.Fatalf("CheckpointSession: %v", err)
	}

	badPath := filepath.Join(cfg.StoragePath, "checkpoints", badID+".chk")
	if err := os.WriteFile(badPath, []byte("not a real checkpoint envelope at all"), 0o644); err != nil {
		t.Fatalf("corrupting checkpoint file: %v", err)
	}

	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	rm := NewRecoveryManager(storage, zap.NewNop())

	recovered, err := rm.Recover("")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil {
		t.Fatal("expected a fallback recovery result")
	}
	if recovered.CheckpointID != goodID {
		t.Fatalf("expected fallback to %s, got %s", goodID, recovered.CheckpointID)
	}
	if recovered.Session.IterationCount != 1 {
		t.Fatalf("expected IterationCount 1 from the older checkpoint, got %d", recovered.Session.IterationCount)
	}
}

func TestRecovery_EmptyStorageReturnsNilNotError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoragePath = t.TempDir()
	storage, err := NewStorage(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	rm := NewRecoveryManager(storage, zap.NewNop())

	recovered, err := rm.Recover("")
	if err != nil {
		t.Fatalf("expected no error on empty storage, got %v", err)
	}
	if recovered != nil {
		t.Fatalf("expected nil recovery result, got %+v", recovered)
	}
}
