package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Indexer mirrors checkpoint metadata into a queryable side-table (the
// `journal` CLI command's backing store) as checkpoints are written and
// deleted. The .chk files under Storage remain authoritative; a failing
// or unset Indexer never blocks a checkpoint write.
type Indexer interface {
	Upsert(ctx context.Context, meta Metadata) error
	Delete(ctx context.Context, id string) error
}

// Manager drives the Micro/Task/Session/System checkpoint hierarchy: the
// scheduler wakes on an interval and, if changes are pending, takes a
// session checkpoint; record_change() from any mutating code path bumps
// the pending counter.
type Manager struct {
	config  Config
	storage *Storage
	logger  *zap.Logger
	indexer Indexer

	pendingChanges int64
	lastCheckpoint atomic.Pointer[time.Time]

	// parentMu guards latestByLevel, the in-memory latest-checkpoint-id
	// tracker that resolves the parent-chain question: simpler than a
	// crash-safe journal, acceptable because parent links are an
	// optimization (diffing), not required for correctness of recovery.
	parentMu      sync.RWMutex
	latestByLevel map[Level]string
}

// NewManager builds a Manager backed by storage.
func NewManager(config Config, storage *Storage, logger *zap.Logger) *Manager {
	return &Manager{
		config:        config,
		storage:       storage,
		logger:        logger,
		latestByLevel: make(map[Level]string),
	}
}

// SetIndexer wires a journal index into the manager. Call once at startup.
func (m *Manager) SetIndexer(idx Indexer) {
	m.indexer = idx
}

// index mirrors a just-written checkpoint into the indexer, best-effort.
func (m *Manager) index(id string) {
	if m.indexer == nil {
		return
	}
	meta, err := m.storage.Metadata(id)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("checkpoint metadata lookup for indexing failed", zap.String("checkpoint_id", id), zap.Error(err))
		}
		return
	}
	if err := m.indexer.Upsert(context.Background(), meta); err != nil && m.logger != nil {
		m.logger.Warn("checkpoint index upsert failed", zap.String("checkpoint_id", id), zap.Error(err))
	}
}

// RecordChange increments the pending-change counter. Called from any
// code path that meaningfully mutated agent state.
func (m *Manager) RecordChange() {
	atomic.AddInt64(&m.pendingChanges, 1)
}

// PendingChanges reports the current pending-change counter.
func (m *Manager) PendingChanges() int64 {
	return atomic.LoadInt64(&m.pendingChanges)
}

// parentFor returns the tracked latest checkpoint id at level, the
// default parent for the next checkpoint at the same level.
func (m *Manager) parentFor(level Level) string {
	m.parentMu.RLock()
	defer m.parentMu.RUnlock()
	return m.latestByLevel[level]
}

func (m *Manager) setLatest(level Level, id string) {
	m.parentMu.Lock()
	defer m.parentMu.Unlock()
	m.latestByLevel[level] = id
}

// CheckpointSession stores a Session-level checkpoint, the primary
// recovery unit, resets the pending counter, and records last_checkpoint.
func (m *Manager) CheckpointSession(state SessionState) (string, error) {
	if !m.config.Enabled {
		return uuid.NewString(), nil
	}

	id := uuid.NewString()
	cp := &Checkpoint{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Level:     LevelSession,
		State:     State{Session: &state},
		Parent:    m.parentFor(LevelSession),
	}

	if m.logger != nil {
		m.logger.Info("creating session checkpoint", zap.String("checkpoint_id", id))
	}
	if err := m.storage.Store(cp); err != nil {
		return "", err
	}

	now := time.Now()
	m.lastCheckpoint.Store(&now)
	atomic.StoreInt64(&m.pendingChanges, 0)
	m.setLatest(LevelSession, id)
	m.index(id)

	if m.logger != nil {
		m.logger.Info("session checkpoint created", zap.String("checkpoint_id", id))
	}
	return id, nil
}

// CheckpointTask stores a Task-level checkpoint, recorded when a task
// enters or leaves a terminal state.
func (m *Manager) CheckpointTask(taskID string, state TaskState) (string, error) {
	if !m.config.Enabled || !m.config.TaskLevelEnabled {
		return uuid.NewString(), nil
	}

	id := uuid.NewString()
	cp := &Checkpoint{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Level:     LevelTask,
		State:     State{Task: &state},
		Parent:    m.parentFor(LevelTask),
	}
	if err := m.storage.Store(cp); err != nil {
		return "", err
	}
	m.setLatest(LevelTask, id)
	m.index(id)

	if m.logger != nil {
		m.logger.Debug("task checkpoint created", zap.String("checkpoint_id", id), zap.String("task_id", taskID))
	}
	return id, nil
}

// CheckpointMicro stores an optional, cheap token-level checkpoint.
func (m *Manager) CheckpointMicro(state MicroState) (string, error) {
	if !m.config.Enabled {
		return uuid.NewString(), nil
	}
	id := uuid.NewString()
	cp := &Checkpoint{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Level:     LevelMicro,
		State:     State{Micro: &state},
		Parent:    m.parentFor(LevelMicro),
	}
	if err := m.storage.Store(cp); err != nil {
		return "", err
	}
	m.setLatest(LevelMicro, id)
	m.index(id)
	return id, nil
}

// CreateGracefulShutdownCheckpoint records a System checkpoint marking a
// clean exit, then flushes storage.
func (m *Manager) CreateGracefulShutdownCheckpoint(sessionID string) (string, error) {
	id := uuid.NewString()
	cp := &Checkpoint{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Level:     LevelSystem,
		State:     State{System: &SystemState{ShutdownType: ShutdownGraceful, SessionID: sessionID}},
		Parent:    m.parentFor(LevelSystem),
	}
	if err := m.storage.Store(cp); err != nil {
		return "", err
	}
	m.setLatest(LevelSystem, id)
	m.index(id)
	if m.logger != nil {
		m.logger.Info("graceful shutdown checkpoint created", zap.String("checkpoint_id", id))
	}
	return id, m.storage.Flush()
}

// SchedulerLoop ticks at config.IntervalSeconds; whenever pending changes
// exist it performs a session checkpoint and resets the counter. The
// caller supplies the current SessionState snapshot on demand, since the
// manager does not own agent state.
func (m *Manager) SchedulerLoop(ctx context.Context, snapshot func() SessionState) {
	if !m.config.Enabled {
		return
	}

	interval := time.Duration(m.config.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := atomic.LoadInt64(&m.pendingChanges)
			if pending <= 0 {
				continue
			}
			if m.logger != nil {
				m.logger.Debug("checkpoint scheduler: changes pending", zap.Int64("pending_changes", pending))
			}
			if _, err := m.CheckpointSession(snapshot()); err != nil && m.logger != nil {
				m.logger.Error("scheduled session checkpoint failed", zap.Error(err))
			}
		}
	}
}

// CleanupOldCheckpoints deletes checkpoints past the retention window.
func (m *Manager) CleanupOldCheckpoints() (uint64, error) {
	return m.storage.CleanupOld(m.config.RetentionDays)
}

// ListCheckpoints returns every checkpoint's metadata.
func (m *Manager) ListCheckpoints() ([]Metadata, error) {
	return m.storage.List()
}

// Flush flushes the backing storage.
func (m *Manager) Flush() error { return m.storage.Flush() }

// DeleteCheckpoint removes a single checkpoint by id, for the journal-delete
// CLI command. Does not touch latestByLevel: a deleted checkpoint simply
// drops out of future listings and recovery candidates.
func (m *Manager) DeleteCheckpoint(id string) error {
	if err := m.storage.Delete(id); err != nil {
		return err
	}
	if m.indexer != nil {
		if err := m.indexer.Delete(context.Background(), id); err != nil && m.logger != nil {
			m.logger.Warn("checkpoint index delete failed", zap.String("checkpoint_id", id), zap.Error(err))
		}
	}
	return nil
}

// LoadCheckpoint loads a single checkpoint's full state, for journal-entry.
func (m *Manager) LoadCheckpoint(id string) (*Checkpoint, error) {
	return m.storage.Load(id)
}
