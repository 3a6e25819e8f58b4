// Package checkpoint implements hierarchical durable snapshots of agent
// and task state: serialize, compress, persist, list, GC on disk, and
// restore the latest recoverable one after a crash.
package checkpoint

import "time"

// Level is the checkpoint granularity, ascending in scope and cost.
type Level uint8

const (
	LevelMicro Level = iota
	LevelTask
	LevelSession
	LevelSystem
)

func (l Level) String() string {
	switch l {
	case LevelMicro:
		return "micro"
	case LevelTask:
		return "task"
	case LevelSession:
		return "session"
	case LevelSystem:
		return "system"
	default:
		return "unknown"
	}
}

// TaskStatus is the lifecycle state of a checkpointed task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ShutdownType distinguishes a clean exit from a crash.
type ShutdownType string

const (
	ShutdownGraceful ShutdownType = "graceful"
	ShutdownCrash    ShutdownType = "crash"
	ShutdownUnknown  ShutdownType = "unknown"
)

// MicroState is a token-level, optional, cheap checkpoint payload.
type MicroState struct {
	TokenPosition uint64
	PartialOutput string
}

// TaskState captures one task's progress.
type TaskState struct {
	TaskID        string
	TaskType      string
	Status        TaskStatus
	Input         map[string]any
	PartialResult map[string]any
	Attempts      uint32
}

// CompletedTaskInfo summarizes a finished task for a session snapshot.
type CompletedTaskInfo struct {
	TaskID      string
	TaskType    string
	CompletedAt time.Time
	Success     bool
}

// PendingTaskInfo summarizes a not-yet-started task for a session snapshot.
type PendingTaskInfo struct {
	TaskID    string
	TaskType  string
	Priority  int
	CreatedAt time.Time
}

// SessionState is the primary recovery unit: enough to reconstruct an
// AgentState's high-level progress without replaying every message.
type SessionState struct {
	SessionID       string
	StartedAt       time.Time
	IterationCount  uint64
	CompletedTasks  []CompletedTaskInfo
	PendingTasks    []PendingTaskInfo
	ContextSummary  string
}

// SystemState is recorded explicitly on shutdown.
type SystemState struct {
	ShutdownType ShutdownType
	SessionID    string
}

// State is a tagged union over the four checkpoint payload kinds. Exactly
// one of the pointer fields is set, matching Level.
type State struct {
	Micro   *MicroState
	Task    *TaskState
	Session *SessionState
	System  *SystemState
}

// Checkpoint is a durable, point-in-time snapshot of agent or task state.
// Invariant: if Parent is non-empty, the parent checkpoint must exist in
// storage. Invariant: Timestamp is monotonic non-decreasing within a
// session for Session-level checkpoints.
type Checkpoint struct {
	ID              string
	Timestamp       time.Time
	Level           Level
	State           State
	Parent          string
	DiffFromParent  []byte
}

// Metadata is a checkpoint's listing entry, without its full state.
type Metadata struct {
	ID         string
	Timestamp  time.Time
	Level      Level
	SizeBytes  int64
	Compressed bool
}

// Status summarizes checkpoint health for diagnostics.
type Status struct {
	LastCheckpoint   *time.Time
	TotalCheckpoints uint64
	StorageUsedBytes int64
	Healthy          bool
}
