package checkpoint

import (
	"sort"

	"go.uber.org/zap"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// Recovered is the result of a successful recovery: the state payload
// plus which checkpoint and level it came from, so callers can log and
// resume task execution from the right point.
type Recovered struct {
	CheckpointID string
	Level        Level
	Session      *SessionState
	Task         *TaskState
	Micro        *MicroState
}

// RecoveryManager decides whether the previous run exited cleanly and,
// if not, finds the most recent usable checkpoint to resume from. There
// is no reference implementation to ground this on: the prior process
// shut down before writing the System checkpoint it would need, so
// recovery must infer crash-vs-clean from what it finds on disk.
type RecoveryManager struct {
	storage *Storage
	logger  *zap.Logger
}

// NewRecoveryManager builds a RecoveryManager over storage.
func NewRecoveryManager(storage *Storage, logger *zap.Logger) *RecoveryManager {
	return &RecoveryManager{storage: storage, logger: logger}
}

// NeedsRecovery reports whether the previous run appears to have ended
// without a graceful shutdown checkpoint. True when the latest System
// checkpoint recorded a crash, or when no System checkpoint exists at
// all but at least one Session checkpoint does (the process never got
// to shut down).
func (r *RecoveryManager) NeedsRecovery() (bool, error) {
	metas, err := r.storage.List()
	if err != nil {
		return false, err
	}

	latestSystem, hasSystem := latestOfLevel(metas, LevelSystem)
	hasSession := anyOfLevel(metas, LevelSession)

	if !hasSystem {
		return hasSession, nil
	}

	cp, err := r.storage.Load(latestSystem.ID)
	if err != nil {
		// The marker itself is unreadable; treat as ambiguous and prefer
		// recovery over silently resuming as if nothing happened.
		if r.logger != nil {
			r.logger.Warn("latest system checkpoint unreadable, assuming crash", zap.String("checkpoint_id", latestSystem.ID), zap.Error(err))
		}
		return hasSession, nil
	}
	if cp.State.System == nil {
		return hasSession, nil
	}
	return cp.State.System.ShutdownType != ShutdownGraceful, nil
}

// Recover loads a named checkpoint, or, when id is empty, the most
// recent recoverable one, preferring Session over Task over Micro.
// Corrupted checkpoints are skipped in favor of the next-most-recent at
// the same or a lower-preference level; Recover exhausts every
// candidate before giving up. Returns (nil, nil), not an error, when
// storage holds nothing worth recovering.
func (r *RecoveryManager) Recover(id string) (*Recovered, error) {
	if id != "" {
		return r.loadByID(id)
	}

	metas, err := r.storage.List()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, nil
	}

	for _, level := range []Level{LevelSession, LevelTask, LevelMicro} {
		candidates := ofLevel(metas, level)
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.After(candidates[j].Timestamp) })

		for _, cand := range candidates {
			cp, err := r.storage.Load(cand.ID)
			if err != nil {
				if apperrors.IsKind(err, apperrors.KindCorrupted) {
					if r.logger != nil {
						r.logger.Warn("skipping corrupted checkpoint during recovery",
							zap.String("checkpoint_id", cand.ID), zap.String("level", level.String()))
					}
					continue
				}
				return nil, err
			}
			return toRecovered(cp), nil
		}
	}

	return nil, nil
}

func (r *RecoveryManager) loadByID(id string) (*Recovered, error) {
	cp, err := r.storage.Load(id)
	if err != nil {
		return nil, err
	}
	return toRecovered(cp), nil
}

func toRecovered(cp *Checkpoint) *Recovered {
	return &Recovered{
		CheckpointID: cp.ID,
		Level:        cp.Level,
		Session:      cp.State.Session,
		Task:         cp.State.Task,
		Micro:        cp.State.Micro,
	}
}

func latestOfLevel(metas []Metadata, level Level) (Metadata, bool) {
	var latest Metadata
	found := false
	for _, m := range metas {
		if m.Level != level {
			continue
		}
		if !found || m.Timestamp.After(latest.Timestamp) {
			latest = m
			found = true
		}
	}
	return latest, found
}

func anyOfLevel(metas []Metadata, level Level) bool {
	for _, m := range metas {
		if m.Level == level {
			return true
		}
	}
	return false
}

func ofLevel(metas []Metadata, level Level) []Metadata {
	out := make([]Metadata, 0, len(metas))
	for _, m := range metas {
		if m.Level == level {
			out = append(out, m)
		}
	}
	return out
}
