package resource

import (
	"context"

	"go.uber.org/zap"
)

// cacheClearer is the one side effect the mitigation ladder can actually
// reach today: the agent loop's per-run tool-result cache.
type cacheClearer interface {
	ClearToolCache()
}

// LoopMitigator implements domres.Mitigator against the running agent
// loop. Most rungs of the ladder (model offload, batch-size reduction)
// have no local equivalent in an API-only LLM router, so they are
// logged rather than acted on — there is nothing local to offload or
// batch, the provider call is already a single request.
type LoopMitigator struct {
	loop   cacheClearer
	logger *zap.Logger
}

// NewLoopMitigator builds a LoopMitigator over loop.
func NewLoopMitigator(loop cacheClearer, logger *zap.Logger) *LoopMitigator {
	return &LoopMitigator{loop: loop, logger: logger}
}

func (m *LoopMitigator) FlushCaches(ctx context.Context) {
	if m.loop != nil {
		m.loop.ClearToolCache()
	}
	if m.logger != nil {
		m.logger.Info("resource pressure: flushed tool result cache")
	}
}

func (m *LoopMitigator) ReduceBatchSize(ctx context.Context) {
	if m.logger != nil {
		m.logger.Warn("resource pressure: batch size reduction requested (no-op, single-request LLM router)")
	}
}

func (m *LoopMitigator) CompressContext(ctx context.Context, targetTokens int64) {
	if m.logger != nil {
		m.logger.Warn("resource pressure: context compression requested", zap.Int64("target_tokens", targetTokens))
	}
}

func (m *LoopMitigator) OffloadModels(ctx context.Context) {
	if m.logger != nil {
		m.logger.Warn("resource pressure: model offload requested (no-op, remote providers only)")
	}
}

func (m *LoopMitigator) PauseTasks(ctx context.Context, priorityThreshold int) {
	if m.logger != nil {
		m.logger.Error("resource pressure critical: pausing tasks below priority", zap.Int("priority_threshold", priorityThreshold))
	}
}
