package resource

import (
	"fmt"
	"sync/atomic"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// Tracker counts live allocations against an AdaptiveQuotas vector and
// hands out scope-bound Reservations. Go has no destructors, so callers
// MUST call Reservation.Release when the scope ends; Release is idempotent
// and saturating so a forgotten or duplicate call never underflows a
// counter or panics.
type Tracker struct {
	quotas *AdaptiveQuotas

	gpuMemory         int64
	concurrentRequest int64
	queuedTask        int64
}

// NewTracker builds a Tracker bound to quotas.
func NewTracker(quotas *AdaptiveQuotas) *Tracker {
	return &Tracker{quotas: quotas}
}

// Reservation is a scope-bound claim on a counted resource. Release
// decrements the backing counter exactly once, saturating at zero.
type Reservation struct {
	kind     string
	amount   int64
	counter  *int64
	released atomic.Bool
}

// Release returns the reservation's claim to the tracker. Safe to call
// more than once or never from multiple goroutines; only the first call
// has effect.
func (r *Reservation) Release() {
	if r == nil || r.released.Swap(true) {
		return
	}
	for {
		cur := atomic.LoadInt64(r.counter)
		next := cur - r.amount
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(r.counter, cur, next) {
			return
		}
	}
}

// AllocateGPUMemory reserves bytes of GPU memory against the current
// per-model quota, via a compare-and-swap admission loop.
func (t *Tracker) AllocateGPUMemory(bytes int64) (*Reservation, error) {
	limit := t.quotas.Current().MaxGPUMemoryPerModel
	for {
		cur := atomic.LoadInt64(&t.gpuMemory)
		next := cur + bytes
		if next > limit {
			return nil, apperrors.NewResourceError(apperrors.KindQuotaExceeded,
				quotaExceededMsg("gpu_memory_bytes", cur, limit))
		}
		if atomic.CompareAndSwapInt64(&t.gpuMemory, cur, next) {
			return &Reservation{kind: "gpu_memory_bytes", amount: bytes, counter: &t.gpuMemory}, nil
		}
	}
}

// StartRequest reserves one concurrent-request slot.
func (t *Tracker) StartRequest() (*Reservation, error) {
	limit := t.quotas.Current().MaxConcurrentRequests
	for {
		cur := atomic.LoadInt64(&t.concurrentRequest)
		if cur+1 > limit {
			return nil, apperrors.NewResourceError(apperrors.KindQuotaExceeded,
				quotaExceededMsg("concurrent_requests", cur, limit))
		}
		if atomic.CompareAndSwapInt64(&t.concurrentRequest, cur, cur+1) {
			return &Reservation{kind: "concurrent_requests", amount: 1, counter: &t.concurrentRequest}, nil
		}
	}
}

// QueueTask reserves one queued-task slot.
func (t *Tracker) QueueTask() (*Reservation, error) {
	limit := t.quotas.Current().MaxQueuedTasks
	for {
		cur := atomic.LoadInt64(&t.queuedTask)
		if cur+1 > limit {
			return nil, apperrors.NewResourceError(apperrors.KindQuotaExceeded,
				quotaExceededMsg("queued_tasks", cur, limit))
		}
		if atomic.CompareAndSwapInt64(&t.queuedTask, cur, cur+1) {
			return &Reservation{kind: "queued_tasks", amount: 1, counter: &t.queuedTask}, nil
		}
	}
}

// CurrentGPUMemory reports the live GPU memory reservation total.
func (t *Tracker) CurrentGPUMemory() int64 { return atomic.LoadInt64(&t.gpuMemory) }

func quotaExceededMsg(resourceName string, used, limit int64) string {
	return fmt.Sprintf("quota exceeded: resource=%s used=%d limit=%d", resourceName, used, limit)
}
