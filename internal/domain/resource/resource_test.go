package resource

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

func baseQuotas() Quotas {
	return Quotas{
		MaxConcurrentRequests: 8,
		MaxQueuedTasks:        64,
		MaxContextTokens:      131072,
		MaxGPUMemoryPerModel:  40 << 30,
	}
}

func TestAdjustForPressure_CriticalCascade(t *testing.T) {
	q := NewAdaptiveQuotas(baseQuotas())
	q.AdjustForPressure(PressureCritical)

	cur := q.Current()
	want := Quotas{MaxConcurrentRequests: 1, MaxQueuedTasks: 10, MaxContextTokens: 8192, MaxGPUMemoryPerModel: 20 << 30}
	if cur != want {
		t.Fatalf("got %+v, want %+v", cur, want)
	}
}

func TestAdjustForPressure_NoneResetsToBase(t *testing.T) {
	q := NewAdaptiveQuotas(baseQuotas())
	q.AdjustForPressure(PressureCritical)
	q.AdjustForPressure(PressureNone)

	if q.Current() != q.Base() {
		t.Fatalf("expected current to reset to base, got %+v", q.Current())
	}
}

func TestTracker_StartRequest_QuotaExceeded(t *testing.T) {
	q := NewAdaptiveQuotas(Quotas{MaxConcurrentRequests: 1})
	tr := NewTracker(q)

	r1, err := tr.StartRequest()
	if err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}
	if _, err := tr.StartRequest(); !apperrors.IsKind(err, apperrors.KindQuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
	r1.Release()
	if _, err := tr.StartRequest(); err != nil {
		t.Fatalf("after release, reservation should succeed: %v", err)
	}
}

func TestTracker_GPUMemory_DroppedReservationsZeroOut(t *testing.T) {
	q := NewAdaptiveQuotas(Quotas{MaxGPUMemoryPerModel: 100})
	tr := NewTracker(q)

	reservations := make([]*Reservation, 0)
	for _, amount := range []int64{40, 40, 40} {
		r, err := tr.AllocateGPUMemory(amount)
		if err == nil {
			reservations = append(reservations, r)
		}
	}
	if len(reservations) != 2 {
		t.Fatalf("expected exactly 2 reservations to fit in 100 bytes, got %d", len(reservations))
	}
	for _, r := range reservations {
		r.Release()
	}
	if tr.CurrentGPUMemory() != 0 {
		t.Fatalf("expected 0 after all releases, got %d", tr.CurrentGPUMemory())
	}
}

func TestReservation_ReleaseIsIdempotent(t *testing.T) {
	q := NewAdaptiveQuotas(Quotas{MaxConcurrentRequests: 5})
	tr := NewTracker(q)

	r, err := tr.StartRequest()
	if err != nil {
		t.Fatal(err)
	}
	r.Release()
	r.Release() // must not underflow or panic
	r.Release()
}

type fakeSampler struct{ usage Usage }

func (f fakeSampler) Sample(ctx context.Context) (Usage, error) { return f.usage, nil }

type fakeMitigator struct{ calls []string }

func (f *fakeMitigator) FlushCaches(ctx context.Context)                     { f.calls = append(f.calls, "flush") }
func (f *fakeMitigator) ReduceBatchSize(ctx context.Context)                 { f.calls = append(f.calls, "reduce_batch") }
func (f *fakeMitigator) CompressContext(ctx context.Context, target int64)   { f.calls = append(f.calls, "compress") }
func (f *fakeMitigator) OffloadModels(ctx context.Context)                   { f.calls = append(f.calls, "offload") }
func (f *fakeMitigator) PauseTasks(ctx context.Context, priority int)        { f.calls = append(f.calls, "pause") }

func TestMonitor_TickDerivesCriticalAndMitigates(t *testing.T) {
	sampler := fakeSampler{usage: Usage{MemoryUsedBytes: 97, MemoryTotalBytes: 100}}
	mitigator := &fakeMitigator{}
	q := NewAdaptiveQuotas(baseQuotas())
	m := NewMonitor(sampler, mitigator, q, DefaultThresholds(), nil, nil)

	m.tick(context.Background())

	if len(mitigator.calls) == 0 {
		t.Fatal("expected critical pressure to trigger mitigations")
	}
	if q.Current().MaxContextTokens != 8192 {
		t.Fatalf("expected quotas adjusted for critical pressure, got %+v", q.Current())
	}
}

func TestMonitor_RunStopsOnContextCancel(t *testing.T) {
	sampler := fakeSampler{usage: Usage{MemoryUsedBytes: 1, MemoryTotalBytes: 100}}
	q := NewAdaptiveQuotas(baseQuotas())
	m := NewMonitor(sampler, nil, q, DefaultThresholds(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m.Run(ctx, 5*time.Millisecond)
}
