package reducer

import (
	"math"
	"testing"
	"time"

	"github.com/saworbit/scaleadapter/pkg/interval"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestThroughput(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data := &interval.Data{
		ReadBytes:  4096,
		WriteBytes: 1024,
		Syscalls: []interval.SyscallStat{
			{Count: 1, TotalTime: uint64(10 * time.Millisecond)},
			{Count: 1, TotalTime: uint64(40 * time.Millisecond)},
		},
		Targets: 2,
		Start:   start,
		End:     start.Add(100 * time.Millisecond),
	}

	m := Throughput(data)
	if !approx(m.ScaleMetric, 5120.0/100) {
		t.Errorf("ScaleMetric = %v, want %v", m.ScaleMetric, 5120.0/100)
	}
	// 50ms of call time over 2 targets * 100ms.
	if !approx(m.IdleMetric, 0.25) {
		t.Errorf("IdleMetric = %v, want 0.25", m.IdleMetric)
	}
	if m.CurrentNrTargets != 2 {
		t.Errorf("CurrentNrTargets = %d, want 2", m.CurrentNrTargets)
	}
}

func TestThroughputWithoutDuration(t *testing.T) {
	m := Throughput(&interval.Data{ReadBytes: 10, Targets: 1})
	if m.ScaleMetric != 0 || m.IdleMetric != 0 || m.CurrentNrTargets != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestSmoothedEMA(t *testing.T) {
	values := []float64{10, 20, 20}
	i := 0
	inner := func(*interval.Data) interval.Metrics {
		v := values[i]
		i++
		return interval.Metrics{ScaleMetric: v, IdleMetric: v / 10, CurrentNrTargets: 4}
	}

	smooth, err := Smoothed(inner, 0.5)
	if err != nil {
		t.Fatalf("Smoothed: %v", err)
	}

	want := []float64{10, 15, 17.5}
	for n, w := range want {
		m := smooth(&interval.Data{})
		if !approx(m.ScaleMetric, w) || !approx(m.IdleMetric, w/10) {
			t.Fatalf("interval %d: got %+v, want scale %v", n, m, w)
		}
		if m.CurrentNrTargets != 4 {
			t.Fatalf("targets not passed through: %+v", m)
		}
	}
}

func TestSmoothedRejectsBadAlpha(t *testing.T) {
	for _, alpha := range []float64{0, -0.1, 1.5} {
		if _, err := Smoothed(Throughput, alpha); err == nil {
			t.Errorf("Smoothed(alpha=%v) should fail", alpha)
		}
	}
	if _, err := Smoothed(nil, 0.5); err == nil {
		t.Errorf("Smoothed(nil) should fail")
	}
}
