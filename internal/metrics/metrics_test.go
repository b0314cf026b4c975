package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveIntervalRecordsObservation(t *testing.T) {
	start := time.Now()
	ObserveInterval(start, start.Add(3*time.Millisecond), 4096, 1024,
		[]SyscallSample{{Name: "read_test", Count: 2, TotalTime: 10 * time.Microsecond}},
		0.8, 0.1, 3)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range mfs {
		switch mf.GetName() {
		case "scaleadapter_reducer_duration_ms":
			found[mf.GetName()] = true
			if got := mf.Metric[0].GetHistogram().GetSampleCount(); got == 0 {
				t.Fatalf("expected histogram sample count > 0, got %d", got)
			}
		case "scaleadapter_scale_metric":
			found[mf.GetName()] = true
			if got := mf.Metric[0].GetGauge().GetValue(); got != 0.8 {
				t.Fatalf("scale_metric = %v, want 0.8", got)
			}
		case "scaleadapter_current_targets":
			found[mf.GetName()] = true
			if got := mf.Metric[0].GetGauge().GetValue(); got != 3 {
				t.Fatalf("current_targets = %v, want 3", got)
			}
		case "scaleadapter_syscalls_total":
			for _, m := range mf.Metric {
				for _, l := range m.GetLabel() {
					if l.GetName() == "syscall" && l.GetValue() == "read_test" {
						found[mf.GetName()] = true
						if m.GetCounter().GetValue() < 2 {
							t.Fatalf("syscalls_total{read_test} = %v", m.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}

	for _, name := range []string{
		"scaleadapter_reducer_duration_ms",
		"scaleadapter_scale_metric",
		"scaleadapter_current_targets",
		"scaleadapter_syscalls_total",
	} {
		if !found[name] {
			t.Errorf("%s not found", name)
		}
	}
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObserveInterval(time.Now(), time.Now(), 1, 1, nil, 0, 0, 1)
	SetUp(true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "scaleadapter_reducer_duration_ms_bucket") {
		t.Fatalf("expected reducer_duration_ms histogram buckets, body: %s", body)
	}
	if !strings.Contains(body, "scaleadapter_up 1") {
		t.Fatalf("expected up gauge, body: %s", body)
	}
}

func TestObserveFaultClearsUp(t *testing.T) {
	SetUp(true)
	ObserveFault()

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "scaleadapter_up" && mf.Metric[0].GetGauge().GetValue() != 0 {
			t.Fatalf("up should be 0 after a fault")
		}
	}
	SetUp(true)
}
