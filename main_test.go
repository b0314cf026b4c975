package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/saworbit/scaleadapter/pkg/config"
	"github.com/saworbit/scaleadapter/pkg/interval"
	"github.com/saworbit/scaleadapter/pkg/observer"
)

func TestApplyRunFlagsOverridesEnv(t *testing.T) {
	t.Setenv("SCALEADAPTER_CHECK_INTERVAL_MS", "5000")
	t.Setenv("SCALEADAPTER_METRICS_ADDR", ":1111")

	cmd := newRunCmd()
	if err := cmd.Flags().Parse([]string{"--syscalls", "0,1", "--interval", "250ms", "--alpha", "0.5"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	f := runFlags{syscalls: "0,1", interval: 250 * time.Millisecond, alpha: 0.5}

	cfg, err := applyRunFlags(config.LoadFromEnv(), cmd.Flags(), f)
	if err != nil {
		t.Fatalf("applyRunFlags: %v", err)
	}

	if cfg.CheckInterval != 250*time.Millisecond {
		t.Errorf("Expected interval 250ms, got %s", cfg.CheckInterval)
	}
	if len(cfg.Syscalls) != 2 || cfg.Syscalls[0] != 0 || cfg.Syscalls[1] != 1 {
		t.Errorf("Expected syscalls [0 1], got %v", cfg.Syscalls)
	}
	if cfg.MetricsAddr != ":1111" {
		t.Errorf("Expected metrics addr from env, got '%s'", cfg.MetricsAddr)
	}
	if cfg.SmoothingAlpha != 0.5 {
		t.Errorf("Expected alpha 0.5, got %v", cfg.SmoothingAlpha)
	}
}

func TestApplyRunFlagsRejectsBadValues(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.Flags().Parse([]string{"--interval", "0s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if _, err := applyRunFlags(config.DefaultConfig(), cmd.Flags(), runFlags{}); err == nil {
		t.Fatalf("expected zero interval to be rejected")
	}

	cmd = newRunCmd()
	if err := cmd.Flags().Parse([]string{"--syscalls", "definitely_not_a_syscall"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := applyRunFlags(config.DefaultConfig(), cmd.Flags(), runFlags{syscalls: "definitely_not_a_syscall"}); err == nil {
		t.Fatalf("expected unknown syscall name to be rejected")
	}
}

func TestRunRequiresCommand(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	if err := root.Execute(); err == nil {
		t.Fatalf("expected run without a command to fail")
	}
}

type fixedMetrics struct {
	mu sync.Mutex
	m  interval.Metrics
	ok bool
}

func (f *fixedMetrics) LatestMetrics() (interval.Metrics, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m, f.ok
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReportLogsLatestMetrics(t *testing.T) {
	var out syncBuffer
	log := zerolog.New(&out)
	ctx, cancel := context.WithCancel(log.WithContext(context.Background()))

	clock := clockwork.NewFakeClock()
	src := &fixedMetrics{m: interval.Metrics{ScaleMetric: 0.8, IdleMetric: 0.1, CurrentNrTargets: 3}, ok: true}

	done := make(chan struct{})
	go func() {
		defer close(done)
		report(ctx, clock, time.Second, src)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), `"scale":0.8`) {
		if time.Now().After(deadline) {
			t.Fatalf("metrics not logged, got %q", out.String())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done

	if !strings.Contains(out.String(), `"targets":3`) {
		t.Fatalf("expected targets in log line, got %q", out.String())
	}
}

type stubAdapter struct {
	fixedMetrics
	done chan struct{}
	err  error
}

func (s *stubAdapter) Done() <-chan struct{} { return s.done }
func (s *stubAdapter) Err() error            { return s.err }

// superviseAsync runs supervise with a workload that only ends when ctx is
// cancelled, like one started with exec.CommandContext.
func superviseAsync(ctx context.Context, cancel context.CancelFunc, cfg *config.AdapterConfig, a supervisedAdapter) <-chan error {
	killed := errors.New("signal: killed")
	result := make(chan error, 1)
	go func() {
		waitErr, err := supervise(ctx, cancel, cfg, a, func() error {
			<-ctx.Done()
			return killed
		})
		if err == nil && !errors.Is(waitErr, killed) {
			err = fmt.Errorf("unexpected workload result: %v", waitErr)
		}
		result <- err
	}()
	return result
}

func awaitSupervise(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("workload kept running")
		return nil
	}
}

func TestSuperviseStopsWorkloadWhenMetricsEndpointFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := config.DefaultConfig()
	cfg.MetricsAddr = busy.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := superviseAsync(ctx, cancel, cfg, &stubAdapter{done: make(chan struct{})})

	err = awaitSupervise(t, result)
	if err == nil || !strings.Contains(err.Error(), "metrics endpoint") {
		t.Fatalf("supervise error = %v, want metrics endpoint failure", err)
	}
}

func TestSuperviseReportsAdapterFault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lost := fmt.Errorf("%w: ring buffer closed", observer.ErrObservationLost)
	a := &stubAdapter{done: make(chan struct{}), err: lost}
	result := superviseAsync(ctx, cancel, config.DefaultConfig(), a)
	close(a.done)

	if err := awaitSupervise(t, result); !errors.Is(err, observer.ErrObservationLost) {
		t.Fatalf("supervise error = %v, want ErrObservationLost", err)
	}
}

func TestSuperviseTreatsExitedTargetsAsCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gone := fmt.Errorf("%w: %w", observer.ErrObservationLost, observer.ErrTargetExited)
	a := &stubAdapter{done: make(chan struct{}), err: gone}
	result := superviseAsync(ctx, cancel, config.DefaultConfig(), a)
	close(a.done)

	if err := awaitSupervise(t, result); err != nil {
		t.Fatalf("supervise error = %v, want nil once the workload is gone", err)
	}
}
