//go:build linux

package ebpf

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/saworbit/scaleadapter/pkg/config"
	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/registry"
)

type lockedSink struct {
	mu    sync.Mutex
	write uint64
	calls map[registry.ID]int
}

func (s *lockedSink) RecordIO(_, write uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write += write
}

func (s *lockedSink) RecordSyscall(id registry.ID, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[registry.ID]int)
	}
	s.calls[id]++
}

func (s *lockedSink) snapshot() (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write, s.calls[unix.SYS_WRITE]
}

func requireTracing(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("kernel tracer test skipped in short mode")
	}
	if os.Geteuid() != 0 {
		t.Skip("kernel tracer test requires root")
	}
	for _, dir := range []string{"/sys/kernel/tracing/events/raw_syscalls", "/sys/kernel/debug/tracing/events/raw_syscalls"} {
		if _, err := os.Stat(dir); err == nil {
			return
		}
	}
	t.Skip("raw_syscalls tracepoints not available")
}

func attachTracer(t *testing.T, sink observer.Sink, ids ...registry.ID) observer.Attachment {
	t.Helper()

	tracked, err := registry.New(ids)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cfg := config.DefaultConfig().EBPF
	cfg.BTF.CacheDir = t.TempDir()
	tracer, err := NewTracer(&cfg)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	att, err := tracer.Attach(context.Background(), tracked, sink)
	if errors.Is(err, os.ErrPermission) {
		t.Skipf("attach not permitted: %v", err)
	}
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return att
}

func TestTracerCountsWrittenBytes(t *testing.T) {
	requireTracing(t)

	sink := &lockedSink{}
	att := attachTracer(t, sink, unix.SYS_WRITE)
	defer att.Detach()

	if err := att.(observer.TargetSet).AddTarget(os.Getpid()); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}

	f, err := os.CreateTemp(t.TempDir(), "writes")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	block := make([]byte, 4096)
	for i := 0; i < 10; i++ {
		if _, err := f.Write(block); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		written, calls := sink.snapshot()
		if written >= 10*4096 && calls >= 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observed %d bytes in %d writes, want at least 40960 in 10", written, calls)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-att.Done():
		t.Fatalf("attachment failed: %v", att.Err())
	default:
	}

	if err := att.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	before, _ := sink.snapshot()
	if _, err := f.Write(block); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if after, _ := sink.snapshot(); after != before {
		t.Fatalf("sink saw %d bytes after detach", after-before)
	}
}

func TestTracerReapsExitedTargets(t *testing.T) {
	requireTracing(t)
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	att := attachTracer(t, &lockedSink{}, unix.SYS_WRITE)
	defer att.Detach()
	ts := att.(observer.TargetSet)
	reaper := att.(observer.Reaper)

	child := exec.Command(sleep, "30")
	if err := child.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	pid := child.Process.Pid

	if err := ts.AddTarget(pid); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if got := reaper.ReapExited(); len(got) != 0 {
		t.Fatalf("ReapExited() = %v while the child runs", got)
	}

	_ = child.Process.Kill()
	_ = child.Wait()

	if got := reaper.ReapExited(); len(got) != 1 || got[0] != pid {
		t.Fatalf("ReapExited() = %v, want [%d]", got, pid)
	}
	if got := ts.Targets(); len(got) != 0 {
		t.Fatalf("Targets() = %v after reaping", got)
	}
	if err := ts.AddTarget(pid); !errors.Is(err, observer.ErrTargetExited) {
		t.Fatalf("AddTarget(exited) = %v, want ErrTargetExited", err)
	}
}
