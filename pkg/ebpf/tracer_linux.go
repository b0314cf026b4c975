//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/saworbit/scaleadapter/internal/metrics"
	"github.com/saworbit/scaleadapter/pkg/config"
	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/registry"
)

var (
	_ observer.Observer    = (*Tracer)(nil)
	_ observer.TargetSet   = (*attachment)(nil)
	_ observer.DropCounter = (*attachment)(nil)
	_ observer.Reaper      = (*attachment)(nil)
)

// Tracer observes syscalls through the raw_syscalls tracepoints.
type Tracer struct {
	cfg config.EBPFConfig
}

// NewTracer validates cfg and returns a tracer ready to attach.
func NewTracer(cfg *config.EBPFConfig) (*Tracer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ebpf configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracer{cfg: *cfg}, nil
}

// Attach loads the tracepoint programs and starts draining their events into sink.
func (t *Tracer) Attach(ctx context.Context, tracked *registry.Registry, sink observer.Sink) (observer.Attachment, error) {
	if tracked == nil || sink == nil {
		return nil, fmt.Errorf("tracked syscalls and sink are required")
	}

	unknown := lo.Reject(tracked.IDs(), func(id registry.ID, _ int) bool {
		return registry.Supported(id)
	})
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %v are not syscalls on linux/%s", registry.ErrInvalidID, unknown, runtime.GOARCH)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}

	layout := loadLayout(ctx, &t.cfg)
	spec := collectionSpec(t.cfg.RingBufferSize, t.cfg.MaxInFlight, layout)

	a := &attachment{
		followAll: t.cfg.FollowAll,
		tracked:   tracked,
		sink:      sink,
		log:       zerolog.Ctx(ctx).With().Str("component", "ebpf").Logger(),
		alive:     processAlive,
		targets:   make(map[int]struct{}),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	if err := spec.LoadAndAssign(&a.objs, nil); err != nil {
		return nil, fmt.Errorf("load tracepoint programs: %w", err)
	}

	if err := a.init(); err != nil {
		a.release()
		return nil, err
	}

	go a.consume()

	a.log.Info().
		Strs("syscalls", tracked.Names()).
		Bool("follow_all", a.followAll).
		Msg("syscall tracepoints attached")
	return a, nil
}

type attachment struct {
	followAll bool
	tracked   *registry.Registry
	sink      observer.Sink
	log       zerolog.Logger
	alive     func(pid int) bool

	objs   bpfObjects
	links  []link.Link
	reader *ringbuf.Reader

	mu      sync.Mutex
	targets map[int]struct{}

	detachOnce sync.Once
	failOnce   sync.Once
	done       chan struct{}
	stopped    chan struct{}

	errMu sync.Mutex
	err   error
}

func (a *attachment) init() error {
	for id, flags := range watchFlags(a.tracked) {
		if err := a.objs.Watch.Put(id, flags); err != nil {
			return fmt.Errorf("populate watch map (syscall %d): %w", id, err)
		}
	}

	if err := a.applyFilter(); err != nil {
		return err
	}

	enter, err := link.Tracepoint("raw_syscalls", "sys_enter", a.objs.SysEnter, nil)
	if err != nil {
		return fmt.Errorf("attach sys_enter tracepoint: %w", err)
	}
	a.links = append(a.links, enter)

	exit, err := link.Tracepoint("raw_syscalls", "sys_exit", a.objs.SysExit, nil)
	if err != nil {
		return fmt.Errorf("attach sys_exit tracepoint: %w", err)
	}
	a.links = append(a.links, exit)

	reader, err := ringbuf.NewReader(a.objs.Events)
	if err != nil {
		return fmt.Errorf("create syscall ring buffer: %w", err)
	}
	a.reader = reader

	return nil
}

// applyFilter restricts observation to the target set unless following
// everything while no target is registered. Callers hold a.mu or own a.
func (a *attachment) applyFilter() error {
	var enabled uint32 = 1
	if a.followAll && len(a.targets) == 0 {
		enabled = 0
	}
	if err := a.objs.Settings.Put(uint32(settingFilter), enabled); err != nil {
		return fmt.Errorf("update filter setting: %w", err)
	}
	return nil
}

func (a *attachment) consume() {
	defer close(a.stopped)

	var record ringbuf.Record
	for {
		if err := a.reader.ReadInto(&record); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			a.fail(fmt.Errorf("ring buffer read: %w", err))
			return
		}

		ev, err := decodeEvent(record.RawSample)
		if err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed syscall event")
			continue
		}
		deliver(ev, a.tracked, a.sink)
		metrics.ObserveEvents(1)
	}
}

func (a *attachment) fail(cause error) {
	a.failOnce.Do(func() {
		a.errMu.Lock()
		a.err = errors.Join(observer.ErrObservationLost, cause)
		a.errMu.Unlock()

		a.log.Error().Err(cause).Msg("syscall observation lost")
		close(a.done)
	})
}

// Detach stops event delivery and releases the kernel objects.
func (a *attachment) Detach() error {
	a.detachOnce.Do(func() {
		if a.reader != nil {
			_ = a.reader.Close()
			<-a.stopped
		}
		a.release()
		a.log.Info().Msg("syscall tracepoints detached")
	})
	return nil
}

func (a *attachment) release() {
	for _, l := range a.links {
		_ = l.Close()
	}
	a.links = nil
	if err := a.objs.Close(); err != nil {
		a.log.Warn().Err(err).Msg("object close error")
	}
}

func (a *attachment) Done() <-chan struct{} { return a.done }

func (a *attachment) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// AddTarget starts observing the thread group pid, which must be running.
func (a *attachment) AddTarget(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid target pid: %d", pid)
	}
	if !a.alive(pid) {
		return fmt.Errorf("%w: %d", observer.ErrTargetExited, pid)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.targets[pid]; ok {
		return nil
	}
	if len(a.targets) >= maxTargets {
		return fmt.Errorf("target limit of %d reached", maxTargets)
	}
	if err := a.objs.Targets.Put(uint32(pid), uint8(1)); err != nil {
		return fmt.Errorf("add target %d: %w", pid, err)
	}
	a.targets[pid] = struct{}{}
	return a.applyFilter()
}

// RemoveTarget stops observing pid. Removing an unknown pid is a no-op.
func (a *attachment) RemoveTarget(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.targets[pid]; !ok {
		return nil
	}
	if err := a.objs.Targets.Delete(uint32(pid)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("remove target %d: %w", pid, err)
	}
	delete(a.targets, pid)
	return a.applyFilter()
}

// ReapExited stops observing targets that are no longer running.
func (a *attachment) ReapExited() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var exited []int
	for pid := range a.targets {
		if a.alive(pid) {
			continue
		}
		if err := a.objs.Targets.Delete(uint32(pid)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			a.log.Warn().Err(err).Int("pid", pid).Msg("failed to drop exited target")
			continue
		}
		delete(a.targets, pid)
		exited = append(exited, pid)
	}
	if len(exited) == 0 {
		return nil
	}

	if err := a.applyFilter(); err != nil {
		a.log.Warn().Err(err).Msg("failed to update filter after targets exited")
	}
	sort.Ints(exited)
	return exited
}

func (a *attachment) Targets() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	pids := make([]int, 0, len(a.targets))
	for pid := range a.targets {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Dropped sums the per-CPU count of events the ring buffer refused.
func (a *attachment) Dropped() uint64 {
	var perCPU []uint64
	if err := a.objs.Dropped.Lookup(uint32(0), &perCPU); err != nil {
		return 0
	}
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total
}
