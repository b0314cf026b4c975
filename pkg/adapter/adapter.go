// Package adapter aggregates syscall activity of a workload into fixed
// intervals and turns every closed interval into scaling metrics.
//
// An Adapter owns one observer attachment. Kernel observers register
// process-wide tracepoints, so run at most one Adapter per process unless
// the observer says otherwise.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/saworbit/scaleadapter/internal/metrics"
	"github.com/saworbit/scaleadapter/pkg/config"
	"github.com/saworbit/scaleadapter/pkg/ebpf"
	"github.com/saworbit/scaleadapter/pkg/interval"
	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/reducer"
	"github.com/saworbit/scaleadapter/pkg/registry"
	"github.com/saworbit/scaleadapter/pkg/scheduler"
)

var (
	// ErrInvalidConfig is returned when construction parameters are unusable
	ErrInvalidConfig = errors.New("invalid adapter configuration")

	// ErrAttach is returned when the observer cannot start observing
	ErrAttach = errors.New("syscall observer attach failed")

	// ErrStopped is returned by operations on a stopped adapter
	ErrStopped = errors.New("adapter stopped")

	// ErrTargetsUnsupported is returned when the observer cannot select processes
	ErrTargetsUnsupported = errors.New("observer does not support target selection")
)

// State of an adapter
type State = scheduler.State

const (
	Stopped = scheduler.Stopped
	Running = scheduler.Running
)

// Adapter is a running scaling adapter.
type Adapter struct {
	cfg     config.AdapterConfig
	reg     *registry.Registry
	acc     *interval.Accumulator
	reducer interval.Reducer
	clock   clockwork.Clock
	log     zerolog.Logger

	att   observer.Attachment
	sched *scheduler.Scheduler

	cancel   context.CancelFunc
	loopDone chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	mu        sync.RWMutex
	state     State
	latest    interval.Metrics
	hasLatest bool
	err       error

	// owned by the scheduler goroutine
	buf     interval.Data
	start   time.Time
	samples []metrics.SyscallSample
}

// New validates cfg, attaches the observer and starts the interval
// scheduler. reducer is called once per closed interval; nil selects
// reducer.Throughput. On error nothing is left running.
func New(ctx context.Context, cfg *config.AdapterConfig, reduce interval.Reducer, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := registry.New(cfg.Syscalls)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if reduce == nil {
		reduce = reducer.Throughput
	}
	if cfg.SmoothingAlpha > 0 {
		if reduce, err = reducer.Smoothed(reduce, cfg.SmoothingAlpha); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	targets := lo.Uniq(append(append([]int{}, cfg.Targets...), o.targets...))
	for _, pid := range targets {
		if pid <= 0 {
			return nil, fmt.Errorf("%w: invalid target pid: %d", ErrInvalidConfig, pid)
		}
	}

	log := zerolog.Ctx(ctx)
	if o.logger != nil {
		log = o.logger
	}

	a := &Adapter{
		cfg:      *cfg,
		reg:      reg,
		acc:      interval.NewAccumulator(reg),
		reducer:  reduce,
		clock:    o.clock,
		log:      log.With().Str("component", "adapter").Logger(),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
		samples:  make([]metrics.SyscallSample, reg.Len()),
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	for i, name := range reg.Names() {
		a.samples[i].Name = name
	}

	a.sched, err = scheduler.New(a.clock, cfg.CheckInterval, a.tick)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	obs := o.observer
	if obs == nil {
		tracer, err := ebpf.NewTracer(&a.cfg.EBPF)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAttach, err)
		}
		obs = tracer
	}

	attachCtx := a.log.WithContext(ctx)
	a.att, err = obs.Attach(attachCtx, reg, a.acc)
	if errors.Is(err, registry.ErrInvalidID) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttach, err)
	}

	if err := a.addInitialTargets(targets); err != nil {
		_ = a.att.Detach()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(a.log.WithContext(context.WithoutCancel(ctx)))
	a.cancel = cancel
	a.state = Running
	a.start = a.clock.Now()

	go a.run(runCtx)
	go a.watch()

	metrics.SetUp(true)
	a.log.Info().
		Dur("interval", cfg.CheckInterval).
		Strs("syscalls", reg.Names()).
		Ints("targets", targets).
		Msg("scaling adapter started")

	return a, nil
}

func (a *Adapter) addInitialTargets(pids []int) error {
	if len(pids) == 0 {
		return nil
	}
	ts, ok := a.att.(observer.TargetSet)
	if !ok {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrTargetsUnsupported)
	}
	for _, pid := range pids {
		if err := ts.AddTarget(pid); err != nil {
			return fmt.Errorf("%w: add target %d: %w", ErrAttach, pid, err)
		}
	}
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.loopDone)
	if err := a.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("interval scheduler exited")
	}
}

// watch stops the adapter when the attachment fails on its own.
func (a *Adapter) watch() {
	select {
	case <-a.att.Done():
		cause := a.att.Err()
		if cause == nil {
			cause = observer.ErrObservationLost
		}
		a.fault(cause)
	case <-a.done:
	}
}

func (a *Adapter) fault(cause error) {
	metrics.ObserveFault()
	a.log.Error().Err(cause).Msg("observation lost, stopping adapter")
	_ = a.shutdown(fmt.Errorf("%w: %w", ErrStopped, cause))
}

// reapTargets drops targets whose process exited. Once the last one is
// gone nothing is observed any more, so the adapter stops unless it was
// configured to follow every process.
func (a *Adapter) reapTargets() {
	r, ok := a.att.(observer.Reaper)
	if !ok {
		return
	}
	exited := r.ReapExited()
	if len(exited) == 0 {
		return
	}

	metrics.ObserveTargetsExited(len(exited))
	remaining := a.Targets()
	a.log.Warn().Ints("pids", exited).Int("remaining", len(remaining)).Msg("targets exited")

	if len(remaining) == 0 && !a.cfg.EBPF.FollowAll {
		// shutdown waits for the scheduler loop this runs on.
		go a.fault(fmt.Errorf("%w: %w", observer.ErrObservationLost, observer.ErrTargetExited))
	}
}

// tick closes the current interval and reduces it. The reducer borrows
// a.buf for the duration of the call.
func (a *Adapter) tick(ctx context.Context) {
	end := a.clock.Now()
	a.acc.SnapshotAndResetInto(&a.buf)
	a.reapTargets()
	a.buf.Start, a.buf.End = a.start, end
	a.buf.Targets = uint32(len(a.Targets()))
	a.start = end

	began := time.Now()
	m := a.reducer(&a.buf)
	finished := time.Now()

	a.mu.Lock()
	a.latest, a.hasLatest = m, true
	a.mu.Unlock()

	for i, s := range a.buf.Syscalls {
		a.samples[i].Count = s.Count
		a.samples[i].TotalTime = time.Duration(s.TotalTime)
	}
	metrics.ObserveInterval(began, finished, a.buf.ReadBytes, a.buf.WriteBytes, a.samples,
		m.ScaleMetric, m.IdleMetric, m.CurrentNrTargets)
	if dc, ok := a.att.(observer.DropCounter); ok {
		metrics.SetDropped(dc.Dropped())
	}

	zerolog.Ctx(ctx).Debug().
		Uint64("read_bytes", a.buf.ReadBytes).
		Uint64("write_bytes", a.buf.WriteBytes).
		Uint64("calls", a.buf.Calls()).
		Float64("scale", m.ScaleMetric).
		Float64("idle", m.IdleMetric).
		Uint32("targets", m.CurrentNrTargets).
		Msg("interval closed")
}

// LatestMetrics returns the metrics of the most recent closed interval. ok is
// false until the first interval closes.
func (a *Adapter) LatestMetrics() (m interval.Metrics, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.hasLatest
}

// Stop ends observation. A reducer call in flight completes and its result
// is kept. Stop is idempotent and must not be called from the reducer.
func (a *Adapter) Stop() error {
	return a.shutdown(nil)
}

func (a *Adapter) shutdown(cause error) error {
	a.stopOnce.Do(func() {
		a.cancel()
		<-a.loopDone

		if err := a.att.Detach(); err != nil {
			a.stopErr = fmt.Errorf("detach observer: %w", err)
		}

		a.mu.Lock()
		a.state = Stopped
		a.err = cause
		a.mu.Unlock()

		metrics.SetUp(false)
		close(a.done)
		a.log.Info().Uint64("intervals", a.sched.Ticks()).Msg("scaling adapter stopped")
	})
	return a.stopErr
}

// Err returns why the adapter stopped on its own, or nil.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Done is closed once the adapter has stopped.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// State reports whether the adapter is running
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Registry returns the tracked syscall set
func (a *Adapter) Registry() *registry.Registry {
	return a.reg
}

// AddTarget starts observing pid.
func (a *Adapter) AddTarget(pid int) error {
	ts, err := a.targetSet()
	if err != nil {
		return err
	}
	if err := ts.AddTarget(pid); err != nil {
		return err
	}
	a.log.Debug().Int("pid", pid).Msg("target added")
	return nil
}

// RemoveTarget stops observing pid.
func (a *Adapter) RemoveTarget(pid int) error {
	ts, err := a.targetSet()
	if err != nil {
		return err
	}
	if err := ts.RemoveTarget(pid); err != nil {
		return err
	}
	a.log.Debug().Int("pid", pid).Msg("target removed")
	return nil
}

// Targets lists observed processes. It is empty for observers without
// target selection.
func (a *Adapter) Targets() []int {
	ts, ok := a.att.(observer.TargetSet)
	if !ok {
		return nil
	}
	return ts.Targets()
}

func (a *Adapter) targetSet() (observer.TargetSet, error) {
	if a.State() == Stopped {
		return nil, ErrStopped
	}
	ts, ok := a.att.(observer.TargetSet)
	if !ok {
		return nil, ErrTargetsUnsupported
	}
	return ts, nil
}
