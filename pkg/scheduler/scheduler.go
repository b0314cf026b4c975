package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrRunning is returned when Run is called on a scheduler that is already running
var ErrRunning = errors.New("scheduler already running")

// State of a scheduler
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Scheduler invokes tick once per period on the goroutine calling Run.
// Ticks never overlap: a tick that outlasts the period delays the next one
// and ticks missed in the meantime are dropped, not queued.
type Scheduler struct {
	clock  clockwork.Clock
	period time.Duration
	tick   func(ctx context.Context)

	mu    sync.Mutex
	state State
	ticks atomic.Uint64
}

// New builds a scheduler. period must be positive.
func New(clock clockwork.Clock, period time.Duration, tick func(ctx context.Context)) (*Scheduler, error) {
	if period <= 0 {
		return nil, fmt.Errorf("scheduler period must be > 0, got %s", period)
	}
	if tick == nil {
		return nil, errors.New("scheduler tick function is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, period: period, tick: tick}, nil
}

// Run ticks until ctx is cancelled. It returns ctx.Err() after the in-flight
// tick, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.state = Running
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
	}()

	log := zerolog.Ctx(ctx).With().Str("component", "scheduler").Logger()
	log.Debug().Dur("period", s.period).Msg("interval scheduler started")

	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Uint64("ticks", s.ticks.Load()).Msg("interval scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			// Both cases may be ready at once; cancellation wins.
			if ctx.Err() != nil {
				continue
			}
			s.tick(ctx)
			s.ticks.Add(1)
		}
	}
}

// State reports whether Run is active
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ticks returns the number of completed ticks
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Period returns the configured tick period
func (s *Scheduler) Period() time.Duration {
	return s.period
}
