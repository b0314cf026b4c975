package adapter

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/saworbit/scaleadapter/pkg/observer"
)

// Option customises an Adapter at construction
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	observer observer.Observer
	logger   *zerolog.Logger
	targets  []int
}

// WithClock drives interval scheduling from clock instead of the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithObserver replaces the platform's kernel observer.
func WithObserver(obs observer.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the adapter logger. Without it the logger carried by the
// construction context is used.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithTargets registers processes to observe from the start, in addition to
// the configured ones.
func WithTargets(pids ...int) Option {
	return func(o *options) { o.targets = append(o.targets, pids...) }
}
