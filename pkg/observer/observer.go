package observer

import (
	"context"
	"errors"
	"time"

	"github.com/saworbit/scaleadapter/pkg/registry"
)

var (
	// ErrObservationLost is reported by an attachment whose interception
	// mechanism failed after attach. The attachment is unusable afterwards.
	ErrObservationLost = errors.New("syscall observation lost")

	// ErrTargetExited is returned for target processes that are not running
	ErrTargetExited = errors.New("target process exited")
)

// Sink receives observed activity. interval.Accumulator implements it.
type Sink interface {
	RecordIO(read, write uint64)
	RecordSyscall(id registry.ID, elapsed time.Duration)
}

// Observer intercepts syscalls of a monitored workload
type Observer interface {
	// Attach starts delivering observations for the tracked syscalls to sink.
	Attach(ctx context.Context, tracked *registry.Registry, sink Sink) (Attachment, error)
}

// Attachment is a live observation. Detach is idempotent and no sink call
// happens after it returns.
type Attachment interface {
	Detach() error

	// Done is closed when the attachment fails on its own; Err then
	// returns an error wrapping ErrObservationLost.
	Done() <-chan struct{}
	Err() error
}

// TargetSet is implemented by attachments that observe an explicit set of
// processes rather than everything they can see.
type TargetSet interface {
	AddTarget(pid int) error
	RemoveTarget(pid int) error
	Targets() []int
}

// Reaper is implemented by target sets that can tell when a target exits.
type Reaper interface {
	// ReapExited removes targets that are no longer running and returns
	// their pids in ascending order.
	ReapExited() []int
}

// DropCounter is implemented by attachments whose transport can lose events
type DropCounter interface {
	Dropped() uint64
}

// Func adapts a plain attach function to Observer
type Func func(ctx context.Context, tracked *registry.Registry, sink Sink) (Attachment, error)

func (f Func) Attach(ctx context.Context, tracked *registry.Registry, sink Sink) (Attachment, error) {
	return f(ctx, tracked, sink)
}
