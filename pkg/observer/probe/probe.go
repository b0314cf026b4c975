// Package probe observes syscalls issued through instrumented readers and
// writers inside the current process. It needs no privileges and works on
// every platform, at the cost of only seeing the calls routed through it.
package probe

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/registry"
)

var _ observer.Observer = (*Probe)(nil)

// ErrAttached is returned when a probe is attached twice
var ErrAttached = errors.New("probe already attached")

// Probe is an in-process observer. Observations made while no attachment is
// live are dropped.
type Probe struct {
	clock clockwork.Clock

	mu   sync.RWMutex
	sink observer.Sink
	att  *attachment
}

// New returns a probe timing calls with the real clock
func New() *Probe {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock returns a probe timing calls with clock
func NewWithClock(clock clockwork.Clock) *Probe {
	return &Probe{clock: clock}
}

// Attach implements observer.Observer
func (p *Probe) Attach(_ context.Context, _ *registry.Registry, sink observer.Sink) (observer.Attachment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.att != nil {
		return nil, ErrAttached
	}
	p.sink = sink
	p.att = &attachment{probe: p, done: make(chan struct{})}
	return p.att, nil
}

// Observe records one call of id that took elapsed and moved read/write bytes.
func (p *Probe) Observe(id registry.ID, elapsed time.Duration, read, write uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.sink == nil {
		return
	}
	p.sink.RecordSyscall(id, elapsed)
	p.sink.RecordIO(read, write)
}

// Fail marks the live attachment as lost, as a kernel observer would when
// its interception breaks.
func (p *Probe) Fail(cause error) {
	p.mu.Lock()
	att := p.att
	p.mu.Unlock()

	if att != nil {
		att.fail(cause)
	}
}

// Attached reports whether an attachment is live
func (p *Probe) Attached() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.att != nil
}

func (p *Probe) detach(att *attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.att == att {
		p.att = nil
		p.sink = nil
	}
}

// Reader times every Read on r and records it as syscall id
func (p *Probe) Reader(r io.Reader, id registry.ID) io.Reader {
	return &reader{r: r, id: id, p: p}
}

// Writer times every Write on w and records it as syscall id
func (p *Probe) Writer(w io.Writer, id registry.ID) io.Writer {
	return &writer{w: w, id: id, p: p}
}

type reader struct {
	r  io.Reader
	id registry.ID
	p  *Probe
}

func (r *reader) Read(b []byte) (int, error) {
	start := r.p.clock.Now()
	n, err := r.r.Read(b)
	r.p.Observe(r.id, r.p.clock.Since(start), uint64(max(n, 0)), 0)
	return n, err
}

type writer struct {
	w  io.Writer
	id registry.ID
	p  *Probe
}

func (w *writer) Write(b []byte) (int, error) {
	start := w.p.clock.Now()
	n, err := w.w.Write(b)
	w.p.Observe(w.id, w.p.clock.Since(start), 0, uint64(max(n, 0)))
	return n, err
}

type attachment struct {
	probe *Probe

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (a *attachment) Detach() error {
	a.probe.detach(a)
	return nil
}

func (a *attachment) Done() <-chan struct{} { return a.done }

func (a *attachment) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *attachment) fail(cause error) {
	a.once.Do(func() {
		a.mu.Lock()
		a.err = errors.Join(observer.ErrObservationLost, cause)
		a.mu.Unlock()
		a.probe.detach(a)
		close(a.done)
	})
}
