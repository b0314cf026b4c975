package interval

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/saworbit/scaleadapter/pkg/registry"
)

type slot struct {
	count atomic.Uint32
	total atomic.Uint64
}

type generation struct {
	readBytes  atomic.Uint64
	writeBytes atomic.Uint64
	slots      []slot
}

// Accumulator aggregates syscall activity for the current interval. Any
// number of goroutines may record concurrently with a single snapshotter.
//
// Recorders hold mu shared while adding to the active generation. A snapshot
// holds mu exclusively only long enough to swap in the spare generation, so
// every record lands in exactly one interval and recorders never wait on the
// drain or on the reducer.
type Accumulator struct {
	reg *registry.Registry

	mu     sync.RWMutex
	active *generation

	snapMu sync.Mutex
	spare  *generation
}

// NewAccumulator creates an accumulator with one slot per tracked syscall
func NewAccumulator(reg *registry.Registry) *Accumulator {
	return &Accumulator{
		reg:    reg,
		active: &generation{slots: make([]slot, reg.Len())},
		spare:  &generation{slots: make([]slot, reg.Len())},
	}
}

// Registry returns the registry the accumulator was built from
func (a *Accumulator) Registry() *registry.Registry {
	return a.reg
}

// RecordIO adds transferred bytes to the running totals
func (a *Accumulator) RecordIO(read, write uint64) {
	if read == 0 && write == 0 {
		return
	}
	a.mu.RLock()
	g := a.active
	if read > 0 {
		g.readBytes.Add(read)
	}
	if write > 0 {
		g.writeBytes.Add(write)
	}
	a.mu.RUnlock()
}

// RecordSyscall counts one completed call of id. Calls for untracked ids are
// ignored.
func (a *Accumulator) RecordSyscall(id registry.ID, elapsed time.Duration) {
	idx, ok := a.reg.Slot(id)
	if !ok {
		return
	}
	var ns uint64
	if elapsed > 0 {
		ns = uint64(elapsed)
	}

	a.mu.RLock()
	s := &a.active.slots[idx]
	s.count.Add(1)
	s.total.Add(ns)
	a.mu.RUnlock()
}

// SnapshotAndReset closes the current interval and returns its totals. The
// returned Data owns its Syscalls slice.
func (a *Accumulator) SnapshotAndReset() Data {
	var d Data
	a.SnapshotAndResetInto(&d)
	return d
}

// SnapshotAndResetInto is SnapshotAndReset reusing dst's Syscalls storage.
// Only the byte and syscall fields of dst are written.
func (a *Accumulator) SnapshotAndResetInto(dst *Data) {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	a.mu.Lock()
	retired := a.active
	a.active = a.spare
	a.mu.Unlock()

	// No recorder can still hold retired: they all released mu before the swap.
	dst.ReadBytes = retired.readBytes.Swap(0)
	dst.WriteBytes = retired.writeBytes.Swap(0)

	n := len(retired.slots)
	if cap(dst.Syscalls) < n {
		dst.Syscalls = make([]SyscallStat, n)
	}
	dst.Syscalls = dst.Syscalls[:n]
	for i := range retired.slots {
		s := &retired.slots[i]
		dst.Syscalls[i] = SyscallStat{
			Count:     s.count.Swap(0),
			TotalTime: s.total.Swap(0),
		}
	}

	a.spare = retired
}
