package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/registry"
)

// ErrUnsupported is returned when the current platform cannot host eBPF programs
var ErrUnsupported = errors.New("eBPF monitoring is only supported on Linux kernels >= 5.8")

// eventSize is the wire size of one syscall event emitted by sys_exit:
//
//	u32 id; u32 tgid; u64 elapsed_ns; s64 ret
const eventSize = 24

// Watch flags stored per syscall number in the kernel watch map.
const (
	watchTracked uint32 = 1 << iota
	watchRead
	watchWrite
)

// Event is one completed syscall reported by the kernel
type Event struct {
	ID      registry.ID
	TGID    uint32
	Elapsed time.Duration
	Ret     int64
}

func decodeEvent(raw []byte) (Event, error) {
	if len(raw) < eventSize {
		return Event{}, fmt.Errorf("short syscall event: %d bytes", len(raw))
	}
	return Event{
		ID:      registry.ID(binary.LittleEndian.Uint32(raw[0:4])),
		TGID:    binary.LittleEndian.Uint32(raw[4:8]),
		Elapsed: time.Duration(binary.LittleEndian.Uint64(raw[8:16])),
		Ret:     int64(binary.LittleEndian.Uint64(raw[16:24])),
	}, nil
}

// watchFlags computes the kernel watch entries for a tracked set. Byte
// counting needs every read and write class syscall, tracked or not.
func watchFlags(tracked *registry.Registry) map[uint32]uint32 {
	flags := make(map[uint32]uint32, tracked.Len())
	for _, id := range tracked.IDs() {
		flags[uint32(id)] |= watchTracked
	}
	for _, id := range registry.IOSyscalls() {
		switch registry.ClassOf(id) {
		case registry.ClassRead:
			flags[uint32(id)] |= watchRead
		case registry.ClassWrite:
			flags[uint32(id)] |= watchWrite
		}
	}
	return flags
}

// deliver hands one event to sink. Tracked syscalls are timed; read and
// write class syscalls that succeeded contribute their return value as bytes.
func deliver(ev Event, tracked *registry.Registry, sink observer.Sink) {
	if tracked.Contains(ev.ID) {
		sink.RecordSyscall(ev.ID, ev.Elapsed)
	}
	if ev.Ret <= 0 {
		return
	}
	switch registry.ClassOf(ev.ID) {
	case registry.ClassRead:
		sink.RecordIO(uint64(ev.Ret), 0)
	case registry.ClassWrite:
		sink.RecordIO(0, uint64(ev.Ret))
	}
}
