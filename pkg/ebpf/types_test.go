package ebpf

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/saworbit/scaleadapter/pkg/registry"
)

type recordingSink struct {
	read, write uint64
	calls       map[registry.ID][]time.Duration
}

func (s *recordingSink) RecordIO(read, write uint64) {
	s.read += read
	s.write += write
}

func (s *recordingSink) RecordSyscall(id registry.ID, elapsed time.Duration) {
	if s.calls == nil {
		s.calls = make(map[registry.ID][]time.Duration)
	}
	s.calls[id] = append(s.calls[id], elapsed)
}

func encodeEvent(id, tgid uint32, elapsed uint64, ret int64) []byte {
	raw := make([]byte, eventSize)
	binary.LittleEndian.PutUint32(raw[0:4], id)
	binary.LittleEndian.PutUint32(raw[4:8], tgid)
	binary.LittleEndian.PutUint64(raw[8:16], elapsed)
	binary.LittleEndian.PutUint64(raw[16:24], uint64(ret))
	return raw
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent(encodeEvent(1, 4242, 5000, -11))
	if err != nil {
		t.Fatalf("decodeEvent failed: %v", err)
	}

	want := Event{ID: 1, TGID: 4242, Elapsed: 5 * time.Microsecond, Ret: -11}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Fatalf("decoded event mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeEventRejectsShortSamples(t *testing.T) {
	if _, err := decodeEvent(make([]byte, eventSize-1)); err == nil {
		t.Fatalf("expected error for short sample")
	}
}

func TestDeliverTimesTrackedSyscalls(t *testing.T) {
	tracked, err := registry.New([]registry.ID{500, 501})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	sink := &recordingSink{}
	deliver(Event{ID: 500, Elapsed: 10 * time.Microsecond, Ret: 0}, tracked, sink)
	deliver(Event{ID: 502, Elapsed: time.Millisecond, Ret: 0}, tracked, sink)

	want := map[registry.ID][]time.Duration{500: {10 * time.Microsecond}}
	if diff := cmp.Diff(want, sink.calls); diff != "" {
		t.Fatalf("recorded calls mismatch (-want +got):\n%s", diff)
	}
	if sink.read != 0 || sink.write != 0 {
		t.Fatalf("unclassified syscalls must not count bytes, got %d/%d", sink.read, sink.write)
	}
}
