package main

/*
#include "bindings.h"

static IntervalMetricsFFI call_calc(CalcMetricsFunFFI calc, const IntervalDataFFI *data) {
	return calc(data);
}
*/
import "C"

import (
	"unsafe"

	"github.com/saworbit/scaleadapter/pkg/interval"
)

// foreignReducer calls a C metric function. The interval it hands over
// lives in C memory owned by the reducer and is rewritten on every call, so
// the callee must not keep the pointer.
type foreignReducer struct {
	calc  C.CalcMetricsFunFFI
	data  *C.IntervalDataFFI
	stats []C.SyscallData
}

func newForeignReducer(calc C.CalcMetricsFunFFI, slots int) *foreignReducer {
	r := &foreignReducer{
		calc: calc,
		data: (*C.IntervalDataFFI)(C.calloc(1, C.sizeof_IntervalDataFFI)),
	}
	if slots > 0 {
		base := (*C.SyscallData)(C.calloc(C.size_t(slots), C.sizeof_SyscallData))
		r.stats = unsafe.Slice(base, slots)
		r.data.syscalls_data = base
	}
	return r
}

func (r *foreignReducer) reduce(d *interval.Data) interval.Metrics {
	r.data.read_bytes = C.uint64_t(d.ReadBytes)
	r.data.write_bytes = C.uint64_t(d.WriteBytes)
	for i, s := range d.Syscalls {
		r.stats[i].count = C.uint32_t(s.Count)
		r.stats[i].total_time = C.uint64_t(s.TotalTime)
	}

	m := C.call_calc(r.calc, r.data)
	return interval.Metrics{
		ScaleMetric:      float64(m.scale_metric),
		IdleMetric:       float64(m.idle_metric),
		CurrentNrTargets: uint32(m.current_nr_targets),
	}
}

// free releases the C memory. The reducer must not run afterwards.
func (r *foreignReducer) free() {
	if len(r.stats) > 0 {
		C.free(unsafe.Pointer(&r.stats[0]))
	}
	C.free(unsafe.Pointer(r.data))
	r.stats, r.data = nil, nil
}
