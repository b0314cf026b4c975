// Command libscaleadapter builds the adapter as a C shared library:
//
//	go build -buildmode=c-shared -o libscaleadapter.so ./cmd/libscaleadapter
//
// The library hosts at most one adapter per process.
package main

/*
#include "bindings.h"
*/
import "C"

import (
	"context"
	"os"
	"sync"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/saworbit/scaleadapter/pkg/adapter"
)

var (
	mu      sync.Mutex
	current *hosted
)

type hosted struct {
	adapter *adapter.Adapter
	reducer *foreignReducer
}

func logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("SCALEADAPTER_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("lib", "scaleadapter").Logger()
}

//export new_adapter
func new_adapter(checkIntervalMs C.uint64_t, syscallNrs *C.int32_t, amountSyscalls C.uintptr_t, calc C.CalcMetricsFunFFI) C.bool {
	mu.Lock()
	defer mu.Unlock()

	log := logger()
	if current != nil {
		log.Error().Msg("an adapter is already running in this process")
		return false
	}
	if calc == nil {
		log.Error().Msg("metric function is required")
		return false
	}

	var ids []int32
	if syscallNrs != nil && amountSyscalls > 0 {
		for _, id := range unsafe.Slice(syscallNrs, int(amountSyscalls)) {
			ids = append(ids, int32(id))
		}
	}

	cfg, err := buildConfig(uint64(checkIntervalMs), ids)
	if err != nil {
		log.Error().Err(err).Msg("invalid adapter configuration")
		return false
	}
	r := newForeignReducer(calc, len(ids))

	a, err := adapter.New(log.WithContext(context.Background()), cfg, r.reduce, adapter.WithLogger(log))
	if err != nil {
		r.free()
		log.Error().Err(err).Msg("adapter construction failed")
		return false
	}

	current = &hosted{adapter: a, reducer: r}
	return true
}

//export add_tracee
func add_tracee(pid C.int32_t) C.bool {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		return false
	}
	if err := current.adapter.AddTarget(int(pid)); err != nil {
		log := logger()
		log.Error().Err(err).Int32("pid", int32(pid)).Msg("add tracee failed")
		return false
	}
	return true
}

//export remove_tracee
func remove_tracee(pid C.int32_t) C.bool {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		return false
	}
	if err := current.adapter.RemoveTarget(int(pid)); err != nil {
		log := logger()
		log.Error().Err(err).Int32("pid", int32(pid)).Msg("remove tracee failed")
		return false
	}
	return true
}

// latest_metrics copies the newest interval metrics into out. It returns
// false when no interval has closed yet or no adapter is running.
//
//export latest_metrics
func latest_metrics(out *C.IntervalMetricsFFI) C.bool {
	mu.Lock()
	defer mu.Unlock()

	if current == nil || out == nil {
		return false
	}
	m, ok := current.adapter.LatestMetrics()
	if !ok {
		return false
	}
	out.scale_metric = C.double(m.ScaleMetric)
	out.idle_metric = C.double(m.IdleMetric)
	out.current_nr_targets = C.uint32_t(m.CurrentNrTargets)
	return true
}

//export close_adapter
func close_adapter() {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		return
	}
	if err := current.adapter.Stop(); err != nil {
		log := logger()
		log.Warn().Err(err).Msg("adapter stop reported an error")
	}
	current.reducer.free()
	current = nil
}

func main() {}
