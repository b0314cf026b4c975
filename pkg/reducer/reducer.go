// Package reducer provides ready-made interval reducers.
package reducer

import (
	"fmt"
	"sync"
	"time"

	"github.com/saworbit/scaleadapter/pkg/interval"
)

// Throughput is the default reducer:
//
//	ScaleMetric      bytes read and written per millisecond of interval
//	IdleMetric       fraction of target wall time spent inside tracked syscalls
//	CurrentNrTargets the target count observed for the interval
//
// Both metrics are zero for intervals without a duration.
func Throughput(data *interval.Data) interval.Metrics {
	m := interval.Metrics{CurrentNrTargets: data.Targets}

	dur := data.Duration()
	if dur <= 0 {
		return m
	}

	m.ScaleMetric = float64(data.ReadBytes+data.WriteBytes) / (float64(dur) / float64(time.Millisecond))

	targets := max(data.Targets, 1)
	m.IdleMetric = float64(data.CallTime()) / (float64(dur) * float64(targets))
	return m
}

// Smoothed wraps inner with an exponential moving average over the scale and
// idle metrics. alpha weighs the newest interval and must be within (0, 1];
// 1 disables smoothing.
func Smoothed(inner interval.Reducer, alpha float64) (interval.Reducer, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner reducer is required")
	}
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("smoothing alpha must be within (0, 1], got %v", alpha)
	}

	var (
		mu     sync.Mutex
		primed bool
		scale  float64
		idle   float64
	)
	return func(data *interval.Data) interval.Metrics {
		m := inner(data)

		mu.Lock()
		defer mu.Unlock()
		if !primed {
			scale, idle, primed = m.ScaleMetric, m.IdleMetric, true
		} else {
			scale = alpha*m.ScaleMetric + (1-alpha)*scale
			idle = alpha*m.IdleMetric + (1-alpha)*idle
		}
		m.ScaleMetric, m.IdleMetric = scale, idle
		return m
	}, nil
}
