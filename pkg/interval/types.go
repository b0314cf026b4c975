package interval

import "time"

// SyscallStat is the activity of one tracked syscall within an interval.
// TotalTime is in nanoseconds.
type SyscallStat struct {
	Count     uint32
	TotalTime uint64
}

// Data is the aggregate of one completed interval. Syscalls is aligned with
// the registry: Syscalls[i] belongs to the i-th tracked syscall.
//
// Data handed to a Reducer is only valid for the duration of the call; the
// Syscalls backing array is reused for the next interval.
type Data struct {
	ReadBytes  uint64
	WriteBytes uint64
	Syscalls   []SyscallStat

	// Targets is the number of monitored targets when the interval closed
	Targets uint32
	Start   time.Time
	End     time.Time
}

// Duration of the interval, zero when timestamps are unset
func (d *Data) Duration() time.Duration {
	if d.Start.IsZero() || d.End.Before(d.Start) {
		return 0
	}
	return d.End.Sub(d.Start)
}

// Calls sums invocation counts over all tracked syscalls
func (d *Data) Calls() uint64 {
	var total uint64
	for _, s := range d.Syscalls {
		total += uint64(s.Count)
	}
	return total
}

// CallTime sums the time spent in all tracked syscalls
func (d *Data) CallTime() time.Duration {
	var total uint64
	for _, s := range d.Syscalls {
		total += s.TotalTime
	}
	return time.Duration(total)
}

// Clone returns a copy that does not share the Syscalls backing array
func (d *Data) Clone() Data {
	out := *d
	out.Syscalls = append([]SyscallStat(nil), d.Syscalls...)
	return out
}

// Metrics is a reducer's verdict for the interval that just closed.
type Metrics struct {
	ScaleMetric      float64
	IdleMetric       float64
	CurrentNrTargets uint32
}

// Reducer turns one interval into scaling metrics. It is invoked
// synchronously, never concurrently with itself, and must not retain data.
type Reducer func(data *Data) Metrics
