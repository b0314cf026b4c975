package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "scaleadapter"

var (
	// Registry is a dedicated Prometheus registry for all adapter metrics.
	Registry = prometheus.NewRegistry()

	// IntervalsTotal counts closed intervals.
	IntervalsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intervals_total",
			Help:      "Total number of intervals handed to the metric reducer",
		},
	)

	// ReducerDuration measures time spent inside the metric reducer.
	ReducerDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reducer_duration_ms",
			Help:      "Duration of metric reducer calls in milliseconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// IOBytesTotal accumulates bytes transferred by the monitored workload.
	IOBytesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_bytes_total",
			Help:      "Bytes transferred by observed read and write syscalls",
		},
		[]string{"direction"}, // read | write
	)

	// SyscallsTotal counts tracked syscall invocations.
	SyscallsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syscalls_total",
			Help:      "Invocations of tracked syscalls",
		},
		[]string{"syscall"},
	)

	// SyscallSecondsTotal accumulates time spent in tracked syscalls.
	SyscallSecondsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syscall_seconds_total",
			Help:      "Cumulative time spent inside tracked syscalls",
		},
		[]string{"syscall"},
	)

	// ScaleMetric is the latest scale metric returned by the reducer.
	ScaleMetric = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scale_metric",
			Help:      "Latest scale metric computed for a closed interval",
		},
	)

	// IdleMetric is the latest idle metric returned by the reducer.
	IdleMetric = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_metric",
			Help:      "Latest idle metric computed for a closed interval",
		},
	)

	// Targets is the latest target count returned by the reducer.
	Targets = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_targets",
			Help:      "Latest current_nr_targets computed for a closed interval",
		},
	)

	// ObserverEventsTotal counts syscall events decoded by kernel observers.
	ObserverEventsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_total",
			Help:      "Syscall events received from the kernel observer",
		},
	)

	// ObserverDropped reports events the kernel could not hand over.
	ObserverDropped = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_dropped_events",
			Help:      "Syscall events lost because the ring buffer was full",
		},
	)

	// ObserverFaultsTotal counts attachments lost while running.
	ObserverFaultsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_faults_total",
			Help:      "Observation attachments that failed after start",
		},
	)

	// TargetsExitedTotal counts targets dropped after their process exited.
	TargetsExitedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_exited_total",
			Help:      "Target processes dropped because they exited",
		},
	)

	// AgentInfo exposes static information about the running adapter.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the adapter",
		},
		[]string{"os", "arch", "version", "observer"},
	)

	// Up is a liveness gauge for the adapter.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the adapter is running and observing",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
}

// SetAgentInfo publishes a single info metric for the running adapter.
func SetAgentInfo(osName, arch, version, observer string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if observer == "" {
		observer = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(osName, arch, version, observer).Set(1)
}

// SyscallSample is one tracked syscall's activity in a closed interval
type SyscallSample struct {
	Name      string
	Count     uint32
	TotalTime time.Duration
}

// ObserveInterval records a closed interval and the reducer's verdict.
func ObserveInterval(start time.Time, end time.Time, read, write uint64, calls []SyscallSample, scale, idle float64, targets uint32) {
	elapsed := float64(end.Sub(start)) / float64(time.Millisecond)
	ReducerDuration.Observe(elapsed)
	IntervalsTotal.Inc()

	IOBytesTotal.WithLabelValues("read").Add(float64(read))
	IOBytesTotal.WithLabelValues("write").Add(float64(write))
	for _, c := range calls {
		SyscallsTotal.WithLabelValues(c.Name).Add(float64(c.Count))
		SyscallSecondsTotal.WithLabelValues(c.Name).Add(c.TotalTime.Seconds())
	}

	ScaleMetric.Set(scale)
	IdleMetric.Set(idle)
	Targets.Set(float64(targets))
}

// ObserveEvents counts decoded kernel events.
func ObserveEvents(n int) {
	if n <= 0 {
		return
	}
	ObserverEventsTotal.Add(float64(n))
}

// SetDropped reports the kernel observer's cumulative drop count.
func SetDropped(dropped uint64) {
	ObserverDropped.Set(float64(dropped))
}

// ObserveFault records an observation attachment lost at runtime.
func ObserveFault() {
	ObserverFaultsTotal.Inc()
	SetUp(false)
}

// ObserveTargetsExited counts targets dropped after exiting.
func ObserveTargetsExited(n int) {
	if n <= 0 {
		return
	}
	TargetsExitedTotal.Add(float64(n))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := zerolog.Ctx(ctx).With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info().Str("addr", addr).Msg("prometheus endpoint listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}

// Handler serves the adapter registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
