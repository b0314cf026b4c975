package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/saworbit/scaleadapter/pkg/registry"
)

// MaxIntervalMillis is the longest check interval a time.Duration can hold.
const MaxIntervalMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// ErrIntervalRange is returned for check intervals a time.Duration cannot hold
var ErrIntervalRange = errors.New("check interval out of range")

// DefaultSyscalls are traced when nothing else is configured: read, write,
// fsync, openat and unlinkat.
const DefaultSyscalls = "read,write,fsync,openat,unlinkat"

// AdapterConfig holds configuration for a scaling adapter
type AdapterConfig struct {
	// CheckInterval is the length of one aggregation interval
	CheckInterval time.Duration

	// Syscalls are the tracked syscall numbers; order defines slot order
	Syscalls []int32

	// Targets are process ids observed from the start
	Targets []int

	// MetricsAddr is the listen address of the Prometheus endpoint, empty disables it
	MetricsAddr string

	// SmoothingAlpha enables EMA smoothing of reducer output when > 0
	SmoothingAlpha float64

	// EBPF holds settings for the kernel observer
	EBPF EBPFConfig
}

// EBPFConfig captures settings for the tracepoint based observer
type EBPFConfig struct {
	// RingBufferSize is the kernel to user event buffer in bytes (power of two pages)
	RingBufferSize int
	// MaxInFlight bounds syscalls timed concurrently across all threads
	MaxInFlight int
	// FollowAll observes every process while no target is registered
	FollowAll bool
	BTF       BTFConfig
}

// BTFConfig controls where kernel type information comes from
type BTFConfig struct {
	CacheDir      string
	AllowDownload bool
	HubMirror     string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AdapterConfig {
	return &AdapterConfig{
		CheckInterval:  1000 * time.Millisecond,
		Syscalls:       defaultSyscalls(),
		MetricsAddr:    "",
		SmoothingAlpha: 0,
		EBPF:           defaultEBPFConfig(),
	}
}

// IntervalFromMillis converts a check_interval_ms value. Values above
// MaxIntervalMillis would wrap around and are rejected.
func IntervalFromMillis(ms uint64) (time.Duration, error) {
	if ms > MaxIntervalMillis {
		return 0, fmt.Errorf("%w: %dms exceeds %dms", ErrIntervalRange, ms, MaxIntervalMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *AdapterConfig {
	cfg := DefaultConfig()

	if v := os.Getenv("SCALEADAPTER_CHECK_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			if d, err := IntervalFromMillis(ms); err == nil {
				cfg.CheckInterval = d
			}
		}
	}

	if v := os.Getenv("SCALEADAPTER_SYSCALLS"); v != "" {
		if ids, err := registry.Parse(v); err == nil {
			cfg.Syscalls = ids
		}
	}

	if v := os.Getenv("SCALEADAPTER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if v := os.Getenv("SCALEADAPTER_SMOOTHING_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SmoothingAlpha = f
		}
	}

	cfg.EBPF = loadEBPFConfigFromEnv(cfg.EBPF)

	return cfg
}

// Validate checks if the configuration is valid
func (c *AdapterConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive, got: %s", c.CheckInterval)
	}

	if _, err := registry.New(c.Syscalls); err != nil {
		return fmt.Errorf("syscalls: %w", err)
	}

	for _, pid := range c.Targets {
		if pid <= 0 {
			return fmt.Errorf("invalid target pid: %d", pid)
		}
	}

	if c.SmoothingAlpha < 0 || c.SmoothingAlpha > 1 {
		return fmt.Errorf("smoothing alpha must be within [0, 1], got: %v", c.SmoothingAlpha)
	}

	if err := c.EBPF.Validate(); err != nil {
		return fmt.Errorf("ebpf config invalid: %w", err)
	}

	return nil
}

func defaultSyscalls() []int32 {
	ids, err := registry.Parse(DefaultSyscalls)
	if err != nil {
		// No name table on this platform; fall back to the x86_64 numbers.
		return []int32{0, 1, 74, 257, 263}
	}
	return ids
}

func defaultEBPFConfig() EBPFConfig {
	return EBPFConfig{
		RingBufferSize: 256 * 1024,
		MaxInFlight:    16384,
		FollowAll:      false,
		BTF: BTFConfig{
			CacheDir:      "",
			AllowDownload: false,
			HubMirror:     "",
		},
	}
}

func loadEBPFConfigFromEnv(cfg EBPFConfig) EBPFConfig {
	if v := os.Getenv("SCALEADAPTER_EBPF_RINGBUF_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			cfg.RingBufferSize = size
		}
	}
	if v := os.Getenv("SCALEADAPTER_EBPF_MAX_INFLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInFlight = n
		}
	}
	if v := os.Getenv("SCALEADAPTER_EBPF_FOLLOW_ALL"); v != "" {
		cfg.FollowAll = v == "1" || v == "true" || v == "TRUE"
	}
	if v := os.Getenv("SCALEADAPTER_BTF_CACHE_DIR"); v != "" {
		cfg.BTF.CacheDir = v
	}
	if v := os.Getenv("SCALEADAPTER_BTF_DOWNLOAD"); v != "" {
		cfg.BTF.AllowDownload = v == "1" || v == "true" || v == "TRUE"
	}
	if v := os.Getenv("SCALEADAPTER_BTF_MIRROR"); v != "" {
		cfg.BTF.HubMirror = v
	}

	return cfg
}

// Validate ensures eBPF configuration values are usable by the kernel
func (c EBPFConfig) Validate() error {
	if c.RingBufferSize < os.Getpagesize() || c.RingBufferSize&(c.RingBufferSize-1) != 0 {
		return fmt.Errorf("ring buffer size must be a power of two of at least one page, got: %d", c.RingBufferSize)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max in-flight syscalls must be positive")
	}
	return nil
}
