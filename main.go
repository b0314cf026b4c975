package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/scaleadapter/internal/metrics"
	"github.com/saworbit/scaleadapter/internal/version"
	"github.com/saworbit/scaleadapter/pkg/adapter"
	"github.com/saworbit/scaleadapter/pkg/config"
	"github.com/saworbit/scaleadapter/pkg/interval"
	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/reducer"
	"github.com/saworbit/scaleadapter/pkg/registry"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scaleadapter",
		Short:        "ScaleAdapter - syscall driven scaling metrics",
		Version:      version.Version,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd(), newSyscallsCmd())
	return root
}

type runFlags struct {
	syscalls    string
	interval    time.Duration
	metricsAddr string
	alpha       float64
	btfDownload bool
	followAll   bool
	verbose     bool
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a workload and report scaling metrics for every interval",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := applyRunFlags(config.LoadFromEnv(), cmd.Flags(), f)
			if err != nil {
				return err
			}
			return runWorkload(cmd.Context(), cfg, f.verbose, cmd.ErrOrStderr(), args)
		},
	}

	cmd.Flags().StringVar(&f.syscalls, "syscalls", config.DefaultSyscalls, "Tracked syscalls as names or numbers (e.g. read,write,74)")
	cmd.Flags().DurationVar(&f.interval, "interval", time.Second, "Length of one aggregation interval")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().Float64Var(&f.alpha, "alpha", 0, "EMA smoothing factor for scale and idle metrics, 0 disables")
	cmd.Flags().BoolVar(&f.btfDownload, "btf-download", false, "Download kernel BTF from BTFHub when the system has none")
	cmd.Flags().BoolVar(&f.followAll, "follow-all", false, "Observe every process until a target is registered")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log every closed interval")
	return cmd
}

// applyRunFlags overrides environment configuration with flags set on the
// command line.
func applyRunFlags(cfg *config.AdapterConfig, flags *pflag.FlagSet, f runFlags) (*config.AdapterConfig, error) {
	if flags.Changed("syscalls") {
		ids, err := registry.Parse(f.syscalls)
		if err != nil {
			return nil, fmt.Errorf("--syscalls: %w", err)
		}
		cfg.Syscalls = ids
	}
	if flags.Changed("interval") {
		cfg.CheckInterval = f.interval
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if flags.Changed("alpha") {
		cfg.SmoothingAlpha = f.alpha
	}
	if flags.Changed("btf-download") {
		cfg.EBPF.BTF.AllowDownload = f.btfDownload
	}
	if flags.Changed("follow-all") {
		cfg.EBPF.FollowAll = f.followAll
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runWorkload(ctx context.Context, cfg *config.AdapterConfig, verbose bool, logOut io.Writer, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
	ctx = log.WithContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workload := exec.CommandContext(runCtx, args[0], args[1:]...)
	workload.Stdout = os.Stdout
	workload.Stderr = os.Stderr
	workload.Stdin = os.Stdin

	if err := workload.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	a, err := adapter.New(ctx, cfg, reducer.Throughput, adapter.WithTargets(workload.Process.Pid))
	if err != nil {
		_ = workload.Process.Kill()
		_ = workload.Wait()
		return fmt.Errorf("start adapter: %w", err)
	}
	defer a.Stop()

	metrics.SetAgentInfo(runtime.GOOS, runtime.GOARCH, version.Version, "ebpf")

	waitErr, err := supervise(runCtx, cancel, cfg, a, func() error {
		err := workload.Wait()
		log.Info().Int("pid", workload.Process.Pid).Msg("workload exited")
		return err
	})
	if err != nil {
		return err
	}
	if err := a.Stop(); err != nil {
		return err
	}
	return waitErr
}

type supervisedAdapter interface {
	metricsSource
	Done() <-chan struct{}
	Err() error
}

// supervise serves metrics and reports intervals until wait returns. A
// failing metrics endpoint or adapter calls cancel, which ends the workload
// started under ctx. The last target exiting is the normal end of a run.
func supervise(ctx context.Context, cancel context.CancelFunc, cfg *config.AdapterConfig, a supervisedAdapter, wait func() error) (waitErr error, err error) {
	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.MetricsAddr); err != nil {
				cancel()
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-a.Done():
			cancel()
			if err := a.Err(); !errors.Is(err, observer.ErrTargetExited) {
				return err
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		report(gctx, clockwork.NewRealClock(), cfg.CheckInterval, a)
		return nil
	})

	g.Go(func() error {
		waitErr = wait()
		cancel()
		return nil
	})

	err = g.Wait()
	return waitErr, err
}

type metricsSource interface {
	LatestMetrics() (m interval.Metrics, ok bool)
}

// report logs the latest interval metrics once per interval.
func report(ctx context.Context, clock clockwork.Clock, every time.Duration, src metricsSource) {
	log := zerolog.Ctx(ctx)

	ticker := clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m, ok := src.LatestMetrics()
			if !ok {
				continue
			}
			log.Info().
				Float64("scale", m.ScaleMetric).
				Float64("idle", m.IdleMetric).
				Uint32("targets", m.CurrentNrTargets).
				Msg("interval")
		}
	}
}

func newSyscallsCmd() *cobra.Command {
	var ioOnly bool

	cmd := &cobra.Command{
		Use:   "syscalls",
		Short: "List syscalls known on this platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSyscalls(cmd.OutOrStdout(), ioOnly)
		},
	}

	cmd.Flags().BoolVar(&ioOnly, "io", false, "Only list syscalls that transfer bytes")
	return cmd
}

func listSyscalls(out io.Writer, ioOnly bool) error {
	ids := registry.Known()
	if ioOnly {
		ids = registry.IOSyscalls()
	}
	if len(ids) == 0 {
		return fmt.Errorf("no syscall table for %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NR\tNAME\tCLASS")
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, registry.Name(id), registry.ClassOf(id))
	}
	return w.Flush()
}
