// kqwatch subscribes to timers, files, signals and an optional child
// process on an in-process kqueue and reports every fired event as a log
// line and, when an OTLP endpoint is configured, as OpenTelemetry spans.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/kevent/internal/attributes"
	"github.com/mrzor/kevent/internal/config"
	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/eventprocessor"
	"github.com/mrzor/kevent/internal/eventstream"
	"github.com/mrzor/kevent/internal/kqueue"
	"github.com/mrzor/kevent/internal/otel"
	"github.com/mrzor/kevent/internal/output"
	"github.com/mrzor/kevent/internal/proc"
	"github.com/mrzor/kevent/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options holds the command line flags.
type options struct {
	watchFile string
	timers    []int64
	paths     []string
	signals   []string
	match     string
	attrs     []string
	batch     int
	timeout   time.Duration
	traceID   string
	verbose   bool
}

var vnodeNotes = event.NOTE_DELETE | event.NOTE_WRITE | event.NOTE_EXTEND | event.NOTE_ATTRIB | event.NOTE_RENAME

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "kqwatch [flags] [-- command [args...]]",
		Short: "Watch kernel-style events on an in-process kqueue",
		Long: `kqwatch registers timers, watched files and signals on a kqueue and
reports every event that fires. When a command follows "--", kqwatch runs
it, watches it for NOTE_EXIT and stops once it has exited.

Engine tunables come from KQ_* environment variables; tracing is enabled
by the standard OTEL_EXPORTER_OTLP_* variables.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.watchFile, "watch-file", "f", "", "YAML file describing watches")
	f.Int64SliceVar(&opts.timers, "timer", nil, "periodic timer in milliseconds (repeatable)")
	f.StringSliceVar(&opts.paths, "path", nil, "file to watch for vnode changes (repeatable)")
	f.StringSliceVar(&opts.signals, "signal", nil, "signal to count, such as SIGUSR1 (repeatable)")
	f.StringVar(&opts.match, "match", "", "only report events matching this expression")
	f.StringArrayVar(&opts.attrs, "attr", nil, "custom attribute as name=expression (repeatable)")
	f.IntVar(&opts.batch, "batch", 0, "events collected per wait (default KQ_BATCH_SIZE)")
	f.DurationVar(&opts.timeout, "timeout", 0, "stop after this long (0 waits for the command or a signal)")
	f.StringVar(&opts.traceID, "trace-id", "", "trace ID (32 hex characters) or any string hashed into one")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

// newLogger builds the production logger at the configured level.
func newLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// setupOTEL initializes the OTEL provider and returns it with a cleanup function.
func setupOTEL(ctx context.Context, logger *zap.Logger) (otel.Provider, bool, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	provider, err := otel.InitProvider(ctx, otelCfg, logger)
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}
	return provider, otelCfg.Enabled(), cleanup, nil
}

// adoptSelf enters this program in the process table so kqueues have an
// owner that receives forwarded signals.
func adoptSelf(procs *proc.Table) (*proc.Process, error) {
	self, err := procs.Adopt(os.Getpid(), 0, os.Args)
	if err == nil {
		return self, nil
	}
	// pid outside the modeled range
	return procs.Spawn(0, os.Args)
}

// buildChanges turns the watch file and flags into EV_ADD requests,
// opening watched paths as descriptors.
func buildChanges(sys *system.System, opts *options, wf *config.WatchFile) ([]event.Kevent, []string, error) {
	var changes []event.Kevent
	var forward []string

	if wf != nil {
		for i := range wf.Watches {
			w := &wf.Watches[i]
			var fd uint64
			if w.Path != "" {
				var err error
				if fd, _, err = sys.Open(w.Path); err != nil {
					return nil, nil, fmt.Errorf("watch %d: %w", i, err)
				}
			}
			kev, err := w.Kevent(fd)
			if err != nil {
				return nil, nil, fmt.Errorf("watch %d: %w", i, err)
			}
			if kev.Filter == event.EVFILT_SIGNAL {
				forward = append(forward, w.Signal)
			}
			changes = append(changes, kev)
		}
	}

	for i, ms := range opts.timers {
		changes = append(changes, event.Kevent{
			Ident:  uint64(i + 1), //nolint:gosec // small index
			Filter: event.EVFILT_TIMER,
			Flags:  event.EV_ADD,
			Data:   ms,
			Udata:  fmt.Sprintf("timer:%dms", ms),
		})
	}
	for _, path := range opts.paths {
		fd, _, err := sys.Open(path)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, event.Kevent{
			Ident:  fd,
			Filter: event.EVFILT_VNODE,
			Flags:  event.EV_ADD | event.EV_CLEAR,
			Fflags: vnodeNotes,
			Udata:  path,
		})
	}
	for _, name := range opts.signals {
		sig, err := config.ParseSignal(name)
		if err != nil {
			return nil, nil, err
		}
		changes = append(changes, event.Kevent{
			Ident:  uint64(sig),
			Filter: event.EVFILT_SIGNAL,
			Flags:  event.EV_ADD,
			Udata:  unix.SignalName(sig),
		})
		forward = append(forward, name)
	}
	return changes, forward, nil
}

// setupHandler builds the matcher and the formatters.
func setupHandler(opts *options, wf *config.WatchFile, provider otel.Provider, tracing bool, logger *zap.Logger) (*eventprocessor.Processor, func(), error) {
	matchExpr := opts.match
	var customs []attributes.Custom
	if wf != nil {
		if matchExpr == "" {
			matchExpr = wf.Match
		}
		customs = attributes.FromMap(wf.Attributes)
	}
	for _, a := range opts.attrs {
		c, err := attributes.ParseCustom(a)
		if err != nil {
			return nil, nil, err
		}
		customs = append(customs, c)
	}

	matcher, err := attributes.NewMatcher(matchExpr)
	if err != nil {
		return nil, nil, err
	}
	evaluator, err := attributes.NewEvaluator(customs, logger.Named("attributes"))
	if err != nil {
		return nil, nil, err
	}

	environ := attributes.Environ()
	handlers := eventprocessor.Tee{output.NewTextFormatter(logger.Named("events"), evaluator, environ)}
	cleanup := func() {}
	if tracing {
		traceID, hashed := attributes.TraceID(opts.traceID)
		if hashed {
			logger.Info("trace ID derived from string", zap.String("trace_id", traceID.String()))
		}
		formatter := output.NewOTELFormatter(provider.Tracer(), traceID, evaluator, environ)
		handlers = append(handlers, formatter)
		cleanup = formatter.Close
	}
	return eventprocessor.NewProcessor(matcher, environ, handlers), cleanup, nil
}

// startCommand runs the child, enters it in the process table and watches
// it for NOTE_EXIT.
func startCommand(sys *system.System, kq *kqueue.Kqueue, self *proc.Process, args []string, logger *zap.Logger) (*exec.Cmd, *proc.Process, error) {
	//nolint:gosec // running the given command is the purpose of this tool
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting command: %w", err)
	}

	child, err := sys.Procs().Adopt(cmd.Process.Pid, self.Pid(), args)
	if err != nil {
		logger.Warn("child pid outside the process table, not watching it", zap.Error(err))
		return cmd, nil, nil
	}
	err = kq.Register(event.Kevent{
		Ident:  uint64(child.Pid()), //nolint:gosec // pids are positive
		Filter: event.EVFILT_PROC,
		Flags:  event.EV_ADD,
		Fflags: event.NOTE_EXIT | event.NOTE_EXEC | event.NOTE_FORK,
		Udata:  args[0],
	})
	if err != nil {
		return cmd, child, fmt.Errorf("watching command: %w", err)
	}
	logger.Info("watching command", zap.Int("pid", child.Pid()), zap.Strings("args", args))
	return cmd, child, nil
}

// exitStatus maps a finished command to a shell-style status.
func exitStatus(state *os.ProcessState) int {
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return 1
}

func run(ctx context.Context, opts *options, args []string) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting kqwatch", zap.String("version", version), zap.String("commit", commit))

	var wf *config.WatchFile
	if opts.watchFile != "" {
		if wf, err = config.LoadWatchFile(opts.watchFile); err != nil {
			return err
		}
	}
	if wf == nil && len(opts.timers)+len(opts.paths)+len(opts.signals)+len(args) == 0 {
		return errors.New("nothing to watch: pass --watch-file, --timer, --path, --signal or a command")
	}

	provider, tracing, cleanupOTEL, err := setupOTEL(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	sys := system.New(system.Config{
		CalloutMax:     cfg.CalloutMax,
		AcquireBackoff: cfg.AcquireBackoff,
		Logger:         logger,
		Tracer:         provider.Tracer(),
	})
	defer func() {
		if err := sys.Shutdown(); err != nil {
			logger.Warn("closing descriptors", zap.Error(err))
		}
	}()

	self, err := adoptSelf(sys.Procs())
	if err != nil {
		return err
	}
	_, kq, err := sys.Kqueue(self)
	if err != nil {
		return err
	}

	processor, closeFormatters, err := setupHandler(opts, wf, provider, tracing, logger)
	if err != nil {
		return err
	}
	defer closeFormatters()

	changes, forward, err := buildChanges(sys, opts, wf)
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		// Failed changes come back as EV_ERROR entries and are reported
		// like any other event.
		var poll time.Duration
		out := make([]event.Kevent, len(changes))
		n, err := kq.Kevent(ctx, changes, out, &poll)
		if err != nil {
			return err
		}
		if err := processor.HandleEvents(out[:n]); err != nil {
			logger.Warn("handling events", zap.Error(err))
		}
	}

	batch := opts.batch
	if batch <= 0 {
		batch = cfg.BatchSize
	}
	if opts.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := eventstream.New(kq, processor, batch, logger.Named("stream"))
	if err := stream.Start(ctx); err != nil {
		return err
	}

	var cmd *exec.Cmd
	var child *proc.Process
	if len(args) > 0 {
		if cmd, child, err = startCommand(sys, kq, self, args, logger); err != nil {
			_ = stream.Stop()
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	notify := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	for _, name := range forward {
		sig, err := config.ParseSignal(name)
		if err != nil {
			return err
		}
		notify = append(notify, sig)
	}
	signal.Notify(sigCh, notify...)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	if cmd != nil {
		g.Go(func() error {
			defer cancel()
			err := cmd.Wait()
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return fmt.Errorf("waiting for command: %w", err)
			}
			status := exitStatus(cmd.ProcessState)
			if child != nil {
				sys.Procs().Exit(child, status)
			}
			logger.Info("command finished", zap.Int("status", status))
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-stream.Done():
				cancel()
				return nil
			case sig := <-sigCh:
				s, _ := sig.(syscall.Signal)
				if s == syscall.SIGINT || s == syscall.SIGTERM {
					if cmd == nil {
						logger.Info("received signal, stopping", zap.String("signal", sig.String()))
						cancel()
						return nil
					}
					_ = cmd.Process.Signal(sig) //nolint:errcheck // best effort; Wait reports the outcome
					continue
				}
				self.Signal(s)
			}
		}
	})
	waitErr := g.Wait()

	if err := stream.Stop(); err != nil {
		logger.Warn("stopping stream", zap.Error(err))
	}
	drain(kq, processor, batch, logger)
	return waitErr
}

// drainRounds bounds the final drain; level-triggered knotes stay ready.
const drainRounds = 4

// drain hands over whatever is still pending once the stream has stopped.
func drain(kq *kqueue.Kqueue, processor *eventprocessor.Processor, batch int, logger *zap.Logger) {
	events := make([]event.Kevent, batch)
	for range drainRounds {
		n, err := kq.Poll(events)
		if err != nil || n == 0 {
			return
		}
		if err := processor.HandleEvents(events[:n]); err != nil {
			logger.Warn("handling events", zap.Error(err))
		}
	}
}
