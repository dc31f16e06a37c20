// Package system wires the event engine to its collaborators: it builds
// the filter registry once, owns the descriptor and process tables, and
// opens kqueues, pipes and watched files as descriptors.
package system

import (
	"fmt"
	"time"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/fdtable"
	"github.com/mrzor/kevent/internal/kqueue"
	"github.com/mrzor/kevent/internal/pipe"
	"github.com/mrzor/kevent/internal/proc"
	"github.com/mrzor/kevent/internal/timer"
	"github.com/mrzor/kevent/internal/vnode"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config configures a System.
type Config struct {
	// CalloutMax caps live timers across all kqueues.
	CalloutMax     int
	AcquireBackoff time.Duration
	PipeCapacity   int
	Logger         *zap.Logger
	Tracer         trace.Tracer
}

// System is one instance of the engine with its tables.
type System struct {
	cfg      Config
	log      *zap.Logger
	registry *kqueue.Registry
	files    *fdtable.Table
	procs    *proc.Table
	timers   *timer.Filter
}

// New builds a system with the standard filters registered.
func New(cfg Config) *System {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &System{
		cfg:    cfg,
		log:    log,
		files:  fdtable.New(log.Named("fdtable")),
		procs:  proc.NewTable(log.Named("proc")),
		timers: timer.New(timer.Config{Limit: cfg.CalloutMax, Logger: log.Named("timer")}),
	}
	s.registry = kqueue.NewRegistry(map[int16]kqueue.Filter{
		event.EVFILT_READ:   kqueue.FileFilter,
		event.EVFILT_WRITE:  kqueue.FileFilter,
		event.EVFILT_VNODE:  kqueue.FileFilter,
		event.EVFILT_PROC:   s.procs.ProcFilter(),
		event.EVFILT_SIGNAL: s.procs.SignalFilter(),
		event.EVFILT_TIMER:  s.timers.Filter(),
	})
	return s
}

// Registry returns the filter registry.
func (s *System) Registry() *kqueue.Registry { return s.registry }

// Files returns the descriptor table.
func (s *System) Files() *fdtable.Table { return s.files }

// Procs returns the process table.
func (s *System) Procs() *proc.Table { return s.procs }

// Timers returns the timer filter.
func (s *System) Timers() *timer.Filter { return s.timers }

// kqfile is a kqueue installed as a descriptor.
type kqfile struct {
	*kqueue.Kqueue
	owner *proc.Process
}

func (f *kqfile) Close() error {
	f.owner.RemoveInterrupter(f.Kqueue)
	return f.Kqueue.Close()
}

// Kqueue opens a kqueue owned by p. Signals delivered to p interrupt its
// sleepers and p's exit tears it down.
func (s *System) Kqueue(p *proc.Process) (uint64, *kqueue.Kqueue, error) {
	if p.Exited() {
		return 0, nil, fmt.Errorf("kqueue for exited pid %d: %w", p.Pid(), unix.ESRCH)
	}
	kq := kqueue.New(kqueue.Config{
		Registry:       s.registry,
		Descriptors:    s.files,
		OwnerPid:       p.Pid(),
		AcquireBackoff: s.cfg.AcquireBackoff,
		Logger:         s.log.Named("kqueue"),
		Tracer:         s.cfg.Tracer,
	})
	kq.SetOwner(p)
	p.AddInterrupter(kq)
	p.OnExit(func() { _ = kq.Close() })
	fd := s.files.Install(&kqfile{Kqueue: kq, owner: p})
	return fd, kq, nil
}

// Pipe opens both ends of a pipe.
func (s *System) Pipe() (rfd, wfd uint64, r *pipe.Reader, w *pipe.Writer) {
	r, w = pipe.New(s.cfg.PipeCapacity)
	rfd = s.files.Install(r)
	wfd = s.files.Install(w)
	return rfd, wfd, r, w
}

// Open opens a watched file.
func (s *System) Open(path string) (uint64, *vnode.File, error) {
	vf, err := vnode.Open(path, s.log.Named("vnode"))
	if err != nil {
		return 0, nil, err
	}
	return s.files.Install(vf), vf, nil
}

// Close closes a descriptor.
func (s *System) Close(fd uint64) error {
	return s.files.Close(fd)
}

// Shutdown closes every descriptor.
func (s *System) Shutdown() error {
	return s.files.CloseAll()
}
