package eventprocessor

import (
	"errors"
	"fmt"

	"github.com/mrzor/kevent/internal/attributes"
	"github.com/mrzor/kevent/internal/event"
	"golang.org/x/sys/unix"
)

// ProcessHandler handles EVFILT_PROC events.
type ProcessHandler interface {
	HandleProcessChild(kev event.Kevent, pid, ppid int) error
	HandleProcessFork(kev event.Kevent, pid int) error
	HandleProcessExec(kev event.Kevent, pid int) error
	HandleProcessExit(kev event.Kevent, pid, status int) error
}

// DescriptorHandler handles descriptor-backed events.
type DescriptorHandler interface {
	HandleReadable(kev event.Kevent, fd uint64, n int64, eof bool) error
	HandleWritable(kev event.Kevent, fd uint64, n int64, eof bool) error
	HandleVnode(kev event.Kevent, fd uint64, notes []string) error
}

// TimerHandler handles EVFILT_TIMER events.
type TimerHandler interface {
	HandleTimer(kev event.Kevent, ident uint64, expirations int64) error
}

// SignalHandler handles EVFILT_SIGNAL events.
type SignalHandler interface {
	HandleSignal(kev event.Kevent, sig unix.Signal, count int64) error
}

// ErrorHandler handles EV_ERROR entries reported for failed changes.
type ErrorHandler interface {
	HandleChangeError(kev event.Kevent, err error) error
}

// Handler is the full set of handlers a Processor routes to.
type Handler interface {
	ProcessHandler
	DescriptorHandler
	TimerHandler
	SignalHandler
	ErrorHandler
}

// Processor coordinates event processing.
type Processor struct {
	matcher *attributes.Matcher
	environ map[string]string
	handler Handler
}

// NewProcessor creates a processor. A nil matcher accepts every event.
func NewProcessor(matcher *attributes.Matcher, environ map[string]string, handler Handler) *Processor {
	if matcher == nil {
		matcher = &attributes.Matcher{}
	}
	return &Processor{matcher: matcher, environ: environ, handler: handler}
}

// HandleEvents processes a batch, returning every handler error joined.
func (p *Processor) HandleEvents(batch []event.Kevent) error {
	var errs []error
	for _, kev := range batch {
		if err := p.HandleEvent(kev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleEvent routes one event by filter to its handler.
func (p *Processor) HandleEvent(kev event.Kevent) error {
	if kev.Flags&event.EV_ERROR != 0 {
		return p.handler.HandleChangeError(kev, event.ErrnoError(kev.Data))
	}

	ok, err := p.matcher.Match(kev, p.environ)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	eof := kev.Flags&event.EV_EOF != 0
	switch kev.Filter {
	case event.EVFILT_PROC:
		return p.handleProc(kev)
	case event.EVFILT_READ:
		return p.handler.HandleReadable(kev, kev.Ident, kev.Data, eof)
	case event.EVFILT_WRITE:
		return p.handler.HandleWritable(kev, kev.Ident, kev.Data, eof)
	case event.EVFILT_VNODE:
		return p.handler.HandleVnode(kev, kev.Ident, event.NoteNames(kev.Filter, kev.Fflags))
	case event.EVFILT_TIMER:
		return p.handler.HandleTimer(kev, kev.Ident, kev.Data)
	case event.EVFILT_SIGNAL:
		return p.handler.HandleSignal(kev, unix.Signal(kev.Ident), kev.Data)
	default:
		return fmt.Errorf("unroutable event: %s", kev)
	}
}

// handleProc dispatches every note set on a proc event; a child
// registration comes first and exit last.
func (p *Processor) handleProc(kev event.Kevent) error {
	pid := int(kev.Ident)
	var errs []error
	if kev.Fflags&event.NOTE_CHILD != 0 {
		errs = append(errs, p.handler.HandleProcessChild(kev, pid, int(kev.Data)))
	}
	if kev.Fflags&event.NOTE_FORK != 0 {
		errs = append(errs, p.handler.HandleProcessFork(kev, pid))
	}
	if kev.Fflags&event.NOTE_EXEC != 0 {
		errs = append(errs, p.handler.HandleProcessExec(kev, pid))
	}
	if kev.Fflags&event.NOTE_EXIT != 0 {
		errs = append(errs, p.handler.HandleProcessExit(kev, pid, int(kev.Data)))
	}
	return errors.Join(errs...)
}

// Tee fans every event out to each handler in order.
type Tee []Handler

func (t Tee) each(fn func(Handler) error) error {
	var errs []error
	for _, h := range t {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) HandleProcessChild(kev event.Kevent, pid, ppid int) error {
	return t.each(func(h Handler) error { return h.HandleProcessChild(kev, pid, ppid) })
}

func (t Tee) HandleProcessFork(kev event.Kevent, pid int) error {
	return t.each(func(h Handler) error { return h.HandleProcessFork(kev, pid) })
}

func (t Tee) HandleProcessExec(kev event.Kevent, pid int) error {
	return t.each(func(h Handler) error { return h.HandleProcessExec(kev, pid) })
}

func (t Tee) HandleProcessExit(kev event.Kevent, pid, status int) error {
	return t.each(func(h Handler) error { return h.HandleProcessExit(kev, pid, status) })
}

func (t Tee) HandleReadable(kev event.Kevent, fd uint64, n int64, eof bool) error {
	return t.each(func(h Handler) error { return h.HandleReadable(kev, fd, n, eof) })
}

func (t Tee) HandleWritable(kev event.Kevent, fd uint64, n int64, eof bool) error {
	return t.each(func(h Handler) error { return h.HandleWritable(kev, fd, n, eof) })
}

func (t Tee) HandleVnode(kev event.Kevent, fd uint64, notes []string) error {
	return t.each(func(h Handler) error { return h.HandleVnode(kev, fd, notes) })
}

func (t Tee) HandleTimer(kev event.Kevent, ident uint64, expirations int64) error {
	return t.each(func(h Handler) error { return h.HandleTimer(kev, ident, expirations) })
}

func (t Tee) HandleSignal(kev event.Kevent, sig unix.Signal, count int64) error {
	return t.each(func(h Handler) error { return h.HandleSignal(kev, sig, count) })
}

func (t Tee) HandleChangeError(kev event.Kevent, err error) error {
	return t.each(func(h Handler) error { return h.HandleChangeError(kev, err) })
}
