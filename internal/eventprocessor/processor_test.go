package eventprocessor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mrzor/kevent/internal/attributes"
	"github.com/mrzor/kevent/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// recorder is a Handler that logs every call as a string.
type recorder struct {
	calls []string
	err   error
}

func (r *recorder) add(format string, args ...any) error {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return r.err
}

func (r *recorder) HandleProcessChild(_ event.Kevent, pid, ppid int) error {
	return r.add("child %d of %d", pid, ppid)
}

func (r *recorder) HandleProcessFork(_ event.Kevent, pid int) error {
	return r.add("fork %d", pid)
}

func (r *recorder) HandleProcessExec(_ event.Kevent, pid int) error {
	return r.add("exec %d", pid)
}

func (r *recorder) HandleProcessExit(_ event.Kevent, pid, status int) error {
	return r.add("exit %d status %d", pid, status)
}

func (r *recorder) HandleReadable(_ event.Kevent, fd uint64, n int64, eof bool) error {
	return r.add("read %d n=%d eof=%t", fd, n, eof)
}

func (r *recorder) HandleWritable(_ event.Kevent, fd uint64, n int64, eof bool) error {
	return r.add("write %d n=%d eof=%t", fd, n, eof)
}

func (r *recorder) HandleVnode(_ event.Kevent, fd uint64, notes []string) error {
	return r.add("vnode %d %v", fd, notes)
}

func (r *recorder) HandleTimer(_ event.Kevent, ident uint64, expirations int64) error {
	return r.add("timer %d x%d", ident, expirations)
}

func (r *recorder) HandleSignal(_ event.Kevent, sig unix.Signal, count int64) error {
	return r.add("signal %s x%d", unix.SignalName(sig), count)
}

func (r *recorder) HandleChangeError(kev event.Kevent, err error) error {
	return r.add("error %s ident=%d: %v", event.FilterName(kev.Filter), kev.Ident, err)
}

func TestProcessor_Routing(t *testing.T) {
	rec := &recorder{}
	p := NewProcessor(nil, nil, rec)

	batch := []event.Kevent{
		{Ident: 10, Filter: event.EVFILT_PROC, Fflags: event.NOTE_CHILD, Data: 9},
		{Ident: 9, Filter: event.EVFILT_PROC, Fflags: event.NOTE_FORK | event.NOTE_EXEC},
		{Ident: 10, Filter: event.EVFILT_PROC, Flags: event.EV_EOF, Fflags: event.NOTE_EXIT, Data: 1},
		{Ident: 3, Filter: event.EVFILT_READ, Data: 12},
		{Ident: 4, Filter: event.EVFILT_WRITE, Flags: event.EV_EOF},
		{Ident: 5, Filter: event.EVFILT_VNODE, Fflags: event.NOTE_WRITE | event.NOTE_EXTEND},
		{Ident: 1, Filter: event.EVFILT_TIMER, Data: 3},
		{Ident: uint64(unix.SIGUSR1), Filter: event.EVFILT_SIGNAL, Data: 2},
		{Ident: 7, Filter: event.EVFILT_TIMER, Flags: event.EV_ERROR, Data: int64(unix.ENOENT)},
	}
	require.NoError(t, p.HandleEvents(batch))

	want := []string{
		"child 10 of 9",
		"fork 9",
		"exec 9",
		"exit 10 status 1",
		"read 3 n=12 eof=false",
		"write 4 n=0 eof=true",
		"vnode 5 [extend write]",
		"timer 1 x3",
		"signal SIGUSR1 x2",
		"error timer ident=7: no such event",
	}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessor_Matcher(t *testing.T) {
	rec := &recorder{}
	m, err := attributes.NewMatcher(`filter == "timer" && data > 1`)
	require.NoError(t, err)
	p := NewProcessor(m, nil, rec)

	require.NoError(t, p.HandleEvents([]event.Kevent{
		{Ident: 1, Filter: event.EVFILT_TIMER, Data: 1},
		{Ident: 2, Filter: event.EVFILT_TIMER, Data: 4},
		{Ident: 3, Filter: event.EVFILT_READ, Data: 4},
		// errors bypass the matcher
		{Ident: 3, Filter: event.EVFILT_READ, Flags: event.EV_ERROR, Data: int64(unix.EBADF)},
	}))
	assert.Equal(t, []string{"timer 2 x4", "error read ident=3: source gone"}, rec.calls)
}

func TestProcessor_MatcherEnv(t *testing.T) {
	rec := &recorder{}
	m, err := attributes.NewMatcher(`env["MODE"] == "on"`)
	require.NoError(t, err)

	kev := event.Kevent{Ident: 1, Filter: event.EVFILT_TIMER, Data: 1}
	require.NoError(t, NewProcessor(m, map[string]string{"MODE": "off"}, rec).HandleEvent(kev))
	assert.Empty(t, rec.calls)
	require.NoError(t, NewProcessor(m, map[string]string{"MODE": "on"}, rec).HandleEvent(kev))
	assert.Len(t, rec.calls, 1)
}

func TestProcessor_Unroutable(t *testing.T) {
	p := NewProcessor(nil, nil, &recorder{})
	err := p.HandleEvent(event.Kevent{Ident: 1, Filter: event.EVFILT_AIO})
	assert.ErrorContains(t, err, "unroutable event")
}

func TestProcessor_JoinsHandlerErrors(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{err: boom}
	p := NewProcessor(nil, nil, rec)

	err := p.HandleEvents([]event.Kevent{
		{Ident: 1, Filter: event.EVFILT_TIMER, Data: 1},
		{Ident: 2, Filter: event.EVFILT_PROC, Fflags: event.NOTE_FORK | event.NOTE_EXIT},
	})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.calls, 3, "a failing handler does not stop the batch")
}

func TestTee(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("b failed")}
	p := NewProcessor(nil, nil, Tee{a, b})

	err := p.HandleEvent(event.Kevent{Ident: 1, Filter: event.EVFILT_TIMER, Data: 2})
	assert.EqualError(t, err, "b failed")
	assert.Equal(t, []string{"timer 1 x2"}, a.calls)
	assert.Equal(t, a.calls, b.calls)
}
