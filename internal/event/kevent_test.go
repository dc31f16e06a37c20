package event

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseFilter(t *testing.T) {
	for f := EVFILT_READ; f >= -EVFILT_SYSCOUNT; f-- {
		got, err := ParseFilter(FilterName(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	got, err := ParseFilter("VNODE")
	require.NoError(t, err)
	assert.Equal(t, EVFILT_VNODE, got)

	_, err = ParseFilter("user")
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Equal(t, "filter(-11)", FilterName(-11))
}

func TestFlagNames(t *testing.T) {
	assert.Nil(t, FlagNames(0))
	assert.Equal(t, []string{"add", "oneshot", "eof"}, FlagNames(EV_ADD|EV_ONESHOT|EV_EOF))

	flag, err := ParseFlag("Clear")
	require.NoError(t, err)
	assert.Equal(t, EV_CLEAR, flag)
	_, err = ParseFlag("flag1")
	assert.Error(t, err)
}

func TestNoteNames(t *testing.T) {
	assert.Equal(t, []string{"exit", "track"}, NoteNames(EVFILT_PROC, NOTE_EXIT|NOTE_TRACK|NOTE_CHILD))
	assert.Equal(t, []string{"attrib", "delete"}, NoteNames(EVFILT_VNODE, NOTE_DELETE|NOTE_ATTRIB))
	assert.Nil(t, NoteNames(EVFILT_READ, 0xff))

	note, err := ParseNote(EVFILT_TIMER, "useconds")
	require.NoError(t, err)
	assert.Equal(t, NOTE_USECONDS, note)
	_, err = ParseNote(EVFILT_SIGNAL, "exit")
	assert.Error(t, err)
}

func TestKeventString(t *testing.T) {
	kev := Kevent{Ident: 3, Filter: EVFILT_READ, Flags: EV_ADD | EV_CLEAR, Data: 12}
	assert.Equal(t, "ident=3 filter=read flags=add|clear fflags=0x0 data=12", kev.String())
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{ErrInvalidFilter, unix.EINVAL},
		{ErrNoSuchEvent, unix.ENOENT},
		{ErrSourceGone, unix.EBADF},
		{ErrOutOfMemory, unix.ENOMEM},
		{ErrAttachFailed, unix.ENODEV},
		{ErrInterrupted, unix.EINTR},
		{ErrClosed, unix.EBADF},
		{fmt.Errorf("%w: %w", ErrAttachFailed, unix.ESRCH), unix.ESRCH},
		{errors.New("other"), unix.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestErrnoError(t *testing.T) {
	assert.ErrorIs(t, ErrnoError(int64(unix.ENOENT)), ErrNoSuchEvent)
	assert.ErrorIs(t, ErrnoError(int64(unix.EBADF)), ErrSourceGone)
	assert.Equal(t, unix.ESRCH, ErrnoError(int64(unix.ESRCH)))
}

func TestChangeError(t *testing.T) {
	err := error(&ChangeError{Index: 2, Change: Kevent{Ident: 9, Filter: EVFILT_TIMER}, Err: ErrNoSuchEvent})
	assert.ErrorIs(t, err, ErrNoSuchEvent)
	assert.Equal(t, "change 2 (timer ident=9): no such event", err.Error())

	var ce *ChangeError
	require.ErrorAs(t, errors.Join(err), &ce)
	assert.Equal(t, 2, ce.Index)
}
