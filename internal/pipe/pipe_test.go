package pipe_test

import (
	"io"
	"testing"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/fdtable"
	"github.com/mrzor/kevent/internal/kqueue"
	"github.com/mrzor/kevent/internal/pipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipe_ReadWrite(t *testing.T) {
	r, w := pipe.New(4)
	buf := make([]byte, 8)

	_, err := r.Read(buf)
	assert.ErrorIs(t, err, unix.EAGAIN)

	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "short write at capacity")

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, unix.EAGAIN)

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	require.NoError(t, w.Close())
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, unix.EBADF)
}

func TestPipe_WriteAfterReaderClosed(t *testing.T) {
	r, w := pipe.New(0)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, unix.EPIPE)
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, unix.EBADF)
}

type fixture struct {
	fds *fdtable.Table
	kq  *kqueue.Kqueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fds := fdtable.New(nil)
	kq := kqueue.New(kqueue.Config{
		Registry: kqueue.NewRegistry(map[int16]kqueue.Filter{
			event.EVFILT_READ:  kqueue.FileFilter,
			event.EVFILT_WRITE: kqueue.FileFilter,
		}),
		Descriptors: fds,
	})
	t.Cleanup(func() {
		_ = kq.Close()
		_ = fds.CloseAll()
	})
	return &fixture{fds: fds, kq: kq}
}

func (f *fixture) poll(t *testing.T) []event.Kevent {
	t.Helper()
	out := make([]event.Kevent, 4)
	n, err := f.kq.Poll(out)
	require.NoError(t, err)
	return out[:n]
}

func TestPipe_ReadFilter(t *testing.T) {
	f := newFixture(t)
	r, w := pipe.New(0)
	rfd := f.fds.Install(r)
	f.fds.Install(w)

	require.NoError(t, f.kq.Register(event.Kevent{Ident: rfd, Filter: event.EVFILT_READ, Flags: event.EV_ADD}))
	assert.Empty(t, f.poll(t))

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	got := f.poll(t)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].Data)
	assert.Zero(t, got[0].Flags&event.EV_EOF)

	// level-triggered: still readable until drained
	require.Len(t, f.poll(t), 1)
	_, err = r.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Empty(t, f.poll(t))

	require.NoError(t, w.Close())
	got = f.poll(t)
	require.Len(t, got, 1)
	assert.NotZero(t, got[0].Flags&event.EV_EOF)
	assert.Zero(t, got[0].Data)
}

func TestPipe_WriteFilter(t *testing.T) {
	f := newFixture(t)
	r, w := pipe.New(8)
	f.fds.Install(r)
	wfd := f.fds.Install(w)

	require.NoError(t, f.kq.Register(event.Kevent{Ident: wfd, Filter: event.EVFILT_WRITE, Flags: event.EV_ADD | event.EV_CLEAR}))
	got := f.poll(t)
	require.Len(t, got, 1)
	assert.Equal(t, int64(8), got[0].Data)

	_, err := w.Write([]byte("12345678"))
	require.NoError(t, err)
	assert.Empty(t, f.poll(t), "no room")

	_, err = r.Read(make([]byte, 3))
	require.NoError(t, err)
	got = f.poll(t)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Data)

	require.NoError(t, r.Close())
	got = f.poll(t)
	require.Len(t, got, 1)
	assert.NotZero(t, got[0].Flags&event.EV_EOF)
}

func TestPipe_WrongFilter(t *testing.T) {
	f := newFixture(t)
	r, w := pipe.New(0)
	rfd := f.fds.Install(r)
	wfd := f.fds.Install(w)

	err := f.kq.Register(event.Kevent{Ident: rfd, Filter: event.EVFILT_WRITE, Flags: event.EV_ADD})
	assert.ErrorIs(t, err, unix.EOPNOTSUPP)
	err = f.kq.Register(event.Kevent{Ident: wfd, Filter: event.EVFILT_READ, Flags: event.EV_ADD})
	assert.ErrorIs(t, err, unix.EOPNOTSUPP)
	assert.Zero(t, f.kq.Stat().Knotes)
}

func TestPipe_CloseReaderDeletesKnotes(t *testing.T) {
	f := newFixture(t)
	r, w := pipe.New(0)
	rfd := f.fds.Install(r)
	f.fds.Install(w)

	require.NoError(t, f.kq.Register(event.Kevent{Ident: rfd, Filter: event.EVFILT_READ, Flags: event.EV_ADD}))
	require.NoError(t, f.fds.Close(rfd))
	assert.Zero(t, f.kq.Stat().Knotes)
}
