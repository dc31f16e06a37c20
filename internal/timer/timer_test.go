package timer_test

import (
	"context"
	"testing"
	"time"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"github.com/mrzor/kevent/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newKqueue(t *testing.T, f *timer.Filter) *kqueue.Kqueue {
	t.Helper()
	kq := kqueue.New(kqueue.Config{
		Registry: kqueue.NewRegistry(map[int16]kqueue.Filter{event.EVFILT_TIMER: f.Filter()}),
	})
	t.Cleanup(func() { _ = kq.Close() })
	return kq
}

func timerKev(ident uint64, period int64, flags uint16) event.Kevent {
	return event.Kevent{Ident: ident, Filter: event.EVFILT_TIMER, Flags: event.EV_ADD | flags, Data: period}
}

func TestTimer_Fires(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)

	wait := 200 * time.Millisecond
	out := make([]event.Kevent, 1)
	n, err := kq.Kevent(context.Background(), []event.Kevent{timerKev(1, 50, 0)}, out, &wait)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev := out[0]
	assert.Equal(t, uint64(1), ev.Ident)
	assert.GreaterOrEqual(t, ev.Data, int64(1))
	assert.Equal(t, uint32(ev.Data)*50, ev.Fflags)
	assert.NotZero(t, ev.Flags&event.EV_CLEAR, "timers are always EV_CLEAR")
}

func TestTimer_AccumulatesExpirations(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)
	require.NoError(t, kq.Register(timerKev(1, 5, 0)))

	time.Sleep(60 * time.Millisecond)
	out := make([]event.Kevent, 1)
	n, err := kq.Poll(out)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Greater(t, out[0].Data, int64(1))
	assert.Equal(t, uint32(out[0].Data)*5, out[0].Fflags)
}

func TestTimer_Oneshot(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)
	require.NoError(t, kq.Register(timerKev(1, 5, event.EV_ONESHOT)))

	out := make([]event.Kevent, 1)
	n, err := kq.Kevent(context.Background(), nil, out, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(1), out[0].Data)

	assert.Equal(t, 0, kq.Stat().Knotes)
	assert.Equal(t, 0, f.Live())

	wait := 30 * time.Millisecond
	n, err = kq.Kevent(context.Background(), nil, out, &wait)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimer_Units(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)

	kev := timerKev(1, 20000, 0)
	kev.Fflags = event.NOTE_USECONDS
	start := time.Now()
	require.NoError(t, kq.Register(kev))

	out := make([]event.Kevent, 1)
	n, err := kq.Kevent(context.Background(), nil, out, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTimer_InvalidPeriod(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)

	err := kq.Register(timerKev(1, -1, 0))
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.ErrorIs(t, err, event.ErrAttachFailed)

	kev := timerKev(2, 10, 0)
	kev.Fflags = event.NOTE_SECONDS | event.NOTE_USECONDS
	assert.ErrorIs(t, kq.Register(kev), unix.EINVAL)

	assert.Equal(t, 0, f.Live())
	assert.Equal(t, 0, kq.Stat().Knotes)
}

func TestTimer_Limit(t *testing.T) {
	f := timer.New(timer.Config{Limit: 2})
	kq := newKqueue(t, f)
	other := newKqueue(t, f)

	require.NoError(t, kq.Register(timerKev(1, 1000, 0)))
	require.NoError(t, other.Register(timerKev(1, 1000, 0)))

	err := kq.Register(timerKev(2, 1000, 0))
	assert.ErrorIs(t, err, event.ErrOutOfMemory)
	assert.Equal(t, unix.ENOMEM, event.Errno(err))
	assert.Equal(t, 2, f.Live())

	// updating an existing timer does not count against the limit
	require.NoError(t, kq.Register(timerKev(1, 500, 0)))

	require.NoError(t, other.Close())
	assert.Equal(t, 1, f.Live())
	require.NoError(t, kq.Register(timerKev(2, 1000, 0)))
}

func TestTimer_DeleteStopsCallouts(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)
	const n = 100
	for i := range n {
		require.NoError(t, kq.Register(timerKev(uint64(i), 1, 0)))
	}
	assert.Equal(t, n, f.Live())

	for i := range n {
		require.NoError(t, kq.Register(event.Kevent{Ident: uint64(i), Filter: event.EVFILT_TIMER, Flags: event.EV_DELETE}))
	}
	assert.Equal(t, 0, f.Live())
	assert.Equal(t, kqueue.Stat{}, kq.Stat())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, kq.Stat().Pending)
}

func TestTimer_TouchRestarts(t *testing.T) {
	f := timer.New(timer.Config{})
	kq := newKqueue(t, f)
	require.NoError(t, kq.Register(timerKev(1, 10000, 0)))

	// shorten the period
	require.NoError(t, kq.Register(timerKev(1, 10, 0)))

	wait := time.Second
	out := make([]event.Kevent, 1)
	n, err := kq.Kevent(context.Background(), nil, out, &wait)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uint32(out[0].Data)*10, out[0].Fflags)
}
