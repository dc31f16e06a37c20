package eventstream

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"github.com/mrzor/kevent/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type batches chan []event.Kevent

func (b batches) HandleEvents(batch []event.Kevent) error {
	b <- slices.Clone(batch)
	return nil
}

func newTimerKqueue(t *testing.T) *kqueue.Kqueue {
	t.Helper()
	kq := kqueue.New(kqueue.Config{
		Registry: kqueue.NewRegistry(map[int16]kqueue.Filter{
			event.EVFILT_TIMER: timer.New(timer.Config{}).Filter(),
		}),
	})
	t.Cleanup(func() { _ = kq.Close() })
	return kq
}

func TestStream_DeliversBatches(t *testing.T) {
	kq := newTimerKqueue(t)
	require.NoError(t, kq.Register(event.Kevent{Ident: 1, Filter: event.EVFILT_TIMER, Flags: event.EV_ADD, Data: 5}))

	got := make(batches, 16)
	s := New(kq, got, 0, nil)
	require.NoError(t, s.Start(context.Background()))

	for range 3 {
		select {
		case batch := <-got:
			require.Len(t, batch, 1)
			assert.Equal(t, uint64(1), batch[0].Ident)
		case <-time.After(time.Second):
			t.Fatal("no batch delivered")
		}
	}
	require.NoError(t, s.Stop())
	<-s.Done()
}

func TestStream_StopsWhenKqueueCloses(t *testing.T) {
	kq := newTimerKqueue(t)
	s := New(kq, make(batches, 1), 4, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, kq.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream still running after close")
	}
	require.NoError(t, s.Stop())
}

func TestStream_StopsOnContextCancel(t *testing.T) {
	kq := newTimerKqueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(kq, make(batches, 1), 4, nil)
	require.NoError(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream still running after cancel")
	}
	require.NoError(t, s.Stop())
}

// flakySource fails its first waits, then reports ErrClosed.
type flakySource struct {
	calls atomic.Int32
}

func (f *flakySource) Kevent(_ context.Context, _, events []event.Kevent, _ *time.Duration) (int, error) {
	switch f.calls.Add(1) {
	case 1:
		return 0, event.ErrInterrupted
	case 2:
		return 0, errors.New("transient")
	case 3:
		events[0] = event.Kevent{Ident: 9, Filter: event.EVFILT_TIMER}
		return 1, nil
	default:
		return 0, event.ErrClosed
	}
}

type failing struct{}

func (failing) HandleEvents([]event.Kevent) error { return errors.New("handler failed") }

func TestStream_ErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	src := &flakySource{}
	s := New(src, failing{}, 1, zap.New(core))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not exit on ErrClosed")
	}
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(4), src.calls.Load())
	assert.Equal(t, 1, logs.FilterMessage("waiting for events").Len())
	assert.Equal(t, 1, logs.FilterMessage("handling events").Len())
	assert.Equal(t, 1, logs.FilterMessage("kqueue closed, stopping event stream").Len())
}

type brokenSource struct {
	calls atomic.Int32
}

func (b *brokenSource) Kevent(context.Context, []event.Kevent, []event.Kevent, *time.Duration) (int, error) {
	b.calls.Add(1)
	return 0, errors.New("broken")
}

func TestStream_BacksOffOnPersistentError(t *testing.T) {
	src := &brokenSource{}
	s := New(src, failing{}, 1, nil)
	require.NoError(t, s.Start(context.Background()))

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, s.Stop())
	assert.LessOrEqual(t, src.calls.Load(), int32(4))
	assert.GreaterOrEqual(t, src.calls.Load(), int32(1))
}

func TestStream_StopTwice(t *testing.T) {
	kq := newTimerKqueue(t)
	s := New(kq, make(batches, 1), 1, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	assert.NotPanics(t, func() { _ = s.Stop() })
}
