// Package eventstream drains a kqueue in the background.
package eventstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mrzor/kevent/internal/event"
	"go.uber.org/zap"
)

// DefaultBatch is the number of events collected per wait.
const DefaultBatch = 64

// errorBackoff is the pause after a failed wait.
const errorBackoff = 100 * time.Millisecond

// Source is the wait side of a kqueue.
type Source interface {
	Kevent(ctx context.Context, changes, events []event.Kevent, timeout *time.Duration) (int, error)
}

// BatchHandler consumes one collected batch.
type BatchHandler interface {
	HandleEvents(batch []event.Kevent) error
}

// Stream waits on a kqueue and dispatches each batch to a handler.
type Stream struct {
	src     Source
	handler BatchHandler
	batch   int
	log     *zap.Logger
	cancel  context.CancelFunc
	stopCh  chan struct{}
	stop    sync.Once
	done    chan struct{}
}

// New creates a Stream collecting up to batch events per wait.
func New(src Source, handler BatchHandler, batch int, log *zap.Logger) *Stream {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		src:     src,
		handler: handler,
		batch:   batch,
		log:     log,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins waiting for events in a goroutine. It returns immediately
// and processes events in the background until the context is cancelled,
// Stop is called or the kqueue is closed.
func (s *Stream) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.processEvents(ctx)
	return nil
}

// Stop ends the event loop and waits for it to exit. It may be called more
// than once.
func (s *Stream) Stop() error {
	s.stop.Do(func() { close(s.stopCh) })
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Done is closed once the event loop has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// processEvents is the main event loop.
func (s *Stream) processEvents(ctx context.Context) {
	defer close(s.done)
	events := make([]event.Kevent, s.batch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		n, err := s.src.Kevent(ctx, nil, events, nil)
		switch {
		case errors.Is(err, event.ErrClosed):
			s.log.Debug("kqueue closed, stopping event stream")
			return
		case errors.Is(err, event.ErrInterrupted):
			continue
		case err != nil:
			s.log.Error("waiting for events", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		if err := s.handler.HandleEvents(events[:n]); err != nil {
			s.log.Warn("handling events", zap.Error(err))
		}
	}
}
