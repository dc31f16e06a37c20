package kqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrzor/kevent/internal/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errTimedOut = errors.New("kqueue: timed out")

// Kevent applies changes and then collects up to len(events) fired events.
//
// A change that fails is reported as an EV_ERROR entry in events (Data
// holds the errno) while there is room; failures past that are returned as
// a joined error of *event.ChangeError. A nil timeout blocks until an event
// fires, zero polls, and a positive timeout bounds the wait; an expired
// wait returns (0, nil).
func (kq *Kqueue) Kevent(ctx context.Context, changes, events []event.Kevent, timeout *time.Duration) (n int, err error) {
	ctx, span := kq.tracer.Start(ctx, "kqueue.kevent", trace.WithAttributes(
		attribute.String("kqueue.id", kq.id.String()),
		attribute.Int("kqueue.changes", len(changes)),
		attribute.Int("kqueue.capacity", len(events)),
	))
	defer func() {
		span.SetAttributes(attribute.Int("kqueue.delivered", n))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var errs []error
	failed := 0
	for i, change := range changes {
		change.Flags &^= event.EV_SYSFLAGS
		cerr := kq.Register(change)
		if cerr == nil {
			continue
		}
		failed++
		if n < len(events) {
			change.Flags = event.EV_ERROR
			change.Data = int64(event.Errno(cerr))
			events[n] = change
			n++
			continue
		}
		errs = append(errs, &event.ChangeError{Index: i, Change: change, Err: cerr})
	}
	if len(errs) > 0 {
		return n, errors.Join(errs...)
	}
	if failed > 0 {
		if failed == len(changes) || n == len(events) {
			return n, nil
		}
		var poll time.Duration
		m, err := kq.scan(ctx, events[n:], &poll)
		return n + m, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return kq.scan(ctx, events, timeout)
}

// Poll collects ready events without blocking.
func (kq *Kqueue) Poll(events []event.Kevent) (int, error) {
	var poll time.Duration
	return kq.Kevent(context.Background(), nil, events, &poll)
}

func (kq *Kqueue) scan(ctx context.Context, out []event.Kevent, timeout *time.Duration) (int, error) {
	var deadline time.Time
	if timeout != nil && *timeout > 0 {
		deadline = time.Now().Add(*timeout)
	}
	poll := timeout != nil && *timeout <= 0

	kq.mu.Lock()
	defer kq.mu.Unlock()
	interrupts := kq.interrupts
	for {
		if kq.closed {
			return 0, event.ErrClosed
		}
		if kq.count > 0 {
			if n := kq.collectLocked(ctx, out, deadline, poll); n > 0 {
				return n, nil
			}
		}
		if poll {
			return 0, nil
		}
		if kq.count > 0 {
			// everything queued is owned elsewhere
			switch {
			case expired(deadline):
				return 0, nil
			case ctx.Err() != nil:
				return 0, fmt.Errorf("%w: %w", event.ErrInterrupted, ctx.Err())
			case kq.interrupts != interrupts:
				return 0, event.ErrInterrupted
			}
			continue
		}
		switch err := kq.sleepLocked(ctx, deadline, interrupts); {
		case errors.Is(err, errTimedOut):
			return 0, nil
		case err != nil:
			return 0, err
		}
	}
}

// sleepLocked waits for an enqueue, a deadline, an interrupt or ctx.
func (kq *Kqueue) sleepLocked(ctx context.Context, deadline time.Time, interrupts uint64) error {
	if kq.interrupts != interrupts {
		return event.ErrInterrupted
	}
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return errTimedOut
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	kq.sleeping = true
	wake := kq.wake
	kq.mu.Unlock()
	var err error
	select {
	case <-wake:
	case <-expired:
		err = errTimedOut
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", event.ErrInterrupted, ctx.Err())
	}
	kq.mu.Lock()
	if err == nil && kq.interrupts != interrupts {
		err = event.ErrInterrupted
	}
	return err
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// collectLocked makes one pass over the pending queue, bounded by an end
// marker so knotes re-queued during the pass wait for the next one. Once the
// caller may no longer wait, knotes owned by another thread are stepped over;
// they stay queued for the next pass.
func (kq *Kqueue) collectLocked(ctx context.Context, out []event.Kevent, deadline time.Time, poll bool) int {
	cursor := &Knote{kq: kq, marker: true}
	end := &Knote{kq: kq, marker: true}
	cursor.elem = kq.pending.PushFront(cursor)
	end.elem = kq.pending.PushBack(end)
	defer func() {
		kq.pending.Remove(cursor.elem)
		kq.pending.Remove(end.elem)
	}()

	n := 0
	for n < len(out) {
		next := cursor.elem.Next()
		if next == nil || next == end.elem {
			break
		}
		kn := next.Value.(*Knote)
		if kn.marker {
			// another scanner's cursor
			kq.pending.MoveAfter(cursor.elem, next)
			continue
		}
		if kn.state != idle && (poll || expired(deadline) || ctx.Err() != nil) {
			kq.pending.MoveAfter(cursor.elem, next)
			continue
		}
		if !kq.acquireLocked(kn) {
			continue
		}
		kq.dequeueLocked(kn)

		if kn.isfd && kq.fds.Closed(kn.ident, kn.desc) {
			kn.status |= statusDeleting
			kn.state = ownedPending
			kq.releaseLocked(kn)
			continue
		}
		if kn.status&statusDisabled != 0 {
			kq.releaseLocked(kn)
			continue
		}
		if kn.kev.Flags&event.EV_ONESHOT == 0 {
			kq.mu.Unlock()
			ready := kn.ops.Event(kn, 0)
			kq.mu.Lock()
			if !ready {
				kn.status &^= statusActive
				kq.releaseLocked(kn)
				continue
			}
		}

		out[n] = kn.kev
		n++

		switch {
		case kn.kev.Flags&event.EV_ONESHOT != 0:
			kn.status |= statusDeleting
			kn.state = ownedPending
		case kn.kev.Flags&event.EV_CLEAR != 0:
			kn.kev.Data = 0
			kn.kev.Fflags = 0
			kn.status &^= statusActive
		case kn.status&statusQueued == 0:
			kq.enqueueLocked(kn)
		}
		kq.releaseLocked(kn)
	}
	return n
}
