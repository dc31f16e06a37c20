package kqueue

import (
	"errors"
	"fmt"

	"github.com/mrzor/kevent/internal/event"
	"go.uber.org/zap"
)

// Register applies one change request to the kqueue: it creates, updates,
// enables, disables or deletes the knote identified by (kev.Filter,
// kev.Ident). Filters may call it re-entrantly from their callbacks.
func (kq *Kqueue) Register(kev event.Kevent) error {
	f, ok := kq.registry.Lookup(kev.Filter)
	if !ok {
		return fmt.Errorf("%w: %d", event.ErrInvalidFilter, kev.Filter)
	}

	var desc Descriptor
	if f.IsFD {
		if kq.fds == nil {
			return event.ErrSourceGone
		}
		if desc, ok = kq.fds.Hold(kev.Ident); !ok {
			return event.ErrSourceGone
		}
		// ownership moves to a new knote; otherwise give the hold back
		defer func() {
			if desc != nil {
				desc.Drop()
			}
		}()
	}

	kq.mu.Lock()
	defer kq.mu.Unlock()
	if kq.closed {
		return event.ErrClosed
	}

	var kn *Knote
	for {
		kn = kq.lookupLocked(kev.Filter, kev.Ident, desc)
		if kn == nil || kq.acquireLocked(kn) {
			break
		}
		if kq.closed {
			return event.ErrClosed
		}
	}

	switch {
	case kn == nil && kev.Flags&event.EV_ADD == 0:
		return event.ErrNoSuchEvent

	case kn == nil:
		stored := kev
		stored.Flags &^= event.EV_ADD | event.EV_DELETE | event.EV_ENABLE | event.EV_DISABLE
		kn = newKnote(kq, f, stored)
		kn.desc, desc = desc, nil
		kq.linkLocked(kn)

		if kn.isfd && kq.fds.Closed(kn.ident, kn.desc) {
			kq.rollbackLocked(kn)
			return event.ErrSourceGone
		}

		kq.mu.Unlock()
		err := kn.ops.Attach(kn)
		kq.mu.Lock()
		if err != nil {
			kq.rollbackLocked(kn)
			kq.log.Debug("attach failed",
				zap.String("filter", event.FilterName(kn.filter)),
				zap.Uint64("ident", kn.ident),
				zap.Error(err))
			return attachError(err)
		}
		if kn.isfd && kq.fds.Closed(kn.ident, kn.desc) {
			// closed while attaching; the source holds kn, so detach it
			kn.status |= statusDeleting
			kn.state = ownedPending
			kq.releaseLocked(kn)
			return event.ErrSourceGone
		}

	case kev.Flags&event.EV_ADD != 0:
		kn.sfflags = kev.Fflags
		kn.sdata = kev.Data
		kn.kev.Udata = kev.Udata
		if t, ok := kn.ops.(Toucher); ok {
			kq.mu.Unlock()
			t.Touch(kn)
			kq.mu.Lock()
		}
	}

	if kev.Flags&event.EV_DELETE != 0 {
		kn.status |= statusDeleting
		kn.state = ownedPending
		kq.releaseLocked(kn)
		return nil
	}
	if kev.Flags&event.EV_DISABLE != 0 {
		kn.status |= statusDisabled
		if kn.status&statusQueued != 0 {
			kq.dequeueLocked(kn)
		}
	}
	if kev.Flags&event.EV_ENABLE != 0 {
		kn.status &^= statusDisabled
		if kn.status&(statusActive|statusQueued) == statusActive {
			kq.enqueueLocked(kn)
		}
	}

	// A pending re-evaluation makes this check redundant.
	if kn.state != ownedPending {
		kq.mu.Unlock()
		ready := kn.ops.Event(kn, 0)
		kq.mu.Lock()
		if ready {
			kq.activateLocked(kn)
		}
	}
	kq.releaseLocked(kn)
	return nil
}

func (kq *Kqueue) lookupLocked(filter int16, ident uint64, desc Descriptor) *Knote {
	if desc != nil {
		return desc.Notes().first(func(kn *Knote) bool {
			return kn.kq == kq && kn.filter == filter && kn.ident == ident
		})
	}
	return kq.idents[knoteKey{filter: filter, ident: ident}]
}

func (kq *Kqueue) linkLocked(kn *Knote) {
	kq.knotes[kn] = struct{}{}
	if kn.isfd {
		kn.desc.Notes().Insert(kn)
		return
	}
	kq.idents[kn.key()] = kn
}

// rollbackLocked drops a knote whose attach never completed.
func (kq *Kqueue) rollbackLocked(kn *Knote) {
	kn.status |= statusDetached | statusDeleting
	kn.state = ownedPending
	kq.releaseLocked(kn)
}

func attachError(err error) error {
	for _, sentinel := range []error{
		event.ErrInvalidFilter,
		event.ErrNoSuchEvent,
		event.ErrSourceGone,
		event.ErrOutOfMemory,
		event.ErrAttachFailed,
		event.ErrInterrupted,
		event.ErrClosed,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", event.ErrAttachFailed, err)
}
