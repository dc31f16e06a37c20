package kqueue

import "time"

// acquireLocked tries to take ownership of kn. On contention it marks the
// knote so the owner re-evaluates it, drops kq.mu for at most the backoff and
// reports false; the caller must re-resolve the knote since it may be gone.
func (kq *Kqueue) acquireLocked(kn *Knote) bool {
	if kn.dropped {
		return false
	}
	if kn.state == idle {
		kn.state = owned
		return true
	}
	kn.state = ownedPending
	kn.status |= statusWaiting
	wake := kq.knoteWake
	kq.mu.Unlock()

	t := time.NewTimer(kq.backoff)
	select {
	case <-wake:
	case <-t.C:
	}
	t.Stop()

	kq.mu.Lock()
	return false
}

// releaseLocked gives up ownership of kn after replaying any work queued
// on it while it was owned. It reports true when the knote is gone or
// detached from its source.
func (kq *Kqueue) releaseLocked(kn *Knote) bool {
	for kn.state == ownedPending {
		kn.state = owned
		if kn.status&statusWaiting != 0 {
			kn.status &^= statusWaiting
			kq.wakeKnoteWaitersLocked()
		}
		if kn.status&statusDeleting != 0 {
			kq.detachAndDropLocked(kn)
			return true
		}

		hints := kn.hints
		kn.hints = nil
		if len(hints) == 0 {
			hints = []int64{0}
		}
		kq.mu.Unlock()
		ready := false
		for _, hint := range hints {
			if kn.ops.Event(kn, hint) {
				ready = true
			}
		}
		kq.mu.Lock()
		if ready {
			kq.activateLocked(kn)
		}
	}

	detached := kn.status&statusDetached != 0
	kn.state = idle
	if kn.status&statusWaiting != 0 {
		kn.status &^= statusWaiting
		kq.wakeKnoteWaitersLocked()
	}
	return detached
}

// detachAndDropLocked detaches kn from its source unless the filter already
// did, then drops it. kn must be owned.
func (kq *Kqueue) detachAndDropLocked(kn *Knote) {
	if kn.status&statusDetached == 0 {
		kn.status |= statusDetached
		kq.mu.Unlock()
		kn.ops.Detach(kn)
		kq.mu.Lock()
	}
	kq.dropLocked(kn)
}

// dropLocked unlinks kn from every index, releases its descriptor hold and
// wakes threads waiting to acquire it.
func (kq *Kqueue) dropLocked(kn *Knote) {
	if kn.isfd {
		if kn.desc != nil {
			kn.desc.Notes().Delete(kn)
		}
	} else if kq.idents[kn.key()] == kn {
		delete(kq.idents, kn.key())
	}
	delete(kq.knotes, kn)
	if kn.status&statusQueued != 0 {
		kq.dequeueLocked(kn)
	}
	kn.dropped = true
	kn.state = idle
	kn.hints = nil
	kn.status &^= statusWaiting
	kq.wakeKnoteWaitersLocked()

	desc := kn.desc
	kn.desc = nil
	if desc != nil {
		kq.mu.Unlock()
		desc.Drop()
		kq.mu.Lock()
	}
}

// notify delivers hint to kn. It never waits for an owner: if kn is owned
// the hint is recorded and replayed by the owner on release.
func (kq *Kqueue) notify(kn *Knote, hint int64) {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	if kn.dropped {
		return
	}
	if kn.state != idle {
		kn.hints = append(kn.hints, hint)
		kn.state = ownedPending
		return
	}

	kn.state = owned
	kq.mu.Unlock()
	ready := kn.ops.Event(kn, hint)
	kq.mu.Lock()
	if ready {
		kq.activateLocked(kn)
	}
	kq.releaseLocked(kn)
}

// deleteKnote detaches and drops kn, waiting out its current owner. It
// returns once kn is gone, whoever dropped it.
func (kq *Kqueue) deleteKnote(kn *Knote) {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	for !kn.dropped {
		if kq.acquireLocked(kn) {
			kn.status |= statusDeleting
			kn.state = ownedPending
			kq.releaseLocked(kn)
			return
		}
	}
}
