package kqueue

import (
	"container/list"

	"github.com/mrzor/kevent/internal/event"
)

// ownership is the knote's exclusion state. It replaces the PROCESSING and
// REPROCESS bits: owned means one thread may touch filter-private state,
// ownedPending means another thread asked the owner to re-evaluate the knote
// before giving it up.
type ownership uint8

const (
	idle ownership = iota
	owned
	ownedPending
)

type status uint8

const (
	statusQueued status = 1 << iota
	statusActive
	statusDisabled
	statusWaiting
	statusDeleting
	statusDetached
)

type knoteKey struct {
	filter int16
	ident  uint64
}

// Knote is one subscription: a (source, filter) pair bound to a kqueue.
//
// Methods that read or modify the event record or the filter hook may only
// be called by the knote's current owner, which in practice means from
// inside FilterOps callbacks and Subscribe.
type Knote struct {
	kq     *Kqueue
	ident  uint64
	filter int16
	isfd   bool
	desc   Descriptor

	// guarded by kq.mu
	state   ownership
	status  status
	hints   []int64
	elem    *list.Element
	dropped bool
	marker  bool

	// owner only
	ops     FilterOps
	kev     event.Kevent
	sfflags uint32
	sdata   int64
	hook    any
}

func newKnote(kq *Kqueue, f Filter, kev event.Kevent) *Knote {
	kn := &Knote{
		kq:      kq,
		ident:   kev.Ident,
		filter:  kev.Filter,
		isfd:    f.IsFD,
		ops:     f.Ops,
		sfflags: kev.Fflags,
		sdata:   kev.Data,
		state:   owned,
	}
	kev.Fflags = 0
	kev.Data = 0
	kn.kev = kev
	return kn
}

func (kn *Knote) key() knoteKey {
	return knoteKey{filter: kn.filter, ident: kn.ident}
}

// Kqueue returns the kqueue the knote belongs to.
func (kn *Knote) Kqueue() *Kqueue { return kn.kq }

// Ident returns the source identifier.
func (kn *Knote) Ident() uint64 { return kn.ident }

// Filter returns the filter tag.
func (kn *Knote) Filter() int16 { return kn.filter }

// Descriptor returns the held descriptor of a descriptor-keyed knote.
func (kn *Knote) Descriptor() Descriptor { return kn.desc }

// SFflags returns the fflags supplied at registration.
func (kn *Knote) SFflags() uint32 { return kn.sfflags }

// SData returns the data supplied at registration.
func (kn *Knote) SData() int64 { return kn.sdata }

// Flags returns the knote's event flags.
func (kn *Knote) Flags() uint16 { return kn.kev.Flags }

// SetFlags replaces the knote's event flags.
func (kn *Knote) SetFlags(flags uint16) { kn.kev.Flags = flags }

// Fflags returns the accumulated filter flags.
func (kn *Knote) Fflags() uint32 { return kn.kev.Fflags }

// SetFflags replaces the accumulated filter flags.
func (kn *Knote) SetFflags(fflags uint32) { kn.kev.Fflags = fflags }

// Data returns the accumulated filter data.
func (kn *Knote) Data() int64 { return kn.kev.Data }

// SetData replaces the accumulated filter data.
func (kn *Knote) SetData(data int64) { kn.kev.Data = data }

// Udata returns the user tag.
func (kn *Knote) Udata() any { return kn.kev.Udata }

// Hook returns the filter-private hook.
func (kn *Knote) Hook() any { return kn.hook }

// SetHook stores filter-private state on the knote.
func (kn *Knote) SetHook(hook any) { kn.hook = hook }

// SetOps replaces the knote's filter ops. Sources call it from Subscribe.
func (kn *Knote) SetOps(ops FilterOps) { kn.ops = ops }

// Activate marks the knote active and queues it unless it is disabled or
// already queued.
func (kn *Knote) Activate() {
	kn.kq.mu.Lock()
	defer kn.kq.mu.Unlock()
	kn.kq.activateLocked(kn)
}

// MarkDetached records that the filter released the source on its own; the
// engine will not call Detach when the knote is dropped.
func (kn *Knote) MarkDetached() {
	kn.kq.mu.Lock()
	defer kn.kq.mu.Unlock()
	kn.status |= statusDetached
}

// Detached reports whether the knote is detached from its source.
func (kn *Knote) Detached() bool {
	kn.kq.mu.Lock()
	defer kn.kq.mu.Unlock()
	return kn.status&statusDetached != 0
}

// Notify runs the knote's Event with hint and activates it if the
// condition holds. If another thread owns the knote the hint is handed to
// that owner instead.
func (kn *Knote) Notify(hint int64) {
	kn.kq.notify(kn, hint)
}
