package kqueue

import (
	"fmt"
	"slices"

	"github.com/mrzor/kevent/internal/event"
	"golang.org/x/sys/unix"
)

// FilterOps is the capability a filter provides for its knotes.
//
// Attach binds a new knote to its source. Detach undoes Attach and is not
// called for knotes the filter already detached itself (see
// Knote.MarkDetached). Event reports whether the knote's condition holds,
// updating its fflags and data on the way; hint is zero when the engine
// re-evaluates and filter-specific otherwise.
type FilterOps interface {
	Attach(kn *Knote) error
	Detach(kn *Knote)
	Event(kn *Knote, hint int64) bool
}

// Toucher is implemented by filters that react to an EV_ADD on an existing
// knote, after the saved fflags, data and udata have been replaced.
type Toucher interface {
	Touch(kn *Knote)
}

// Filter is a registry entry.
type Filter struct {
	Ops FilterOps
	// IsFD marks filters whose ident is a descriptor. Their knotes hold the
	// descriptor while attached and live on its subscriber list.
	IsFD bool
}

// Registry maps filter tags to filters. It is immutable once built.
type Registry struct {
	filters map[int16]Filter
}

// NewRegistry builds a registry from the given entries.
func NewRegistry(filters map[int16]Filter) *Registry {
	r := &Registry{filters: make(map[int16]Filter, len(filters))}
	for tag, f := range filters {
		if f.Ops == nil {
			panic(fmt.Sprintf("kqueue: filter %s has no ops", event.FilterName(tag)))
		}
		r.filters[tag] = f
	}
	return r
}

// Lookup returns the filter registered for tag.
func (r *Registry) Lookup(tag int16) (Filter, bool) {
	if r == nil {
		return Filter{}, false
	}
	f, ok := r.filters[tag]
	return f, ok
}

// Tags returns the registered filter tags in kernel order.
func (r *Registry) Tags() []int16 {
	tags := make([]int16, 0, len(r.filters))
	for tag := range r.filters {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	slices.Reverse(tags)
	return tags
}

// Subscribable is implemented by sources that accept knotes. Subscribe is
// called from the generic file filter's Attach with the knote owned; the
// source installs the real ops with Knote.SetOps and links the knote on its
// own notify list.
type Subscribable interface {
	Subscribe(kn *Knote) error
}

// Descriptor is a held reference to a descriptor-table slot.
type Descriptor interface {
	Subscribable
	// Notes is the list of knotes bound through this descriptor.
	Notes() *KList
	// Drop releases the hold taken by Descriptors.Hold.
	Drop()
}

// Descriptors is the descriptor-table collaborator.
type Descriptors interface {
	// Hold resolves fd and takes a reference on it.
	Hold(fd uint64) (Descriptor, bool)
	// Closed reports whether fd no longer refers to d.
	Closed(fd uint64, d Descriptor) bool
}

// SignalSink receives the asynchronous notification of a kqueue set up with
// SetAsync and SetOwner.
type SignalSink interface {
	Signal(sig unix.Signal)
}

// FileFilter is the filter for descriptor-backed sources: its Attach hands
// the knote to the source's Subscribe.
var FileFilter = Filter{Ops: fileOps{}, IsFD: true}

type fileOps struct{}

func (fileOps) Attach(kn *Knote) error {
	if kn.desc == nil {
		return event.ErrSourceGone
	}
	return kn.desc.Subscribe(kn)
}

func (fileOps) Detach(*Knote) {}

func (fileOps) Event(*Knote, int64) bool { return false }

// kqreadOps watches another kqueue: data is its pending count.
type kqreadOps struct{}

func (kqreadOps) Attach(*Knote) error { return nil }

func (kqreadOps) Detach(kn *Knote) {
	kn.hook.(*Kqueue).selNotes.Delete(kn)
}

func (kqreadOps) Event(kn *Knote, _ int64) bool {
	kn.kev.Data = int64(kn.hook.(*Kqueue).Stat().Pending)
	return kn.kev.Data > 0
}
