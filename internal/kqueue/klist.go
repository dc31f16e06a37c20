package kqueue

import (
	"slices"
	"sync"
)

// KList is a source's list of subscribed knotes. The zero value is ready to
// use. Its lock is never held across a filter callback.
type KList struct {
	mu    sync.Mutex
	notes []*Knote
}

// Insert links kn on the list.
func (l *KList) Insert(kn *Knote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, kn)
}

// Delete unlinks kn and reports whether it was on the list.
func (l *KList) Delete(kn *Knote) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.Index(l.notes, kn)
	if i < 0 {
		return false
	}
	l.notes = slices.Delete(l.notes, i, i+1)
	return true
}

// Len returns the number of linked knotes.
func (l *KList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.notes)
}

func (l *KList) first(match func(*Knote) bool) *Knote {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, kn := range l.notes {
		if match(kn) {
			return kn
		}
	}
	return nil
}

func (l *KList) snapshot() []*Knote {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.notes)
}

// Notify delivers hint to every knote on the list. This is the entry point
// sources use to push a condition change (data arrived, process exited)
// without going through Register.
func (l *KList) Notify(hint int64) {
	for _, kn := range l.snapshot() {
		kn.kq.notify(kn, hint)
	}
}

// Remove deletes every knote on the list. Sources call it when they go away
// for good.
func (l *KList) Remove() {
	for {
		kn := l.first(func(*Knote) bool { return true })
		if kn == nil {
			return
		}
		kn.kq.deleteKnote(kn)
		// no-op unless Detach left kn linked
		l.Delete(kn)
	}
}

// FDClose deletes every knote bound to descriptor fd of table fds from a
// descriptor's subscriber list. The descriptor table calls it before the
// slot can be reused so no knote observes a recycled source.
func FDClose(notes *KList, fds Descriptors, fd uint64) {
	for {
		kn := notes.first(func(kn *Knote) bool {
			return kn.kq.fds == fds && kn.ident == fd
		})
		if kn == nil {
			return
		}
		kn.kq.deleteKnote(kn)
		notes.Delete(kn)
	}
}
