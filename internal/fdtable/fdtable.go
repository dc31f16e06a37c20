// Package fdtable is the descriptor table the event engine resolves
// descriptor-keyed idents against.
//
// Slots are handed out lowest-free first. Closing a descriptor reserves
// its slot until every knote bound to it has been deleted, so a knote can
// never observe the source that later reuses the number.
package fdtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mrzor/kevent/internal/kqueue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Source is an object a descriptor can refer to.
type Source interface {
	kqueue.Subscribable
	Close() error
}

// File is an open descriptor: a reference-counted handle on a Source.
type File struct {
	src   Source
	refs  atomic.Int32
	notes kqueue.KList
	log   *zap.Logger
}

// Source returns the object the file refers to.
func (f *File) Source() Source { return f.src }

// Subscribe hands a knote to the source.
func (f *File) Subscribe(kn *kqueue.Knote) error { return f.src.Subscribe(kn) }

// Notes returns the knotes registered through this file.
func (f *File) Notes() *kqueue.KList { return &f.notes }

// Drop releases one reference; the last one closes the source.
func (f *File) Drop() {
	if f.refs.Add(-1) != 0 {
		return
	}
	if err := f.src.Close(); err != nil {
		f.log.Warn("closing source", zap.Error(err))
	}
}

type slot struct {
	file    *File
	closing bool
}

// Table is a descriptor table.
type Table struct {
	mu    sync.Mutex
	slots []slot
	open  int
	log   *zap.Logger
}

// New creates an empty descriptor table.
func New(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{log: log}
}

// Install opens a descriptor on src in the lowest free slot.
func (t *Table) Install(src Source) uint64 {
	f := &File{src: src, log: t.log}
	f.refs.Store(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.open++
	for fd := range t.slots {
		if t.slots[fd].file == nil && !t.slots[fd].closing {
			t.slots[fd].file = f
			return uint64(fd)
		}
	}
	t.slots = append(t.slots, slot{file: f})
	return uint64(len(t.slots) - 1)
}

// Lookup returns the source behind fd.
func (t *Table) Lookup(fd uint64) (Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fileLocked(fd)
	if f == nil {
		return nil, false
	}
	return f.src, true
}

// Hold resolves fd and takes a reference on it.
func (t *Table) Hold(fd uint64) (kqueue.Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fileLocked(fd)
	if f == nil {
		return nil, false
	}
	f.refs.Add(1)
	return f, true
}

// Closed reports whether fd no longer refers to d.
func (t *Table) Closed(fd uint64, d kqueue.Descriptor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fileLocked(fd)
	return f == nil || kqueue.Descriptor(f) != d
}

// Close closes fd. Knotes registered through it are deleted before the
// slot becomes reusable; the source is closed once the last reference is
// dropped.
func (t *Table) Close(fd uint64) error {
	t.mu.Lock()
	f := t.fileLocked(fd)
	if f == nil {
		t.mu.Unlock()
		return fmt.Errorf("close fd %d: %w", fd, unix.EBADF)
	}
	t.slots[fd].closing = true
	t.mu.Unlock()

	kqueue.FDClose(f.Notes(), t, fd)

	t.mu.Lock()
	t.slots[fd] = slot{}
	t.open--
	t.mu.Unlock()

	f.Drop()
	return nil
}

// CloseAll closes every open descriptor.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	n := len(t.slots)
	t.mu.Unlock()

	var firstErr error
	for fd := range n {
		if _, ok := t.Lookup(uint64(fd)); !ok {
			continue
		}
		if err := t.Close(uint64(fd)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of open descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Table) fileLocked(fd uint64) *File {
	if fd >= uint64(len(t.slots)) || t.slots[fd].closing {
		return nil
	}
	return t.slots[fd].file
}
