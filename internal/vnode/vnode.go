// Package vnode exposes a file on disk as an event source. Changes are
// observed with fsnotify and reported to EVFILT_VNODE knotes as
// NOTE_WRITE, NOTE_EXTEND, NOTE_ATTRIB, NOTE_DELETE and NOTE_RENAME.
// EVFILT_READ knotes report the bytes left between the read offset and
// the end of the file.
package vnode

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// File is an open file watched for changes.
type File struct {
	path    string
	watcher *fsnotify.Watcher
	log     *zap.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu     sync.Mutex
	f      *os.File
	offset int64
	size   int64
	closed bool

	notes     kqueue.KList // EVFILT_VNODE
	readNotes kqueue.KList // EVFILT_READ
}

// Open opens path for reading and starts watching it.
func Open(path string, log *zap.Logger) (*File, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	vf := &File{
		path:    path,
		watcher: watcher,
		log:     log.With(zap.String("path", path)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		f:       f,
		size:    st.Size(),
	}
	go vf.run()
	return vf, nil
}

// Path returns the watched path.
func (vf *File) Path() string { return vf.path }

// Read reads from the current offset.
func (vf *File) Read(b []byte) (int, error) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if vf.closed {
		return 0, unix.EBADF
	}
	n, err := vf.f.ReadAt(b, vf.offset)
	vf.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Close stops the watcher and deletes the remaining knotes.
func (vf *File) Close() error {
	vf.mu.Lock()
	if vf.closed {
		vf.mu.Unlock()
		return nil
	}
	vf.closed = true
	vf.mu.Unlock()

	close(vf.stopCh)
	<-vf.doneCh
	werr := vf.watcher.Close()

	vf.notes.Remove()
	vf.readNotes.Remove()

	vf.mu.Lock()
	ferr := vf.f.Close()
	vf.mu.Unlock()
	if werr != nil {
		return werr
	}
	return ferr
}

// Subscribe accepts EVFILT_VNODE and EVFILT_READ knotes.
func (vf *File) Subscribe(kn *kqueue.Knote) error {
	switch kn.Filter() {
	case event.EVFILT_VNODE:
		kn.SetOps(vnodeOps{})
		kn.SetHook(vf)
		vf.notes.Insert(kn)
	case event.EVFILT_READ:
		kn.SetOps(readOps{})
		kn.SetHook(vf)
		vf.readNotes.Insert(kn)
	default:
		return fmt.Errorf("vnode does not support %s: %w", event.FilterName(kn.Filter()), unix.EOPNOTSUPP)
	}
	return nil
}

func (vf *File) run() {
	defer close(vf.doneCh)
	for {
		select {
		case <-vf.stopCh:
			return

		case ev, ok := <-vf.watcher.Events:
			if !ok {
				return
			}
			vf.handleEvent(ev)

		case err, ok := <-vf.watcher.Errors:
			if !ok {
				return
			}
			vf.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleEvent translates one fsnotify event into vnode notes.
func (vf *File) handleEvent(ev fsnotify.Event) {
	var hint uint32
	if ev.Op&fsnotify.Write != 0 {
		hint |= event.NOTE_WRITE
		if st, err := os.Stat(vf.path); err == nil {
			vf.mu.Lock()
			if st.Size() > vf.size {
				hint |= event.NOTE_EXTEND
			}
			vf.size = st.Size()
			vf.mu.Unlock()
		}
	}
	if ev.Op&fsnotify.Chmod != 0 {
		hint |= event.NOTE_ATTRIB
	}
	if ev.Op&fsnotify.Remove != 0 {
		hint |= event.NOTE_DELETE
	}
	if ev.Op&fsnotify.Rename != 0 {
		hint |= event.NOTE_RENAME
	}
	if hint == 0 {
		return
	}

	vf.log.Debug("vnode event", zap.Stringer("op", ev.Op), zap.Uint32("notes", hint))
	vf.notes.Notify(int64(hint))
	if hint&event.NOTE_WRITE != 0 {
		vf.readNotes.Notify(0)
	}
}

type vnodeOps struct{}

func (vnodeOps) Attach(*kqueue.Knote) error { return nil }

func (vnodeOps) Detach(kn *kqueue.Knote) {
	kn.Hook().(*File).notes.Delete(kn)
}

func (vnodeOps) Event(kn *kqueue.Knote, hint int64) bool {
	if note := kn.SFflags() & uint32(hint); note != 0 {
		kn.SetFflags(kn.Fflags() | note)
	}
	return kn.Fflags() != 0
}

type readOps struct{}

func (readOps) Attach(*kqueue.Knote) error { return nil }

func (readOps) Detach(kn *kqueue.Knote) {
	kn.Hook().(*File).readNotes.Delete(kn)
}

func (readOps) Event(kn *kqueue.Knote, _ int64) bool {
	vf := kn.Hook().(*File)
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if vf.closed {
		return false
	}
	st, err := vf.f.Stat()
	if err != nil {
		return false
	}
	kn.SetData(st.Size() - vf.offset)
	return kn.Data() != 0
}
