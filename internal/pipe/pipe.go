// Package pipe implements an in-memory, non-blocking pipe whose ends are
// subscribable event sources: the read end supports EVFILT_READ and the
// write end EVFILT_WRITE.
package pipe

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"golang.org/x/sys/unix"
)

// DefaultCapacity is the buffer size used when New is given zero.
const DefaultCapacity = 16 * 1024

type pipe struct {
	mu          sync.Mutex
	buf         bytes.Buffer
	capacity    int
	readClosed  bool
	writeClosed bool
	readerNotes kqueue.KList
	writerNotes kqueue.KList
}

// Reader is the read end of a pipe.
type Reader struct{ p *pipe }

// Writer is the write end of a pipe.
type Writer struct{ p *pipe }

// New creates a pipe buffering up to capacity bytes.
func New(capacity int) (*Reader, *Writer) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &pipe{capacity: capacity}
	return &Reader{p}, &Writer{p}
}

// Read reads buffered bytes. It returns EAGAIN when the pipe is empty and
// io.EOF once it is also closed for writing.
func (r *Reader) Read(b []byte) (int, error) {
	p := r.p
	p.mu.Lock()
	if p.readClosed {
		p.mu.Unlock()
		return 0, unix.EBADF
	}
	if p.buf.Len() == 0 {
		eof := p.writeClosed
		p.mu.Unlock()
		if eof {
			return 0, io.EOF
		}
		return 0, unix.EAGAIN
	}
	n, _ := p.buf.Read(b)
	p.mu.Unlock()

	p.writerNotes.Notify(0)
	return n, nil
}

// Close closes the read end. Writers see EPIPE and EV_EOF.
func (r *Reader) Close() error {
	p := r.p
	p.mu.Lock()
	if p.readClosed {
		p.mu.Unlock()
		return nil
	}
	p.readClosed = true
	p.buf.Reset()
	p.mu.Unlock()

	p.writerNotes.Notify(0)
	p.readerNotes.Remove()
	return nil
}

// Subscribe accepts EVFILT_READ knotes.
func (r *Reader) Subscribe(kn *kqueue.Knote) error {
	if kn.Filter() != event.EVFILT_READ {
		return fmt.Errorf("read end does not support %s: %w", event.FilterName(kn.Filter()), unix.EOPNOTSUPP)
	}
	kn.SetOps(readOps{})
	kn.SetHook(r.p)
	r.p.readerNotes.Insert(kn)
	return nil
}

// Write buffers as much of b as fits. It returns EAGAIN when nothing fits
// and EPIPE when the read end is closed.
func (w *Writer) Write(b []byte) (int, error) {
	p := w.p
	p.mu.Lock()
	if p.writeClosed {
		p.mu.Unlock()
		return 0, unix.EBADF
	}
	if p.readClosed {
		p.mu.Unlock()
		return 0, unix.EPIPE
	}
	room := p.capacity - p.buf.Len()
	if room == 0 && len(b) > 0 {
		p.mu.Unlock()
		return 0, unix.EAGAIN
	}
	n := min(room, len(b))
	p.buf.Write(b[:n])
	p.mu.Unlock()

	if n > 0 {
		p.readerNotes.Notify(0)
	}
	return n, nil
}

// Close closes the write end. Readers drain what is buffered, then see
// io.EOF and EV_EOF.
func (w *Writer) Close() error {
	p := w.p
	p.mu.Lock()
	if p.writeClosed {
		p.mu.Unlock()
		return nil
	}
	p.writeClosed = true
	p.mu.Unlock()

	p.readerNotes.Notify(0)
	p.writerNotes.Remove()
	return nil
}

// Subscribe accepts EVFILT_WRITE knotes.
func (w *Writer) Subscribe(kn *kqueue.Knote) error {
	if kn.Filter() != event.EVFILT_WRITE {
		return fmt.Errorf("write end does not support %s: %w", event.FilterName(kn.Filter()), unix.EOPNOTSUPP)
	}
	kn.SetOps(writeOps{})
	kn.SetHook(w.p)
	w.p.writerNotes.Insert(kn)
	return nil
}

type readOps struct{}

func (readOps) Attach(*kqueue.Knote) error { return nil }

func (readOps) Detach(kn *kqueue.Knote) {
	kn.Hook().(*pipe).readerNotes.Delete(kn)
}

// Event reports the buffered byte count; EOF is flagged once the writer
// is gone.
func (readOps) Event(kn *kqueue.Knote, _ int64) bool {
	p := kn.Hook().(*pipe)
	p.mu.Lock()
	n, eof := p.buf.Len(), p.writeClosed
	p.mu.Unlock()

	kn.SetData(int64(n))
	if eof {
		kn.SetFlags(kn.Flags() | event.EV_EOF)
		return true
	}
	return n > 0
}

type writeOps struct{}

func (writeOps) Attach(*kqueue.Knote) error { return nil }

func (writeOps) Detach(kn *kqueue.Knote) {
	kn.Hook().(*pipe).writerNotes.Delete(kn)
}

// Event reports the free buffer space; EOF is flagged once the reader is
// gone.
func (writeOps) Event(kn *kqueue.Knote, _ int64) bool {
	p := kn.Hook().(*pipe)
	p.mu.Lock()
	room, eof := p.capacity-p.buf.Len(), p.readClosed
	p.mu.Unlock()

	if eof {
		kn.SetData(0)
		kn.SetFlags(kn.Flags() | event.EV_EOF)
		return true
	}
	kn.SetData(int64(room))
	return room > 0
}
