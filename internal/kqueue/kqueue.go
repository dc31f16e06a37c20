package kqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrzor/kevent/internal/event"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultAcquireBackoff bounds how long a thread sleeps when it finds a
// knote owned by someone else.
const DefaultAcquireBackoff = 10 * time.Millisecond

// Config holds the collaborators of a kqueue.
type Config struct {
	// Registry resolves filter tags. Required.
	Registry *Registry
	// Descriptors resolves descriptor-keyed idents. Without it every
	// descriptor-keyed registration fails with ErrSourceGone.
	Descriptors Descriptors
	// OwnerPid is the process the kqueue belongs to; the signal filter
	// watches it.
	OwnerPid int
	// AcquireBackoff defaults to DefaultAcquireBackoff.
	AcquireBackoff time.Duration
	Logger         *zap.Logger
	Tracer         trace.Tracer
}

// Stat is a snapshot of a kqueue's counters.
type Stat struct {
	Pending int // knotes on the pending queue
	Knotes  int // knotes attached to the kqueue
}

// Kqueue aggregates one consumer's subscriptions and its queue of ready
// events.
type Kqueue struct {
	id       uuid.UUID
	registry *Registry
	fds      Descriptors
	ownerPid int
	backoff  time.Duration
	log      *zap.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	pending    list.List
	count      int
	knotes     map[*Knote]struct{}
	idents     map[knoteKey]*Knote
	sleeping   bool
	wake       chan struct{}
	knoteWake  chan struct{}
	interrupts uint64
	closed     bool
	async      bool
	sigio      bool
	owner      SignalSink

	// knotes of other kqueues watching this one
	selNotes KList

	notifyCh   chan struct{}
	notifyStop chan struct{}
	notifyDone chan struct{}
}

// New creates an empty kqueue.
func New(cfg Config) *Kqueue {
	kq := &Kqueue{
		id:        uuid.New(),
		registry:  cfg.Registry,
		fds:       cfg.Descriptors,
		ownerPid:  cfg.OwnerPid,
		backoff:   cfg.AcquireBackoff,
		log:       cfg.Logger,
		tracer:    cfg.Tracer,
		knotes:    make(map[*Knote]struct{}),
		idents:    make(map[knoteKey]*Knote),
		wake:      make(chan struct{}),
		knoteWake: make(chan struct{}),
	}
	if kq.backoff <= 0 {
		kq.backoff = DefaultAcquireBackoff
	}
	if kq.log == nil {
		kq.log = zap.NewNop()
	}
	if kq.tracer == nil {
		kq.tracer = noop.NewTracerProvider().Tracer("kqueue")
	}
	kq.log = kq.log.With(zap.String("kqueue", kq.id.String()))
	return kq
}

// ID returns the kqueue's identity used in logs and traces.
func (kq *Kqueue) ID() uuid.UUID { return kq.id }

// OwnerPid returns the owning process id.
func (kq *Kqueue) OwnerPid() int { return kq.ownerPid }

// Stat returns the pending and attached knote counts.
func (kq *Kqueue) Stat() Stat {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	return Stat{Pending: kq.count, Knotes: len(kq.knotes)}
}

// Interrupt wakes every thread sleeping in Kevent with ErrInterrupted.
// The signal-delivery path calls it.
func (kq *Kqueue) Interrupt() {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	kq.interrupts++
	kq.sleeping = true
	kq.wakeupLocked()
}

// SetAsync turns SIGIO delivery to the owner on or off.
func (kq *Kqueue) SetAsync(on bool) {
	kq.mu.Lock()
	kq.async = on
	kq.mu.Unlock()
	if on {
		kq.startNotifier()
	}
}

// SetOwner sets the receiver of SIGIO.
func (kq *Kqueue) SetOwner(owner SignalSink) {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	kq.owner = owner
}

// Subscribe lets another kqueue watch this one with EVFILT_READ.
func (kq *Kqueue) Subscribe(kn *Knote) error {
	if kn.Filter() != event.EVFILT_READ {
		return event.ErrAttachFailed
	}
	kn.SetOps(kqreadOps{})
	kn.SetHook(kq)
	kq.selNotes.Insert(kn)
	kq.startNotifier()
	return nil
}

// Close drains every knote and releases the kqueue. Threads sleeping in
// Kevent return ErrClosed.
func (kq *Kqueue) Close() error {
	kq.mu.Lock()
	if kq.closed {
		kq.mu.Unlock()
		return nil
	}
	kq.closed = true
	kq.sleeping = true
	kq.wakeupLocked()
	n := len(kq.knotes)
	kq.terminateLocked()
	kq.owner = nil
	stop, done := kq.notifyStop, kq.notifyDone
	kq.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	kq.selNotes.Remove()
	kq.log.Debug("kqueue closed", zap.Int("knotes", n))
	return nil
}

// terminateLocked deletes every knote, waiting out the ones in flight.
func (kq *Kqueue) terminateLocked() {
	for len(kq.knotes) > 0 {
		var kn *Knote
		for k := range kq.knotes {
			kn = k
			break
		}
		if !kq.acquireLocked(kn) {
			continue
		}
		kn.status |= statusDeleting
		kn.state = ownedPending
		kq.releaseLocked(kn)
	}
}

func (kq *Kqueue) activateLocked(kn *Knote) {
	kn.status |= statusActive
	if kn.status&(statusQueued|statusDisabled) == 0 {
		kq.enqueueLocked(kn)
	}
}

func (kq *Kqueue) enqueueLocked(kn *Knote) {
	kn.elem = kq.pending.PushBack(kn)
	kn.status |= statusQueued
	kq.count++
	if kq.notifyCh != nil {
		if kq.count == 1 && kq.async && kq.owner != nil {
			kq.sigio = true
		}
		select {
		case kq.notifyCh <- struct{}{}:
		default:
		}
	}
	kq.wakeupLocked()
}

func (kq *Kqueue) dequeueLocked(kn *Knote) {
	kq.pending.Remove(kn.elem)
	kn.elem = nil
	kn.status &^= statusQueued
	kq.count--
}

func (kq *Kqueue) wakeupLocked() {
	if kq.sleeping {
		kq.sleeping = false
		close(kq.wake)
		kq.wake = make(chan struct{})
	}
}

func (kq *Kqueue) wakeKnoteWaitersLocked() {
	close(kq.knoteWake)
	kq.knoteWake = make(chan struct{})
}

// startNotifier runs the goroutine that delivers SIGIO and wakes watching
// kqueues. Both need locks of other objects and so cannot run under kq.mu.
func (kq *Kqueue) startNotifier() {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	if kq.notifyCh != nil || kq.closed {
		return
	}
	kq.notifyCh = make(chan struct{}, 1)
	kq.notifyStop = make(chan struct{})
	kq.notifyDone = make(chan struct{})
	go kq.runNotifier(kq.notifyCh, kq.notifyStop, kq.notifyDone)
}

func (kq *Kqueue) runNotifier(notify <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-notify:
		}

		kq.mu.Lock()
		owner := kq.owner
		sigio := kq.sigio && kq.async && owner != nil
		kq.sigio = false
		kq.mu.Unlock()

		if sigio {
			owner.Signal(unix.SIGIO)
		}
		kq.selNotes.Notify(0)
	}
}
