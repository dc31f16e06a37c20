package proc

import (
	"fmt"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ProcFilter returns the EVFILT_PROC registry entry. The ident is a pid;
// fflags select NOTE_EXIT, NOTE_FORK, NOTE_EXEC and NOTE_TRACK.
func (t *Table) ProcFilter() kqueue.Filter {
	return kqueue.Filter{Ops: procOps{t}}
}

// SignalFilter returns the EVFILT_SIGNAL registry entry. The ident is a
// signal number counted on the kqueue's owner process.
func (t *Table) SignalFilter() kqueue.Filter {
	return kqueue.Filter{Ops: signalOps{t}}
}

type procOps struct {
	t *Table
}

func (o procOps) Attach(kn *kqueue.Knote) error {
	p := o.t.Lookup(int(kn.Ident()))
	if p == nil {
		return fmt.Errorf("pid %d: %w", kn.Ident(), unix.ESRCH)
	}

	kn.SetHook(p)
	kn.SetFlags(kn.Flags() | event.EV_CLEAR)
	// registered by NOTE_TRACK on behalf of the parent
	if kn.Flags()&event.EV_FLAG1 != 0 {
		kn.SetData(kn.SData())
		kn.SetFflags(event.NOTE_CHILD)
		kn.SetFlags(kn.Flags() &^ event.EV_FLAG1)
	}

	p.mu.Lock()
	zombie := p.exited
	if !zombie {
		p.notes.Insert(kn)
	}
	p.mu.Unlock()

	if zombie {
		if kn.SFflags()&event.NOTE_EXIT == 0 {
			return fmt.Errorf("pid %d exited: %w", p.pid, unix.ESRCH)
		}
		if o.Event(kn, int64(event.NOTE_EXIT)) {
			kn.Activate()
		}
	}
	return nil
}

func (o procOps) Detach(kn *kqueue.Knote) {
	kn.Hook().(*Process).notes.Delete(kn)
}

func (o procOps) Event(kn *kqueue.Knote, hint int64) bool {
	note := uint32(hint) & event.NOTE_PCTRLMASK
	if kn.SFflags()&note != 0 {
		kn.SetFflags(kn.Fflags() | note)
	}

	switch {
	case note == event.NOTE_EXIT:
		if !kn.Detached() {
			p := kn.Hook().(*Process)
			p.notes.Delete(kn)
			kn.MarkDetached()
			kn.SetData(int64(p.ExitStatus()))
		}
		kn.SetFlags(kn.Flags() | event.EV_EOF | event.EV_ONESHOT)
		return true

	case note == event.NOTE_FORK && kn.SFflags()&event.NOTE_TRACK != 0:
		child := uint64(uint32(hint) & event.NOTE_PDATAMASK)
		err := kn.Kqueue().Register(event.Kevent{
			Ident:  child,
			Filter: kn.Filter(),
			Flags:  kn.Flags() | event.EV_ADD | event.EV_ENABLE | event.EV_FLAG1,
			Fflags: kn.SFflags(),
			Data:   int64(kn.Ident()),
			Udata:  kn.Udata(),
		})
		if err != nil {
			o.t.log.Debug("cannot track child",
				zap.Uint64("pid", kn.Ident()),
				zap.Uint64("child", child),
				zap.Error(err))
			kn.SetFflags(kn.Fflags() | event.NOTE_TRACKERR)
		}
	}
	return kn.Fflags() != 0
}

type signalOps struct {
	t *Table
}

func (o signalOps) Attach(kn *kqueue.Knote) error {
	sig := unix.Signal(kn.Ident())
	if kn.Ident() == 0 || unix.SignalName(sig) == "" {
		return fmt.Errorf("signal %d: %w", kn.Ident(), unix.EINVAL)
	}
	p := o.t.Lookup(kn.Kqueue().OwnerPid())
	if p == nil {
		return fmt.Errorf("owner pid %d: %w", kn.Kqueue().OwnerPid(), unix.ESRCH)
	}
	kn.SetHook(p)
	kn.SetFlags(kn.Flags() | event.EV_CLEAR)
	p.sigNotes.Insert(kn)
	return nil
}

func (o signalOps) Detach(kn *kqueue.Knote) {
	kn.Hook().(*Process).sigNotes.Delete(kn)
}

func (o signalOps) Event(kn *kqueue.Knote, hint int64) bool {
	if hint != 0 && uint64(hint) == kn.Ident() {
		kn.SetData(kn.Data() + 1)
	}
	return kn.Data() != 0
}
