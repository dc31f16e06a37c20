// Package timer provides the EVFILT_TIMER filter.
//
// A timer knote's ident is arbitrary, its data is the period and its fflags
// pick the unit (milliseconds unless one of the NOTE_*SECONDS notes is set).
// Timers are always EV_CLEAR: a fired event carries the number of
// expirations since the last delivery in Data and the time they cover, in
// the timer's unit, in Fflags.
package timer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/kevent/internal/event"
	"github.com/mrzor/kevent/internal/kqueue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultLimit is the default number of live timers allowed.
const DefaultLimit = 4096

// Periods are rounded up to one clock tick.
const tick = time.Millisecond

const hintExpired int64 = 1

// Config configures the timer filter.
type Config struct {
	// Limit caps the number of live timers; zero means DefaultLimit.
	Limit  int
	Logger *zap.Logger
}

// Filter is the timer filter. One instance serves every kqueue of a
// system, so the limit is global.
type Filter struct {
	limit int64
	live  atomic.Int64
	log   *zap.Logger
}

// New creates a timer filter.
func New(cfg Config) *Filter {
	f := &Filter{limit: int64(cfg.Limit), log: cfg.Logger}
	if f.limit <= 0 {
		f.limit = DefaultLimit
	}
	if f.log == nil {
		f.log = zap.NewNop()
	}
	return f
}

// Filter returns the registry entry.
func (f *Filter) Filter() kqueue.Filter {
	return kqueue.Filter{Ops: f}
}

// Live returns the number of attached timers.
func (f *Filter) Live() int {
	return int(f.live.Load())
}

type callout struct {
	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	period time.Duration
	units  uint32
}

func (c *callout) arm(kn *kqueue.Knote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.period, func() {
		c.mu.Lock()
		current := c.gen == gen
		c.mu.Unlock()
		if current {
			kn.Notify(hintExpired)
		}
	})
}

func (c *callout) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// period converts a registration's data and unit notes to a duration.
func period(data int64, fflags uint32) (time.Duration, error) {
	if data < 0 {
		return 0, fmt.Errorf("negative timer period %d: %w", data, unix.EINVAL)
	}
	var unit time.Duration
	switch fflags & (event.NOTE_SECONDS | event.NOTE_MSECONDS | event.NOTE_USECONDS | event.NOTE_NSECONDS) {
	case event.NOTE_SECONDS:
		unit = time.Second
	case 0, event.NOTE_MSECONDS:
		unit = time.Millisecond
	case event.NOTE_USECONDS:
		unit = time.Microsecond
	case event.NOTE_NSECONDS:
		unit = time.Nanosecond
	default:
		return 0, fmt.Errorf("conflicting timer units %#x: %w", fflags, unix.EINVAL)
	}
	d := time.Duration(data) * unit
	if d < tick {
		d = tick
	}
	return d, nil
}

func (f *Filter) Attach(kn *kqueue.Knote) error {
	d, err := period(kn.SData(), kn.SFflags())
	if err != nil {
		return err
	}
	if f.live.Add(1) > f.limit {
		f.live.Add(-1)
		f.log.Warn("timer limit reached", zap.Int64("limit", f.limit))
		return event.ErrOutOfMemory
	}
	kn.SetFlags(kn.Flags() | event.EV_CLEAR)
	c := &callout{period: d, units: uint32(kn.SData())}
	kn.SetHook(c)
	c.arm(kn)
	return nil
}

func (f *Filter) Detach(kn *kqueue.Knote) {
	kn.Hook().(*callout).stop()
	f.live.Add(-1)
}

func (f *Filter) Event(kn *kqueue.Knote, hint int64) bool {
	if hint == hintExpired {
		c := kn.Hook().(*callout)
		kn.SetData(kn.Data() + 1)
		kn.SetFflags(uint32(kn.Data()) * c.units)
		if kn.Flags()&event.EV_ONESHOT == 0 {
			c.arm(kn)
		}
	}
	return kn.Data() != 0
}

// Touch restarts the timer with the period from an EV_ADD on an existing
// knote. A malformed period keeps the old one.
func (f *Filter) Touch(kn *kqueue.Knote) {
	c := kn.Hook().(*callout)
	d, err := period(kn.SData(), kn.SFflags())
	if err != nil {
		f.log.Debug("ignoring timer update", zap.Uint64("ident", kn.Ident()), zap.Error(err))
		return
	}
	c.period = d
	c.units = uint32(kn.SData())
	kn.SetData(0)
	kn.SetFflags(0)
	c.arm(kn)
}
