package event

import (
	"fmt"
	"slices"
	"strings"
)

// Filter tags matching <sys/event.h>.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches kernel conventions
const (
	EVFILT_READ   int16 = -1
	EVFILT_WRITE  int16 = -2
	EVFILT_AIO    int16 = -3
	EVFILT_VNODE  int16 = -4
	EVFILT_PROC   int16 = -5
	EVFILT_SIGNAL int16 = -6
	EVFILT_TIMER  int16 = -7

	EVFILT_SYSCOUNT = 7
)

// Action and return flags.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches kernel conventions
const (
	EV_ADD     uint16 = 0x0001 // add event to kq (implies enable)
	EV_DELETE  uint16 = 0x0002 // delete event from kq
	EV_ENABLE  uint16 = 0x0004 // enable event
	EV_DISABLE uint16 = 0x0008 // disable event (not reported)
	EV_ONESHOT uint16 = 0x0010 // only report one occurrence
	EV_CLEAR   uint16 = 0x0020 // clear event state after reporting

	EV_SYSFLAGS uint16 = 0xF000 // reserved by system
	EV_FLAG1    uint16 = 0x2000 // filter-specific flag

	EV_EOF   uint16 = 0x8000 // EOF detected
	EV_ERROR uint16 = 0x4000 // error, data contains errno
)

// Process filter notes.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches kernel conventions
const (
	NOTE_EXIT      uint32 = 0x80000000 // process exited
	NOTE_FORK      uint32 = 0x40000000 // process forked
	NOTE_EXEC      uint32 = 0x20000000 // process exec'd
	NOTE_PCTRLMASK uint32 = 0xf0000000 // mask for hint bits
	NOTE_PDATAMASK uint32 = 0x000fffff // mask for pid

	NOTE_TRACK    uint32 = 0x00000001 // follow across forks
	NOTE_TRACKERR uint32 = 0x00000002 // could not track child
	NOTE_CHILD    uint32 = 0x00000004 // am a child process
)

// Vnode filter notes.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches kernel conventions
const (
	NOTE_DELETE uint32 = 0x0001 // vnode was removed
	NOTE_WRITE  uint32 = 0x0002 // data contents changed
	NOTE_EXTEND uint32 = 0x0004 // size increased
	NOTE_ATTRIB uint32 = 0x0008 // attributes changed
	NOTE_RENAME uint32 = 0x0020 // vnode was renamed
)

// Timer filter unit notes. Milliseconds is the default unit.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches kernel conventions
const (
	NOTE_SECONDS  uint32 = 0x0001
	NOTE_MSECONDS uint32 = 0x0002
	NOTE_USECONDS uint32 = 0x0004
	NOTE_NSECONDS uint32 = 0x0008
)

// Kevent is a registration request and, on the way out, a fired event.
type Kevent struct {
	Ident  uint64 // identifier for this event
	Filter int16  // filter for event
	Flags  uint16 // action flags for kqueue
	Fflags uint32 // filter flag value
	Data   int64  // filter data value
	Udata  any    // opaque user data identifier
}

// FilterName returns the short name of a filter tag.
func FilterName(filter int16) string {
	switch filter {
	case EVFILT_READ:
		return "read"
	case EVFILT_WRITE:
		return "write"
	case EVFILT_AIO:
		return "aio"
	case EVFILT_VNODE:
		return "vnode"
	case EVFILT_PROC:
		return "proc"
	case EVFILT_SIGNAL:
		return "signal"
	case EVFILT_TIMER:
		return "timer"
	default:
		return fmt.Sprintf("filter(%d)", filter)
	}
}

// ParseFilter is the inverse of FilterName.
func ParseFilter(name string) (int16, error) {
	for f := EVFILT_READ; f >= -EVFILT_SYSCOUNT; f-- {
		if FilterName(f) == strings.ToLower(name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFilter, name)
}

var flagNames = []struct {
	flag uint16
	name string
}{
	{EV_ADD, "add"},
	{EV_DELETE, "delete"},
	{EV_ENABLE, "enable"},
	{EV_DISABLE, "disable"},
	{EV_ONESHOT, "oneshot"},
	{EV_CLEAR, "clear"},
	{EV_EOF, "eof"},
	{EV_ERROR, "error"},
}

// FlagNames renders a flag word as a list of names.
func FlagNames(flags uint16) []string {
	var names []string
	for _, f := range flagNames {
		if flags&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// ParseFlag resolves a single flag name as written in watch files.
func ParseFlag(name string) (uint16, error) {
	for _, f := range flagNames {
		if f.name == strings.ToLower(name) {
			return f.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown flag %q", name)
}

var noteNames = map[int16]map[string]uint32{
	EVFILT_PROC: {
		"exit":  NOTE_EXIT,
		"fork":  NOTE_FORK,
		"exec":  NOTE_EXEC,
		"track": NOTE_TRACK,
	},
	EVFILT_VNODE: {
		"delete": NOTE_DELETE,
		"write":  NOTE_WRITE,
		"extend": NOTE_EXTEND,
		"attrib": NOTE_ATTRIB,
		"rename": NOTE_RENAME,
	},
	EVFILT_TIMER: {
		"seconds":  NOTE_SECONDS,
		"mseconds": NOTE_MSECONDS,
		"useconds": NOTE_USECONDS,
		"nseconds": NOTE_NSECONDS,
	},
}

// ParseNote resolves a filter-specific note name.
func ParseNote(filter int16, name string) (uint32, error) {
	if n, ok := noteNames[filter][strings.ToLower(name)]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("unknown %s note %q", FilterName(filter), name)
}

// NoteNames renders the notes of fflags known for filter, in name order.
func NoteNames(filter int16, fflags uint32) []string {
	var names []string
	for name, note := range noteNames[filter] {
		if fflags&note != 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (kev Kevent) String() string {
	return fmt.Sprintf("ident=%d filter=%s flags=%s fflags=%#x data=%d",
		kev.Ident, FilterName(kev.Filter), strings.Join(FlagNames(kev.Flags), "|"), kev.Fflags, kev.Data)
}
