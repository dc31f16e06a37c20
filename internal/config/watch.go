package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mrzor/kevent/internal/event"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// WatchFile is a YAML description of the events to watch.
//
//	match: 'data > 1'
//	attributes:
//	  kind: 'filter == "timer" ? "tick" : "other"'
//	watches:
//	  - filter: timer
//	    ident: 1
//	    period: 50
//	  - filter: vnode
//	    path: /var/log/app.log
//	    notes: [write, delete]
//	  - filter: signal
//	    signal: SIGUSR1
type WatchFile struct {
	// Match is an expression events must satisfy to be reported
	Match string `yaml:"match"`
	// Attributes maps names to expressions evaluated per event
	Attributes map[string]string `yaml:"attributes"`
	Watches    []Watch           `yaml:"watches"`
}

// Watch is one subscription.
type Watch struct {
	Filter string   `yaml:"filter"`
	Ident  uint64   `yaml:"ident"`
	Period int64    `yaml:"period"`
	Path   string   `yaml:"path"`
	Pid    int      `yaml:"pid"`
	Signal string   `yaml:"signal"`
	Notes  []string `yaml:"notes"`
	Flags  []string `yaml:"flags"`
	Udata  string   `yaml:"udata"`
}

// LoadWatchFile reads and validates a watch file.
func LoadWatchFile(path string) (*WatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watch file: %w", err)
	}
	wf, err := ParseWatchFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// ParseWatchFile decodes and validates a watch file.
func ParseWatchFile(data []byte) (*WatchFile, error) {
	var wf WatchFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("invalid watch file: %w", err)
	}
	for i := range wf.Watches {
		if _, err := wf.Watches[i].Kevent(0); err != nil {
			return nil, fmt.Errorf("watch %d: %w", i, err)
		}
	}
	return &wf, nil
}

// FilterTag resolves the filter name.
func (w *Watch) FilterTag() (int16, error) {
	return event.ParseFilter(w.Filter)
}

// Kevent builds the EV_ADD request for the watch. fd is the ident used by
// descriptor-backed watches (vnode, read).
func (w *Watch) Kevent(fd uint64) (event.Kevent, error) {
	filter, err := w.FilterTag()
	if err != nil {
		return event.Kevent{}, err
	}
	kev := event.Kevent{Filter: filter, Flags: event.EV_ADD}
	if w.Udata != "" {
		kev.Udata = w.Udata
	}

	switch filter {
	case event.EVFILT_TIMER:
		if w.Period <= 0 {
			return kev, fmt.Errorf("timer watch needs a positive period")
		}
		kev.Ident = w.Ident
		kev.Data = w.Period
	case event.EVFILT_VNODE, event.EVFILT_READ:
		if w.Path == "" {
			return kev, fmt.Errorf("%s watch needs a path", w.Filter)
		}
		kev.Ident = fd
	case event.EVFILT_PROC:
		if w.Pid <= 0 {
			return kev, fmt.Errorf("proc watch needs a pid")
		}
		kev.Ident = uint64(w.Pid)
	case event.EVFILT_SIGNAL:
		sig, err := ParseSignal(w.Signal)
		if err != nil {
			return kev, err
		}
		kev.Ident = uint64(sig)
	default:
		return kev, fmt.Errorf("filter %s cannot be watched from a file", w.Filter)
	}

	for _, name := range w.Notes {
		note, err := event.ParseNote(filter, name)
		if err != nil {
			return kev, err
		}
		kev.Fflags |= note
	}
	if filter == event.EVFILT_VNODE && kev.Fflags == 0 {
		return kev, fmt.Errorf("vnode watch needs at least one note")
	}
	for _, name := range w.Flags {
		flag, err := event.ParseFlag(name)
		if err != nil {
			return kev, err
		}
		kev.Flags |= flag
	}
	return kev, nil
}

// ParseSignal resolves a signal name such as "SIGUSR1" or "usr1".
func ParseSignal(name string) (unix.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
