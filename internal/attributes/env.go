package attributes

import (
	"fmt"
	"os"
	"strings"

	"github.com/mrzor/kevent/internal/event"
)

// typeEnv declares the expression variables for compile-time checking.
var typeEnv = map[string]any{
	"ident":  0,
	"filter": "",
	"flags":  []string{},
	"fflags": 0,
	"notes":  []string{},
	"data":   0,
	"udata":  "",
	"eof":    false,
	"error":  false,
	"env":    map[string]string{},
}

// Environ parses os.Environ into a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Env builds the evaluation environment of one event.
func Env(kev event.Kevent, environ map[string]string) map[string]any {
	var notes []string
	if kev.Filter == event.EVFILT_PROC || kev.Filter == event.EVFILT_VNODE {
		notes = event.NoteNames(kev.Filter, kev.Fflags)
	}
	udata := ""
	if kev.Udata != nil {
		udata = fmt.Sprint(kev.Udata)
	}
	if environ == nil {
		environ = map[string]string{}
	}
	return map[string]any{
		"ident":  int(kev.Ident),
		"filter": event.FilterName(kev.Filter),
		"flags":  event.FlagNames(kev.Flags),
		"fflags": int(kev.Fflags),
		"notes":  notes,
		"data":   int(kev.Data),
		"udata":  udata,
		"eof":    kev.Flags&event.EV_EOF != 0,
		"error":  kev.Flags&event.EV_ERROR != 0,
		"env":    environ,
	}
}
