// Package attributes evaluates user expressions over fired events.
//
// Expressions use the expr language and see one event at a time:
//
//	ident   int       source identifier
//	filter  string    filter name ("timer", "proc", ...)
//	flags   []string  flag names ("oneshot", "eof", ...)
//	fflags  int       filter flags
//	notes   []string  names of the proc/vnode notes set in fflags
//	data    int       filter data
//	udata   string    user tag
//	eof     bool      EV_EOF is set
//	error   bool      EV_ERROR is set
//	env     map       environment of this program
//
// Two evaluators:
//   - Matcher: a boolean predicate selecting which events are reported
//   - Evaluator: named custom attributes attached to reported events
//
// TraceID turns an arbitrary string into an OpenTelemetry trace ID so all
// spans of one run can share a trace.
package attributes
