// Package output provides formatters for fired kevents.
//
// TextFormatter writes one structured log line per event. OTELFormatter
// turns the same events into OpenTelemetry spans:
//   - a tracked process gets one span from its first sighting to NOTE_EXIT,
//     parented on the span of the process that forked it
//   - every other event becomes a zero-length span under the root context
//
// Both receive routed events through the eventprocessor.Handler
// interfaces and evaluate custom attributes with an attributes.Evaluator.
// Neither does any matching or routing itself.
package output
