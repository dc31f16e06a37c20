package output

import (
	"context"
	"time"

	"github.com/mrzor/kevent/internal/attributes"
	"github.com/mrzor/kevent/internal/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// processSpan is the open span of a tracked process.
type processSpan struct {
	span  trace.Span
	ppid  int
	start time.Time
}

// OTELFormatter formats events as OpenTelemetry spans.
type OTELFormatter struct {
	tracer    trace.Tracer
	root      context.Context
	evaluator *attributes.Evaluator
	environ   map[string]string
	spans     map[int]*processSpan // pid -> open span
	now       func() time.Time
}

// NewOTELFormatter creates a formatter. A valid traceID makes every root
// span a child of that trace; the zero ID leaves the choice to the SDK.
// evaluator may be nil.
func NewOTELFormatter(tracer trace.Tracer, traceID trace.TraceID, evaluator *attributes.Evaluator, environ map[string]string) *OTELFormatter {
	root := context.Background()
	if traceID.IsValid() {
		root = trace.ContextWithSpanContext(root, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     rootSpanID(traceID),
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}
	return &OTELFormatter{
		tracer:    tracer,
		root:      root,
		evaluator: evaluator,
		environ:   environ,
		spans:     make(map[int]*processSpan),
		now:       time.Now,
	}
}

// rootSpanID derives a stable, non-zero parent span ID from the trace ID.
func rootSpanID(traceID trace.TraceID) trace.SpanID {
	var id trace.SpanID
	copy(id[:], traceID[8:])
	if !id.IsValid() {
		id[7] = 1
	}
	return id
}

func (f *OTELFormatter) attrs(kev event.Kevent, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := append([]attribute.KeyValue{
		attribute.String("kevent.filter", event.FilterName(kev.Filter)),
		attribute.Int64("kevent.ident", int64(kev.Ident)), //nolint:gosec // idents fit in int64
		attribute.StringSlice("kevent.flags", event.FlagNames(kev.Flags)),
		attribute.Int64("kevent.data", kev.Data),
	}, extra...)
	if f.evaluator != nil {
		attrs = append(attrs, f.evaluator.Evaluate(kev, f.environ)...)
	}
	return attrs
}

// point records a zero-length span for a one-off event.
func (f *OTELFormatter) point(name string, kev event.Kevent, extra ...attribute.KeyValue) trace.Span {
	now := f.now()
	_, span := f.tracer.Start(f.root, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(now),
		trace.WithAttributes(f.attrs(kev, extra...)...),
	)
	span.End(trace.WithTimestamp(now))
	return span
}

// process returns the open span of pid, starting one when the process is
// seen for the first time.
func (f *OTELFormatter) process(pid, ppid int) *processSpan {
	if ps, ok := f.spans[pid]; ok {
		return ps
	}
	ctx := f.root
	if parent, ok := f.spans[ppid]; ok {
		ctx = trace.ContextWithSpanContext(ctx, parent.span.SpanContext())
	}
	start := f.now()
	_, span := f.tracer.Start(ctx, "process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(start),
		trace.WithAttributes(attribute.Int("process.pid", pid)),
	)
	if ppid > 0 {
		span.SetAttributes(attribute.Int("process.parent_pid", ppid))
	}
	ps := &processSpan{span: span, ppid: ppid, start: start}
	f.spans[pid] = ps
	return ps
}

func (f *OTELFormatter) HandleProcessChild(_ event.Kevent, pid, ppid int) error {
	f.process(pid, ppid)
	return nil
}

func (f *OTELFormatter) HandleProcessFork(kev event.Kevent, pid int) error {
	ps := f.process(pid, 0)
	ps.span.AddEvent("fork", trace.WithTimestamp(f.now()))
	if kev.Fflags&event.NOTE_TRACKERR != 0 {
		ps.span.SetAttributes(attribute.Bool("process.track_error", true))
	}
	return nil
}

func (f *OTELFormatter) HandleProcessExec(_ event.Kevent, pid int) error {
	f.process(pid, 0).span.AddEvent("exec", trace.WithTimestamp(f.now()))
	return nil
}

func (f *OTELFormatter) HandleProcessExit(kev event.Kevent, pid, status int) error {
	ps := f.process(pid, 0)
	end := f.now()
	ps.span.SetAttributes(f.attrs(kev,
		attribute.Int("process.exit_status", status),
		attribute.Int64("process.duration_ns", end.Sub(ps.start).Nanoseconds()),
	)...)
	if status != 0 {
		ps.span.SetStatus(codes.Error, "non-zero exit status")
	}
	ps.span.End(trace.WithTimestamp(end))
	delete(f.spans, pid)
	return nil
}

func (f *OTELFormatter) HandleReadable(kev event.Kevent, fd uint64, n int64, eof bool) error {
	f.point("kevent.read", kev,
		attribute.Int64("fd", int64(fd)), //nolint:gosec // descriptor numbers are small
		attribute.Int64("bytes", n),
		attribute.Bool("eof", eof))
	return nil
}

func (f *OTELFormatter) HandleWritable(kev event.Kevent, fd uint64, n int64, eof bool) error {
	f.point("kevent.write", kev,
		attribute.Int64("fd", int64(fd)), //nolint:gosec // descriptor numbers are small
		attribute.Int64("bytes", n),
		attribute.Bool("eof", eof))
	return nil
}

func (f *OTELFormatter) HandleVnode(kev event.Kevent, fd uint64, notes []string) error {
	f.point("kevent.vnode", kev,
		attribute.Int64("fd", int64(fd)), //nolint:gosec // descriptor numbers are small
		attribute.StringSlice("notes", notes))
	return nil
}

func (f *OTELFormatter) HandleTimer(kev event.Kevent, ident uint64, expirations int64) error {
	f.point("kevent.timer", kev,
		attribute.Int64("timer", int64(ident)), //nolint:gosec // idents fit in int64
		attribute.Int64("expirations", expirations))
	return nil
}

func (f *OTELFormatter) HandleSignal(kev event.Kevent, sig unix.Signal, count int64) error {
	f.point("kevent.signal", kev,
		attribute.String("signal", unix.SignalName(sig)),
		attribute.Int64("count", count))
	return nil
}

func (f *OTELFormatter) HandleChangeError(kev event.Kevent, err error) error {
	now := f.now()
	_, span := f.tracer.Start(f.root, "kevent.change",
		trace.WithTimestamp(now),
		trace.WithAttributes(
			attribute.String("kevent.filter", event.FilterName(kev.Filter)),
			attribute.Int64("kevent.ident", int64(kev.Ident)), //nolint:gosec // idents fit in int64
		),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End(trace.WithTimestamp(now))
	return nil
}

// Close ends the spans of processes still running, marking them as such.
func (f *OTELFormatter) Close() {
	now := f.now()
	for pid, ps := range f.spans {
		ps.span.SetAttributes(attribute.Bool("process.running", true))
		ps.span.End(trace.WithTimestamp(now))
		delete(f.spans, pid)
	}
}
