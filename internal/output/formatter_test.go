package output

import (
	"errors"
	"testing"
	"time"

	"github.com/mrzor/kevent/internal/attributes"
	"github.com/mrzor/kevent/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

func newEvaluator(t *testing.T, customs ...attributes.Custom) *attributes.Evaluator {
	t.Helper()
	e, err := attributes.NewEvaluator(customs, nil)
	require.NoError(t, err)
	return e
}

func TestTextFormatter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := NewTextFormatter(zap.New(core), newEvaluator(t, attributes.Custom{Name: "tag", Expression: `udata + "!"`}), nil)

	kev := event.Kevent{Ident: 1, Filter: event.EVFILT_TIMER, Flags: event.EV_CLEAR, Data: 3, Udata: "tick"}
	require.NoError(t, f.HandleTimer(kev, 1, 3))

	entries := logs.TakeAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "timer expired", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "timer", fields["filter"])
	assert.Equal(t, uint64(1), fields["ident"])
	assert.Equal(t, int64(3), fields["expirations"])
	assert.Equal(t, "tick", fields["udata"])
	assert.Equal(t, "tick!", fields["attr.tag"])
}

func TestTextFormatter_Messages(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := NewTextFormatter(zap.New(core), nil, nil)

	proc := event.Kevent{Ident: 10, Filter: event.EVFILT_PROC}
	require.NoError(t, f.HandleProcessChild(proc, 10, 9))
	require.NoError(t, f.HandleProcessFork(event.Kevent{Ident: 10, Filter: event.EVFILT_PROC, Fflags: event.NOTE_FORK | event.NOTE_TRACKERR}, 10))
	require.NoError(t, f.HandleProcessExec(proc, 10))
	require.NoError(t, f.HandleProcessExit(proc, 10, 2))
	require.NoError(t, f.HandleReadable(event.Kevent{Filter: event.EVFILT_READ}, 3, 5, false))
	require.NoError(t, f.HandleWritable(event.Kevent{Filter: event.EVFILT_WRITE}, 4, 0, true))
	require.NoError(t, f.HandleVnode(event.Kevent{Filter: event.EVFILT_VNODE}, 5, []string{"write"}))
	require.NoError(t, f.HandleSignal(event.Kevent{Filter: event.EVFILT_SIGNAL}, unix.SIGHUP, 1))
	require.NoError(t, f.HandleChangeError(event.Kevent{Ident: 7, Filter: event.EVFILT_TIMER}, event.ErrNoSuchEvent))

	var msgs []string
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{
		"process tracked", "process forked", "process exec", "process exited",
		"readable", "writable", "vnode changed", "signal delivered", "change rejected",
	}, msgs)

	assert.Equal(t, true, logs.FilterMessage("process forked").All()[0].ContextMap()["track_error"])
	assert.Equal(t, "SIGHUP", logs.FilterMessage("signal delivered").All()[0].ContextMap()["signal"])
	rejected := logs.FilterMessage("change rejected").All()[0]
	assert.Equal(t, zapcore.WarnLevel, rejected.Level)
	assert.Equal(t, "no such event", rejected.ContextMap()["error"])
}

type otelFixture struct {
	rec   *tracetest.SpanRecorder
	f     *OTELFormatter
	clock time.Time
}

func newOTELFixture(t *testing.T, traceID trace.TraceID, evaluator *attributes.Evaluator) *otelFixture {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	fx := &otelFixture{rec: rec, clock: time.Unix(1_700_000_000, 0)}
	fx.f = NewOTELFormatter(tp.Tracer("test"), traceID, evaluator, nil)
	fx.f.now = func() time.Time { return fx.clock }
	return fx
}

func (fx *otelFixture) ended(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range fx.rec.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestOTELFormatter_ProcessTree(t *testing.T) {
	fx := newOTELFixture(t, trace.TraceID{}, nil)
	f := fx.f
	proc := func(pid uint64, fflags uint32, data int64) event.Kevent {
		return event.Kevent{Ident: pid, Filter: event.EVFILT_PROC, Fflags: fflags, Data: data}
	}

	require.NoError(t, f.HandleProcessFork(proc(100, event.NOTE_FORK, 0), 100))
	require.NoError(t, f.HandleProcessChild(proc(101, event.NOTE_CHILD, 100), 101, 100))
	require.NoError(t, f.HandleProcessExec(proc(101, event.NOTE_EXEC, 0), 101))

	fx.clock = fx.clock.Add(2 * time.Second)
	require.NoError(t, f.HandleProcessExit(proc(101, event.NOTE_EXIT, 3), 101, 3))

	spans := fx.ended("process")
	require.Len(t, spans, 1)
	child := spans[0]
	attrs := attrMap(child.Attributes())
	assert.Equal(t, int64(101), attrs["process.pid"].AsInt64())
	assert.Equal(t, int64(100), attrs["process.parent_pid"].AsInt64())
	assert.Equal(t, int64(3), attrs["process.exit_status"].AsInt64())
	assert.Equal(t, (2 * time.Second).Nanoseconds(), attrs["process.duration_ns"].AsInt64())
	assert.Equal(t, codes.Error, child.Status().Code)
	require.Len(t, child.Events(), 1)
	assert.Equal(t, "exec", child.Events()[0].Name)

	f.Close()
	spans = fx.ended("process")
	require.Len(t, spans, 2)
	parent := spans[1]
	assert.True(t, attrMap(parent.Attributes())["process.running"].AsBool())
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID())
	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	assert.Equal(t, "fork", parent.Events()[0].Name)
}

func TestOTELFormatter_PointSpans(t *testing.T) {
	fx := newOTELFixture(t, trace.TraceID{}, newEvaluator(t, attributes.Custom{Name: "big", Expression: `data > 10`}))
	f := fx.f

	require.NoError(t, f.HandleReadable(event.Kevent{Ident: 3, Filter: event.EVFILT_READ, Data: 64}, 3, 64, false))
	require.NoError(t, f.HandleWritable(event.Kevent{Ident: 4, Filter: event.EVFILT_WRITE, Flags: event.EV_EOF}, 4, 0, true))
	require.NoError(t, f.HandleVnode(event.Kevent{Ident: 5, Filter: event.EVFILT_VNODE}, 5, []string{"delete"}))
	require.NoError(t, f.HandleTimer(event.Kevent{Ident: 1, Filter: event.EVFILT_TIMER, Data: 2}, 1, 2))
	require.NoError(t, f.HandleSignal(event.Kevent{Ident: uint64(unix.SIGUSR1), Filter: event.EVFILT_SIGNAL, Data: 1}, unix.SIGUSR1, 1))

	var names []string
	for _, s := range fx.rec.Ended() {
		names = append(names, s.Name())
		assert.Equal(t, s.StartTime(), s.EndTime())
	}
	assert.Equal(t, []string{"kevent.read", "kevent.write", "kevent.vnode", "kevent.timer", "kevent.signal"}, names)

	read := attrMap(fx.ended("kevent.read")[0].Attributes())
	assert.Equal(t, "read", read["kevent.filter"].AsString())
	assert.Equal(t, int64(64), read["bytes"].AsInt64())
	assert.Equal(t, "true", read["big"].AsString())

	write := attrMap(fx.ended("kevent.write")[0].Attributes())
	assert.Equal(t, []string{"eof"}, write["kevent.flags"].AsStringSlice())
	assert.Equal(t, "false", write["big"].AsString())

	sig := attrMap(fx.ended("kevent.signal")[0].Attributes())
	assert.Equal(t, "SIGUSR1", sig["signal"].AsString())
}

func TestOTELFormatter_ChangeError(t *testing.T) {
	fx := newOTELFixture(t, trace.TraceID{}, nil)
	require.NoError(t, fx.f.HandleChangeError(event.Kevent{Ident: 7, Filter: event.EVFILT_PROC}, errors.New("no such process")))

	spans := fx.ended("kevent.change")
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "no such process", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestOTELFormatter_TraceID(t *testing.T) {
	traceID, _ := attributes.TraceID("4bf92f3577b34da6a3ce929d0e0e4736")
	require.True(t, traceID.IsValid())
	fx := newOTELFixture(t, traceID, nil)

	require.NoError(t, fx.f.HandleTimer(event.Kevent{Ident: 1, Filter: event.EVFILT_TIMER}, 1, 1))
	span := fx.ended("kevent.timer")[0]
	assert.Equal(t, traceID, span.SpanContext().TraceID())
	assert.Equal(t, rootSpanID(traceID), span.Parent().SpanID())
	assert.True(t, span.Parent().IsRemote())
}

func TestRootSpanID(t *testing.T) {
	var traceID trace.TraceID
	traceID[0] = 1
	id := rootSpanID(traceID)
	assert.True(t, id.IsValid())
	assert.Equal(t, byte(1), id[7])
}
