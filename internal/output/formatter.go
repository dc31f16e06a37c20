package output

import (
	"github.com/mrzor/kevent/internal/attributes"
	"github.com/mrzor/kevent/internal/event"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// TextFormatter logs every event it receives.
type TextFormatter struct {
	log       *zap.Logger
	evaluator *attributes.Evaluator
	environ   map[string]string
}

// NewTextFormatter creates a formatter writing to log. evaluator may be nil.
func NewTextFormatter(log *zap.Logger, evaluator *attributes.Evaluator, environ map[string]string) *TextFormatter {
	return &TextFormatter{log: log, evaluator: evaluator, environ: environ}
}

func (f *TextFormatter) emit(msg string, kev event.Kevent, fields ...zap.Field) {
	fields = append(fields,
		zap.String("filter", event.FilterName(kev.Filter)),
		zap.Uint64("ident", kev.Ident),
		zap.Strings("flags", event.FlagNames(kev.Flags)),
	)
	if kev.Udata != nil {
		fields = append(fields, zap.Any("udata", kev.Udata))
	}
	if f.evaluator != nil {
		for _, kv := range f.evaluator.Evaluate(kev, f.environ) {
			fields = append(fields, attrField(kv))
		}
	}
	f.log.Info(msg, fields...)
}

func attrField(kv attribute.KeyValue) zap.Field {
	return zap.String("attr."+string(kv.Key), kv.Value.Emit())
}

func (f *TextFormatter) HandleProcessChild(kev event.Kevent, pid, ppid int) error {
	f.emit("process tracked", kev, zap.Int("pid", pid), zap.Int("ppid", ppid))
	return nil
}

func (f *TextFormatter) HandleProcessFork(kev event.Kevent, pid int) error {
	fields := []zap.Field{zap.Int("pid", pid)}
	if kev.Fflags&event.NOTE_TRACKERR != 0 {
		fields = append(fields, zap.Bool("track_error", true))
	}
	f.emit("process forked", kev, fields...)
	return nil
}

func (f *TextFormatter) HandleProcessExec(kev event.Kevent, pid int) error {
	f.emit("process exec", kev, zap.Int("pid", pid))
	return nil
}

func (f *TextFormatter) HandleProcessExit(kev event.Kevent, pid, status int) error {
	f.emit("process exited", kev, zap.Int("pid", pid), zap.Int("status", status))
	return nil
}

func (f *TextFormatter) HandleReadable(kev event.Kevent, fd uint64, n int64, eof bool) error {
	f.emit("readable", kev, zap.Uint64("fd", fd), zap.Int64("bytes", n), zap.Bool("eof", eof))
	return nil
}

func (f *TextFormatter) HandleWritable(kev event.Kevent, fd uint64, n int64, eof bool) error {
	f.emit("writable", kev, zap.Uint64("fd", fd), zap.Int64("bytes", n), zap.Bool("eof", eof))
	return nil
}

func (f *TextFormatter) HandleVnode(kev event.Kevent, fd uint64, notes []string) error {
	f.emit("vnode changed", kev, zap.Uint64("fd", fd), zap.Strings("notes", notes))
	return nil
}

func (f *TextFormatter) HandleTimer(kev event.Kevent, ident uint64, expirations int64) error {
	f.emit("timer expired", kev, zap.Uint64("timer", ident), zap.Int64("expirations", expirations))
	return nil
}

func (f *TextFormatter) HandleSignal(kev event.Kevent, sig unix.Signal, count int64) error {
	f.emit("signal delivered", kev, zap.String("signal", unix.SignalName(sig)), zap.Int64("count", count))
	return nil
}

func (f *TextFormatter) HandleChangeError(kev event.Kevent, err error) error {
	f.log.Warn("change rejected",
		zap.String("filter", event.FilterName(kev.Filter)),
		zap.Uint64("ident", kev.Ident),
		zap.Error(err))
	return nil
}
