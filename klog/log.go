// Package klog provides two things under one roof, per SPEC_FULL.md's
// ambient logging section: a small structured, leveled diagnostic logger
// (Logger) built directly on the teacher's logiface.Logger[E] — used
// internally for the kernel's own boot/error/assertion log — and
// DataLogger, the representative high-throughput client of spec.md §4.11,
// which exercises the Fixed FIFO Queue and N-Buffer Queue simultaneously.
package klog

import (
	"fmt"
	"os"

	"github.com/joeycumines/logiface"
)

// Level mirrors logiface.Level's syslog-derived ordering, trimmed to the
// subset the kernel's own diagnostics actually use.
type Level int8

const (
	LevelDisabled Level = iota - 1
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelDisabled:
		return "disabled"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// toLogiface maps Level onto logiface's syslog-derived scale, so the
// package's own event implementation can be filtered by logiface.Logger's
// built-in level check rather than reimplementing it.
func (l Level) toLogiface() logiface.Level {
	switch l {
	case LevelError:
		return logiface.LevelError
	case LevelWarning:
		return logiface.LevelWarning
	case LevelInfo:
		return logiface.LevelInformational
	case LevelDebug:
		return logiface.LevelDebug
	default:
		return logiface.LevelDisabled
	}
}

// fromLogiface is toLogiface's inverse, for translating an event's level
// back out to callers of Writer, which speak klog's own trimmed scale.
func fromLogiface(l logiface.Level) Level {
	switch l {
	case logiface.LevelError:
		return LevelError
	case logiface.LevelWarning:
		return LevelWarning
	case logiface.LevelInformational:
		return LevelInfo
	case logiface.LevelDebug:
		return LevelDebug
	default:
		return LevelDisabled
	}
}

// Field is a single structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Writer is the sink a Logger writes leveled, structured lines to —
// the Go realization of spec.md §6's "a byte-oriented write with a
// completion predicate" external collaborator, generalized to structured
// fields the way logiface.Writer[E] generalizes it. It is adapted to a
// logiface.Writer[*event] internally; callers never see logiface types.
type Writer interface {
	WriteLog(level Level, msg string, fields []Field) error
}

// WriterFunc adapts a function to a Writer.
type WriterFunc func(level Level, msg string, fields []Field) error

func (f WriterFunc) WriteLog(level Level, msg string, fields []Field) error { return f(level, msg, fields) }

// StderrWriter is a minimal Writer that renders a line per record — the
// kernel's boot log should not vanish silently, unlike logiface's own
// "no writer configured" default of dropping everything.
var StderrWriter Writer = WriterFunc(func(level Level, msg string, fields []Field) error {
	_, err := fmt.Fprintf(os.Stderr, "[%s] %s %v\n", level, msg, fields)
	return err
})

// event is this package's logiface.Event implementation: the minimal
// kernel-diagnostic record logiface.Builder accumulates into before a
// Writer sees it. It must embed logiface.UnimplementedEvent per that
// interface's contract.
type event struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	fields []Field
}

func (e *event) Level() logiface.Level { return e.level }

func (e *event) AddField(key string, val any) {
	e.fields = append(e.fields, Field{Key: key, Value: val})
}

func (e *event) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *event) AddError(err error) bool {
	e.fields = append(e.fields, Field{Key: "error", Value: err})
	return true
}

// adaptWriter bridges a klog.Writer to the logiface.Writer[*event] the
// underlying Logger actually writes to.
func adaptWriter(w Writer) logiface.Writer[*event] {
	return logiface.WriterFunc[*event](func(e *event) error {
		return w.WriteLog(fromLogiface(e.level), e.msg, e.fields)
	})
}

// Option configures a Logger constructed by New. It is a type alias for
// logiface.Option[*event], so logiface's own With* functions compose
// directly with this package's.
type Option = logiface.Option[*event]

// WithLevel sets the minimum enabled level; messages below it are
// dropped before reaching the Writer.
func WithLevel(level Level) Option {
	return logiface.WithLevel[*event](level.toLogiface())
}

// WithWriter overrides the sink. New defaults to StderrWriter; passing
// this option takes priority over that default rather than writing twice
// (see New's doc comment).
func WithWriter(w Writer) Option {
	return logiface.WithWriter[*event](adaptWriter(w))
}

// WithDPanicLevel sets the level DPanic messages are actually emitted
// at (logiface's "dpanic" field): LevelError in production-style
// configurations. DPanic never panics itself here — kernel.Fault is the
// dedicated fatal-invariant path (spec.md §7); this only controls
// DPanic's log severity.
func WithDPanicLevel(level Level) Option {
	return logiface.WithDPanicLevel[*event](level.toLogiface())
}

// Logger is a small structured, leveled logger, a thin kernel-diagnostic
// skin over logiface.Logger[E].
type Logger struct {
	inner *logiface.Logger[*event]
}

// New constructs a Logger. With no options, it logs LevelInfo and above
// to StderrWriter, and DPanic messages at LevelError. A WithWriter option
// takes priority over this default (logiface.WithWriter's writers run in
// reverse of registration order, falling through to an earlier one only
// on ErrDisabled), rather than writing twice.
func New(opts ...Option) *Logger {
	all := make([]Option, 0, len(opts)+3)
	all = append(all,
		logiface.WithEventFactory[*event](logiface.EventFactoryFunc[*event](func(level logiface.Level) *event {
			return &event{level: level}
		})),
		WithLevel(LevelInfo),
		WithDPanicLevel(LevelError),
		WithWriter(StderrWriter),
	)
	all = append(all, opts...)
	return &Logger{inner: logiface.New[*event](all...)}
}

func (l *Logger) log(level Level, msg string, fields []Field) {
	b := l.inner.Build(level.toLogiface())
	if b == nil {
		return
	}
	for _, f := range fields {
		b.Any(f.Key, f.Value)
	}
	b.Log(msg)
}

// Error logs at LevelError.
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

// Warning logs at LevelWarning.
func (l *Logger) Warning(msg string, fields ...Field) { l.log(LevelWarning, msg, fields) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, fields ...Field) { l.log(LevelInfo, msg, fields) }

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }

// DPanic logs an invariant-violation diagnostic at the configured dpanic
// level (spec.md §7's fatal class). The caller is still responsible for
// actually panicking via kernel.Fault; DPanic only records the message.
func (l *Logger) DPanic(msg string, fields ...Field) {
	b := l.inner.DPanic()
	if b == nil {
		return
	}
	for _, f := range fields {
		b.Any(f.Key, f.Value)
	}
	b.Log(msg)
}
