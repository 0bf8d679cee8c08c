package asyncfiber

import (
	"github.com/joeycumines/logiface"
)

// logifaceEvent is the minimal [logiface.Event] implementation backing
// [NewLogifaceLogger]: it just accumulates the fields a [LogEntry] carries.
type logifaceEvent struct {
	logiface.UnimplementedEvent
	level logiface.Level
	msg   string
	err   error
	kv    map[string]any
}

func (e *logifaceEvent) Level() logiface.Level { return e.level }

func (e *logifaceEvent) AddField(key string, val any) {
	if e.kv == nil {
		e.kv = make(map[string]any, 4)
	}
	e.kv[key] = val
}

func (e *logifaceEvent) AddMessage(msg string) bool { e.msg = msg; return true }

func (e *logifaceEvent) AddError(err error) bool { e.err = err; return true }

// logifaceLogger adapts an [*logiface.Logger] of [*logifaceEvent] into this
// package's [Logger] interface, so an application that already wires
// zerolog/logrus/slog through logiface (see the logiface-zerolog,
// logiface-logrus and logiface-slog sibling modules) can receive the loop's
// and the watchdog's structured events through the same pipeline, instead of
// this package depending on any single backend directly.
type logifaceLogger struct {
	l *logiface.Logger[*logifaceEvent]
}

// NewLogifaceLogger wraps l as an asyncfiber [Logger].
func NewLogifaceLogger(l *logiface.Logger[*logifaceEvent]) Logger {
	return &logifaceLogger{l: l}
}

// NewLogifaceEventFactory returns the [logiface.EventFactory] callers need
// when constructing the underlying logger with logiface.New, paired with
// a [logiface.Writer] built by [NewLogifaceWriter].
func NewLogifaceEventFactory() logiface.EventFactory[*logifaceEvent] {
	return logiface.NewEventFactoryFunc(func(level logiface.Level) *logifaceEvent {
		return &logifaceEvent{level: level}
	})
}

// NewLogifaceWriter builds a [logiface.Writer] that forwards every event to
// sink as a [LogEntry].
func NewLogifaceWriter(sink Logger) logiface.Writer[*logifaceEvent] {
	return logiface.NewWriterFunc(func(event *logifaceEvent) error {
		sink.Log(LogEntry{
			Level:    fromLogifaceLevel(event.level),
			Category: "logiface",
			Message:  event.msg,
			Err:      event.err,
			Fields:   event.kv,
		})
		return nil
	})
}

func fromLogifaceLevel(level logiface.Level) LogLevel {
	switch {
	case level >= logiface.LevelError:
		return LevelError
	case level >= logiface.LevelWarning:
		return LevelWarn
	case level >= logiface.LevelInformational:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func toLogifaceLevel(level LogLevel) logiface.Level {
	switch level {
	case LevelError:
		return logiface.LevelError
	case LevelWarn:
		return logiface.LevelWarning
	case LevelInfo:
		return logiface.LevelInformational
	default:
		return logiface.LevelDebug
	}
}

func (a *logifaceLogger) IsEnabled(level LogLevel) bool {
	b := a.l.Build(toLogifaceLevel(level))
	enabled := b.Enabled()
	b.Release()
	return enabled
}

func (a *logifaceLogger) Log(entry LogEntry) {
	b := a.l.Build(toLogifaceLevel(entry.Level))
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	if entry.LoopID != 0 {
		b = b.Int("loop_id", int(entry.LoopID))
	}
	if entry.FiberID != 0 {
		b = b.Int("fiber_id", int(entry.FiberID))
	}
	for k, v := range entry.Fields {
		b = b.Any(k, v)
	}
	b.Log(entry.Message)
}
