// Package logging implements scheduler logging on top of zerolog,
// keeping the chaining shape of ipp-usb's hand-rolled Logger /
// LogMessage API: a child logger per component, a LogMessage built line
// by line and flushed as one atomic record, and Cc() to mirror selected
// lines to another logger (e.g. an audit logger).
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/OpenPrinting/goipp"
	"github.com/rs/zerolog"
)

// LogLevel enumerates the log levels a message line is tagged with,
// mirroring ipp-usb's LogLevel bitmask.
type LogLevel int

const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
	LogTraceIPP
	LogTraceDispatch

	LogTraceAll = LogTraceIPP | LogTraceDispatch
	LogAll      = LogError | LogInfo | LogDebug | LogTraceAll
)

func (l LogLevel) zerolog() zerolog.Level {
	switch {
	case l&LogTraceAll != 0:
		return zerolog.TraceLevel
	case l&LogDebug != 0:
		return zerolog.DebugLevel
	case l&LogInfo != 0:
		return zerolog.InfoLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Logger wraps a zerolog.Logger for one component ("dispatcher",
// "jobstore", ...) and keeps a list of carbon-copy targets.
type Logger struct {
	component string
	zl        zerolog.Logger
	mu        sync.Mutex
	cc        []ccEntry
}

type ccEntry struct {
	mask LogLevel
	to   *Logger
}

// Root is the default logger, writing structured JSON lines to stderr
// the way a daemon run under a supervisor is expected to. Use New() to
// produce per-component children instead of logging through Root
// directly.
var Root = New("scheduler")

// rootZl is the base every Logger is derived from when New creates it.
// SetLevel applies process-wide through zerolog's global level;
// SetOutput replaces rootZl's writer, which reaches only Loggers created
// after the call.
var rootZl = zerolog.New(os.Stderr).With().Timestamp().Logger()

// New creates a Logger scoped to component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		zl:        rootZl.With().Str("component", component).Logger(),
	}
}

// SetOutput redirects the output of Loggers created after the call
// (console during development, a rotated file under production
// deployment). Loggers that already exist, Root among them, keep
// writing where they wrote before.
func SetOutput(w io.Writer) {
	rootZl = rootZl.Output(w)
}

// SetLevel sets the minimum zerolog level process-wide.
func SetLevel(level LogLevel) {
	zerolog.SetGlobalLevel(level.zerolog())
}

// Cc registers to as a carbon-copy recipient for lines matching mask.
// LogTraceXxx implies LogDebug, LogDebug implies LogInfo, LogInfo implies
// LogError, exactly as in ipp-usb's Cc().
func (l *Logger) Cc(mask LogLevel, to *Logger) {
	if mask&LogTraceAll != 0 {
		mask |= LogDebug
	}
	if mask&LogDebug != 0 {
		mask |= LogInfo
	}
	if mask&LogInfo != 0 {
		mask |= LogError
	}

	l.mu.Lock()
	l.cc = append(l.cc, ccEntry{mask, to})
	l.mu.Unlock()
}

// Begin starts a new LogMessage: one atomic, possibly multi-line record.
func (l *Logger) Begin() *LogMessage {
	return &LogMessage{logger: l}
}

// Error is shorthand for Begin().Error(...).Commit().
func (l *Logger) Error(format string, args ...any) {
	l.Begin().Error(format, args...).Commit()
}

// Info is shorthand for Begin().Info(...).Commit().
func (l *Logger) Info(format string, args ...any) {
	l.Begin().Info(format, args...).Commit()
}

// Debug is shorthand for Begin().Debug(...).Commit().
func (l *Logger) Debug(format string, args ...any) {
	l.Begin().Debug(format, args...).Commit()
}

// LogMessage accumulates lines under one level and one logger, flushed
// as a single zerolog event so concurrent log activity from other
// components never interleaves with it.
type LogMessage struct {
	logger *Logger
	lines  []line
	fields map[string]string
}

type line struct {
	level LogLevel
	text  string
}

// Add appends a formatted line at level.
func (msg *LogMessage) Add(level LogLevel, format string, args ...any) *LogMessage {
	msg.lines = append(msg.lines, line{level, sprintf(format, args...)})
	return msg
}

func (msg *LogMessage) Debug(format string, args ...any) *LogMessage {
	return msg.Add(LogDebug, format, args...)
}

func (msg *LogMessage) Info(format string, args ...any) *LogMessage {
	return msg.Add(LogInfo, format, args...)
}

func (msg *LogMessage) Error(format string, args ...any) *LogMessage {
	return msg.Add(LogError, format, args...)
}

// Field attaches a structured key/value to the flushed event, for
// correlation IDs (job id, request id) that a plain line-oriented
// format has no room for.
func (msg *LogMessage) Field(key, value string) *LogMessage {
	if msg.fields == nil {
		msg.fields = map[string]string{}
	}
	msg.fields[key] = value
	return msg
}

// IPPRequest dumps an IPP request into the message as a single text
// field, the way ipp-usb's IppRequest() writes the pretty-printed
// message to the log.
func (msg *LogMessage) IPPRequest(m *goipp.Message) *LogMessage {
	var buf bytes.Buffer
	m.Print(&buf, true)
	return msg.Field("ipp-request", buf.String())
}

// IPPResponse dumps an IPP response the same way.
func (msg *LogMessage) IPPResponse(m *goipp.Message) *LogMessage {
	var buf bytes.Buffer
	m.Print(&buf, false)
	return msg.Field("ipp-response", buf.String())
}

// HexDump attaches a classic two-column hex/ASCII dump as a field.
func (msg *LogMessage) HexDump(key string, data []byte) *LogMessage {
	var buf bytes.Buffer
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		for i, b := range chunk {
			fmtHexByte(&buf, b)
			if i%4 == 3 {
				buf.WriteByte(':')
			} else {
				buf.WriteByte(' ')
			}
		}
		for i := len(chunk); i < 16; i++ {
			buf.WriteString("   ")
		}
		buf.WriteByte(' ')
		for _, b := range chunk {
			if b >= 0x20 && b < 0x80 {
				buf.WriteByte(b)
			} else {
				buf.WriteByte('.')
			}
		}
		buf.WriteByte('\n')
	}
	return msg.Field(key, buf.String())
}

func fmtHexByte(buf *bytes.Buffer, b byte) {
	const hexdigits = "0123456789abcdef"
	buf.WriteByte(hexdigits[b>>4])
	buf.WriteByte(hexdigits[b&0xf])
}

// Commit flushes the accumulated lines as one event at the highest
// level among them, then carbon-copies matching lines to registered
// recipients.
func (msg *LogMessage) Commit() {
	if len(msg.lines) == 0 {
		return
	}

	highest := LogLevel(0)
	var text bytes.Buffer
	for i, l := range msg.lines {
		if i > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(l.text)
		if l.level > highest {
			highest = l.level
		}
	}

	ev := msg.logger.eventFor(highest)
	for k, v := range msg.fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(text.String())

	msg.logger.mu.Lock()
	cc := append([]ccEntry(nil), msg.logger.cc...)
	msg.logger.mu.Unlock()

	for _, entry := range cc {
		fwd := entry.to.Begin()
		for _, l := range msg.lines {
			if l.level&entry.mask != 0 {
				fwd.Add(l.level, "%s", l.text)
			}
		}
		fwd.Commit()
	}
}

func (l *Logger) eventFor(level LogLevel) *zerolog.Event {
	switch {
	case level&LogError != 0:
		return l.zl.Error()
	case level&LogTraceAll != 0:
		return l.zl.Trace()
	case level&LogDebug != 0:
		return l.zl.Debug()
	default:
		return l.zl.Info()
	}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
