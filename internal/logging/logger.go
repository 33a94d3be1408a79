// Package logging provides the leveled logger handed to every capture stage.
// A Logger is created once per run in main and passed down explicitly; each
// stage derives its own handle with With.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = [...]string{Debug: "DEBUG", Info: "INFO", Warn: "WARN", Error: "ERROR"}

func (l Level) String() string {
	if l < Debug || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel converts a configuration string to a Level. An empty string
// selects Info and "warning" is accepted for Warn.
func ParseLevel(s string) (Level, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	switch want {
	case "":
		return Info, nil
	case "WARNING":
		return Warn, nil
	}
	for l, name := range levelNames {
		if name == want {
			return Level(l), nil
		}
	}
	return Level(0), fmt.Errorf("unsupported log level %q", s)
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota // [LEVEL] stage: message key=value
	JSON               // one object per line
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	}
	return "unknown"
}

// ParseFormat converts a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return Text, nil
	case "json":
		return JSON, nil
	}
	return Format(0), fmt.Errorf("unsupported log format %q", s)
}

// Field is one structured key/value pair of an entry.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the leveled handle passed to every capture stage.
//
// A "stage" field set through With is not rendered as a key=value pair:
// text lines show it as a component tag in front of the message and JSON
// lines carry it as a top-level "stage" member.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

// StageKey names the field rendered as the component tag.
const StageKey = "stage"

// sink is shared by a root logger and every logger derived from it.
type sink struct {
	mu     sync.Mutex
	level  Level
	format Format
	out    *log.Logger
}

type logger struct {
	*sink
	stage string
	ctx   []Field // context fields, stage excluded
	text  string  // ctx pre-rendered as key=value pairs
}

// New constructs a Logger writing entries of at least level to out.
func New(level Level, format Format, out io.Writer) Logger {
	return &logger{sink: &sink{
		level:  level,
		format: format,
		out:    log.New(out, "", log.LstdFlags|log.Lmicroseconds),
	}}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return New(Error+1, Text, io.Discard)
}

// With returns a logger adding fields to every entry. A later stage
// replaces the previous one.
func (l *logger) With(fields ...Field) Logger {
	d := &logger{sink: l.sink, stage: l.stage}
	d.ctx = append(d.ctx, l.ctx...)
	for _, f := range fields {
		switch f.Key {
		case "":
		case StageKey:
			d.stage = fmt.Sprint(f.Value)
		default:
			d.ctx = append(d.ctx, f)
		}
	}
	var b strings.Builder
	writePairs(&b, d.ctx)
	d.text = b.String()
	return d
}

func (l *logger) Enabled(level Level) bool { return level >= l.level }

func (l *logger) Debug(msg string, fields ...Field) { l.emit(Debug, msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { l.emit(Info, msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { l.emit(Warn, msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { l.emit(Error, msg, fields) }

func (l *logger) emit(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}
	var line string
	if l.format == JSON {
		line = l.renderJSON(level, msg, fields)
	} else {
		line = l.renderText(level, msg, fields)
	}
	l.mu.Lock()
	l.out.Print(line)
	l.mu.Unlock()
}

// renderText lays an entry out as
//
//	[LEVEL] stage: message key=value ... context=value ...
func (l *logger) renderText(level Level, msg string, fields []Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", level)
	if l.stage != "" {
		b.WriteString(l.stage)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	writePairs(&b, fields)
	if l.text != "" {
		b.WriteByte(' ')
		b.WriteString(l.text)
	}
	return b.String()
}

// writePairs appends key=value for every keyed field, space separated.
func writePairs(b *strings.Builder, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(textValue(f.Value))
	}
}

// textValue quotes values that would break the key=value layout.
func textValue(v any) string {
	var s string
	switch v := v.(type) {
	case error:
		s = v.Error()
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// renderJSON writes the members in a fixed order: time, level, stage, msg,
// then the entry fields and the context fields.
func (l *logger) renderJSON(level Level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteByte('{')
	member(&b, "time", time.Now().Format(time.RFC3339Nano))
	member(&b, "level", level.String())
	if l.stage != "" {
		member(&b, StageKey, l.stage)
	}
	member(&b, "msg", msg)
	seen := map[string]bool{"time": true, "level": true, StageKey: true, "msg": true}
	for _, set := range [][]Field{fields, l.ctx} {
		for _, f := range set {
			if f.Key == "" || seen[f.Key] {
				continue
			}
			seen[f.Key] = true
			v := f.Value
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			member(&b, f.Key, v)
		}
	}
	b.WriteByte('}')
	return b.String()
}

func member(b *strings.Builder, key string, v any) {
	if b.Len() > 1 {
		b.WriteByte(',')
	}
	k, _ := json.Marshal(key)
	b.Write(k)
	b.WriteByte(':')
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	b.Write(data)
}
