// Package slogutil provides the slog handlers and logger constructors used by aevo.
package slogutil

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"aevo/internal/errors"
)

// timeFormat keeps millisecond precision so pipeline stages stay ordered in the log.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Handler writes one line per record:
//
//	TIMESTAMP [level] Message | key=value key=value
//
// An error value carrying an evolution error code is written as its message
// followed by <key>.code and, when tagged, <key>.event. String slices, which
// the pipeline uses for event id lists, are written as [a,b].
type Handler struct {
	w      io.Writer
	level  slog.Leveler
	prefix string // open groups, joined with dots and ending in one
	pre    string // attrs from WithAttrs, already rendered
	mu     *sync.Mutex
}

// NewHandler creates a line-format handler writing to w.
func NewHandler(w io.Writer, opts *slog.HandlerOptions) *Handler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &Handler{w: w, level: level, mu: &sync.Mutex{}}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(timeFormat))
	b.WriteString(" [")
	b.WriteString(levelString(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	var tail strings.Builder
	tail.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&tail, h.prefix, a)
		return true
	})
	if tail.Len() > 0 {
		b.WriteString(" |")
		b.WriteString(tail.String())
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs renders attrs once under the groups open now; groups opened
// later do not apply to them.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	cp := *h
	cp.pre = b.String()
	return &cp
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

// appendAttr writes " key=value" for a, flattening groups into dotted keys.
func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		inner := prefix
		if a.Key != "" {
			inner += a.Key + "."
		}
		for _, ga := range v.Group() {
			appendAttr(b, inner, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	key := prefix + a.Key

	if err, ok := v.Any().(error); ok && v.Kind() == slog.KindAny && err != nil {
		writePair(b, key, quote(errorMessage(err)))
		var evoErr *errors.EvoError
		if stderrors.As(err, &evoErr) {
			writePair(b, key+".code", string(evoErr.Code))
			if evoErr.EventID != "" {
				writePair(b, key+".event", quote(evoErr.EventID))
			}
		}
		return
	}
	writePair(b, key, formatValue(v))
}

func writePair(b *strings.Builder, key, value string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
}

// errorMessage drops the "[CODE] event id:" prefix of evolution errors;
// both are written as their own keys.
func errorMessage(err error) string {
	var evoErr *errors.EvoError
	if stderrors.As(err, &evoErr) && evoErr == err {
		if cause := evoErr.Unwrap(); cause != nil {
			return evoErr.Message + ": " + cause.Error()
		}
		return evoErr.Message
	}
	return err.Error()
}

func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

// quote keeps the key=value tail splittable on spaces.
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n|=\"") {
		return strconv.Quote(s)
	}
	return s
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return quote(v.String())
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if ids, ok := v.Any().([]string); ok {
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = quote(id)
			}
			return "[" + strings.Join(parts, ",") + "]"
		}
		return quote(fmt.Sprint(v.Any()))
	default:
		return v.String()
	}
}
