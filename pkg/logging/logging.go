// Package logging provides the slog handler used by the codio daemon, CLI,
// and tests. It renders records as a single colored line with a compact
// key=value attribute tail.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Options controls handler output.
type Options struct {
	Level      slog.Level
	UseColor   bool
	TimeFormat string
}

// DefaultOptions returns the daemon defaults: info level, colored output,
// RFC3339 timestamps.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

// Handler is a line-oriented slog.Handler.
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	group  string

	colorTime  func(...any) string
	colorMsg   func(...any) string
	colorAttrs func(...any) string
	colorLevel map[slog.Level]func(...any) string
}

// NewHandler creates a handler writing to w.
func NewHandler(w io.Writer, opts *Options) *Handler {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}

	h := &Handler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColors()
	return h
}

// New returns a logger backed by a Handler on stderr.
func New(level slog.Level) *slog.Logger {
	opts := DefaultOptions()
	opts.Level = level
	return slog.New(NewHandler(os.Stderr, &opts))
}

// Discard returns a logger that drops everything; used by tests that do not
// inspect log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *Handler) initColors() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = plain
		h.colorMsg = plain
		h.colorAttrs = plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMsg = color.New(color.FgCyan).SprintFunc()
	h.colorAttrs = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteByte(' ')

	levelStr := fmt.Sprintf("%-5s", r.Level.String())
	if colorFunc, ok := h.colorLevel[r.Level]; ok {
		levelStr = colorFunc(levelStr)
	}
	buf.WriteString(levelStr)
	buf.WriteByte(' ')
	buf.WriteString(h.colorMsg(r.Message))

	attrs := make(map[string]slog.Value, r.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		attrs[h.qualify(attr.Key)] = attr.Value.Resolve()
	}
	r.Attrs(func(attr slog.Attr) bool {
		attrs[h.qualify(attr.Key)] = attr.Value.Resolve()
		return true
	})

	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte(' ')
		tail := bytes.Buffer{}
		for i, k := range keys {
			if i > 0 {
				tail.WriteByte(' ')
			}
			fmt.Fprintf(&tail, "%s=%v", k, attrs[k].Any())
		}
		buf.WriteString(h.colorAttrs(tail.String()))
	}

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := h.clone()
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	if clone.group != "" {
		clone.group = clone.group + "." + name
	} else {
		clone.group = name
	}
	return clone
}

func (h *Handler) clone() *Handler {
	clone := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		group:  h.group,
	}
	clone.initColors()
	return clone
}

func (h *Handler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}
