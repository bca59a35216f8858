// Package logging provides the process-wide structured logger: a colorized,
// human-readable slog.Handler used as slog.Default() everywhere in leech.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options configures a Handler's rendering.
type Options struct {
	Level          slog.Leveler
	UseColor       bool
	ShowSource     bool
	FullSourcePath bool
	TimeFormat     string
	FieldSeparator string
}

// DefaultOptions returns sensible defaults for interactive terminal use.
func DefaultOptions() Options {
	return Options{
		Level:          slog.LevelInfo,
		UseColor:       true,
		ShowSource:     true,
		FullSourcePath: false,
		TimeFormat:     time.RFC3339,
		FieldSeparator: " | ",
	}
}

// Handler renders slog records as single colorized lines: time | level |
// source | message | json-attrs.
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	groups []string
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
}

// NewHandler returns a Handler writing to w. A nil opts uses DefaultOptions.
func NewHandler(w io.Writer, opts *Options) *Handler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.RFC3339
	}
	if o.FieldSeparator == "" {
		o.FieldSeparator = " | "
	}

	h := &Handler{opts: o, writer: w, mu: &sync.Mutex{}}
	h.initColors()

	return h
}

func (h *Handler) initColors() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = plain, plain, plain, plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain, slog.LevelInfo: plain,
			slog.LevelWarn: plain, slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() { buf.Reset(); bufPool.Put(buf) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource {
		if src := h.extractSource(r.PC); src != "" {
			buf.WriteString(h.colorSource(src))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	attrs := h.collectAttrs(r)
	if len(attrs) > 0 {
		buf.WriteString(h.opts.FieldSeparator)
		if err := h.writeAttrs(buf, attrs); err != nil {
			fmt.Fprintf(buf, "(attr encode error: %v)", err)
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Wrap attrs in the groups open right now, so a later WithGroup does
	// not pull them into its own group.
	qualified := append([]slog.Attr(nil), attrs...)
	for i := len(h.groups) - 1; i >= 0; i-- {
		qualified = []slog.Attr{{Key: h.groups[i], Value: slog.GroupValue(qualified...)}}
	}

	nh := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append([]string(nil), h.groups...),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), qualified...),
	}
	nh.initColors()
	return nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	nh := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	nh.initColors()
	return nh
}

func (h *Handler) formatLevel(level slog.Level) string {
	label := strings.ToUpper(level.String())
	label = fmt.Sprintf("%-7s", label)

	if fn, ok := h.colorLevel[level]; ok {
		return fn(label)
	}
	return label
}

func (h *Handler) extractSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}

	file := frame.File
	if !h.opts.FullSourcePath {
		file = filepath.Base(file)
	}

	return fmt.Sprintf("%s:%d", file, frame.Line)
}

func (h *Handler) collectAttrs(r slog.Record) map[string]any {
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		addAttr(attrs, a)
	}

	cur := attrs
	for _, g := range h.groups {
		nested, ok := cur[g].(map[string]any)
		if !ok {
			nested = make(map[string]any)
			cur[g] = nested
		}
		cur = nested
	}

	r.Attrs(func(a slog.Attr) bool {
		addAttr(cur, a)
		return true
	})

	pruneEmptyGroups(attrs)
	return attrs
}

func addAttr(dst map[string]any, attr slog.Attr) {
	v := attr.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		group, _ := dst[attr.Key].(map[string]any)
		if group == nil {
			group = make(map[string]any)
		}
		for _, ga := range v.Group() {
			addAttr(group, ga)
		}
		if len(group) > 0 {
			dst[attr.Key] = group
		}
		return
	}

	switch v.Kind() {
	case slog.KindTime:
		dst[attr.Key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		dst[attr.Key] = v.Duration().String()
	default:
		dst[attr.Key] = v.Any()
	}
}

func pruneEmptyGroups(attrs map[string]any) {
	for k, v := range attrs {
		if nested, ok := v.(map[string]any); ok {
			pruneEmptyGroups(nested)
			if len(nested) == 0 {
				delete(attrs, k)
			}
		}
	}
}

func (h *Handler) writeAttrs(buf *bytes.Buffer, attrs map[string]any) error {
	var jsonBuf bytes.Buffer
	enc := json.NewEncoder(&jsonBuf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(attrs); err != nil {
		return err
	}

	buf.WriteString(h.colorFields(string(bytes.TrimRight(jsonBuf.Bytes(), "\n"))))
	return nil
}

// Init installs a Handler as slog's process-wide default logger.
func Init(w io.Writer, opts *Options) {
	slog.SetDefault(slog.New(NewHandler(w, opts)))
}
