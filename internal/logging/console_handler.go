package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/clock"
)

const componentKey = "component"

// ConsoleHandler writes one syslog-like line per record:
//
//	2024-05-01T10:00:00Z appwall[412]: [info] reconciler: default mode changed mode=accept
//
// The component attribute moves into the header. Groups are flattened.
type ConsoleHandler struct {
	level     slog.Leveler
	out       io.Writer
	mu        *sync.Mutex
	header    string
	component string
	attrs     []slog.Attr
}

// NewConsoleHandler creates a ConsoleHandler writing to out.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &ConsoleHandler{
		level:  level,
		out:    out,
		mu:     new(sync.Mutex),
		header: brand.BinaryName + "[" + strconv.Itoa(os.Getpid()) + "]: ",
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = clock.Now()
	}

	component := h.component
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey {
			component = a.Value.String()
		} else {
			attrs = append(attrs, a)
		}
		return true
	})

	var b bytes.Buffer
	b.WriteString(ts.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(h.header)
	b.WriteString("[" + strings.ToLower(r.Level.String()) + "] ")
	if component != "" {
		b.WriteString(strings.ToLower(component) + ": ")
	}
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	for _, a := range attrs {
		writeAttr(&b, a)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(b.Bytes())
	return err
}

func writeAttr(b *bytes.Buffer, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve().String()
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		v = strconv.Quote(v)
	}
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(v)
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == componentKey {
			c.component = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *ConsoleHandler) WithGroup(string) slog.Handler {
	return h
}
