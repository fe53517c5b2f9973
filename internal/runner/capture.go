package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// captureHandler tees log records into an ordered line buffer while
// forwarding them to the process handler. It backs the per-run log capture
// that is persisted on the job record.
type captureHandler struct {
	next  slog.Handler
	mu    *sync.Mutex
	lines *[]string
	attrs []slog.Attr
}

func newCaptureHandler(next slog.Handler) *captureHandler {
	lines := make([]string, 0)
	return &captureHandler{
		next:  next,
		mu:    &sync.Mutex{},
		lines: &lines,
	}
}

// Lines returns the captured lines in emission order
func (h *captureHandler) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), *h.lines...)
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	// Capture at info and above even when the process logger is quieter.
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, rec slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s | %s",
		rec.Time.UTC().Format(time.RFC3339),
		rec.Level.String(),
		rec.Message,
	)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Resolve())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(appendAttr)

	h.mu.Lock()
	*h.lines = append(*h.lines, b.String())
	h.mu.Unlock()

	if h.next.Enabled(ctx, rec.Level) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{
		next:  h.next.WithAttrs(attrs),
		mu:    h.mu,
		lines: h.lines,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{
		next:  h.next.WithGroup(name),
		mu:    h.mu,
		lines: h.lines,
		attrs: h.attrs,
	}
}
