package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// ContextProvider returns the live attributes to stamp on each record, such
// as the current session id and state.
type ContextProvider func() []slog.Attr

// ContextHandler wraps another handler and stamps every record with the
// attributes of a swappable ContextProvider. A provided attribute is dropped
// when its value is an empty string or when the record, or the logger it
// came from, already carries the same key.
type ContextHandler struct {
	inner    slog.Handler
	provider *atomic.Pointer[ContextProvider]
	bound    map[string]struct{} // top-level keys added through WithAttrs
	grouped  bool
}

// NewContextHandler creates a handler that adds provider's attributes to
// each record. provider may be nil and replaced later with SetProvider.
func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	h := &ContextHandler{
		inner:    inner,
		provider: &atomic.Pointer[ContextProvider]{},
	}
	h.SetProvider(provider)
	return h
}

// SetProvider swaps the provider for this handler and every handler derived
// from it. nil stops stamping.
func (h *ContextHandler) SetProvider(p ContextProvider) {
	if p == nil {
		h.provider.Store(nil)
		return
	}
	h.provider.Store(&p)
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds the provider's attributes and delegates to the inner handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := h.contextAttrs(r); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) contextAttrs(r slog.Record) []slog.Attr {
	p := h.provider.Load()
	if p == nil {
		return nil
	}
	provided := (*p)()
	if len(provided) == 0 {
		return nil
	}

	// Record attrs sit inside the logger's group, so they can only clash
	// with provided keys when there is no group.
	var seen map[string]struct{}
	if !h.grouped && r.NumAttrs() > 0 {
		seen = make(map[string]struct{}, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			seen[a.Key] = struct{}{}
			return true
		})
	}

	out := make([]slog.Attr, 0, len(provided))
	for _, a := range provided {
		if a.Key == "" {
			continue
		}
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			continue
		}
		if _, ok := h.bound[a.Key]; ok {
			continue
		}
		if _, ok := seen[a.Key]; ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

// WithAttrs returns a new ContextHandler with the given attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound
	if !h.grouped && len(attrs) > 0 {
		bound = make(map[string]struct{}, len(h.bound)+len(attrs))
		for k := range h.bound {
			bound[k] = struct{}{}
		}
		for _, a := range attrs {
			bound[a.Key] = struct{}{}
		}
	}
	return &ContextHandler{
		inner:    h.inner.WithAttrs(attrs),
		provider: h.provider,
		bound:    bound,
		grouped:  h.grouped,
	}
}

// WithGroup returns a new ContextHandler with the given group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{
		inner:    h.inner.WithGroup(name),
		provider: h.provider,
		bound:    h.bound,
		grouped:  true,
	}
}
