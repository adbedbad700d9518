package logging

import (
	"context"
	"log/slog"
)

// Handler drops records whose level is not enabled by its mask, then
// hands the rest to the wrapped handler.
type Handler struct {
	inner slog.Handler
	mask  *Mask
}

// NewHandler wraps inner with mask. A nil inner discards everything.
func NewHandler(inner slog.Handler, mask *Mask) *Handler {
	if inner == nil {
		inner = slog.DiscardHandler
	}
	if mask == nil {
		mask = NewMask(DefaultMask)
	}
	return &Handler{inner: inner, mask: mask}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.mask.Enabled(FromSlog(l)) && h.inner.Enabled(ctx, l)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs), mask: h.mask}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), mask: h.mask}
}

// Mask returns the mask gating h.
func (h *Handler) Mask() *Mask { return h.mask }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
