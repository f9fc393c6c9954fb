// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler dispatches every record to two handlers. Used by
// NewPeerLogger to write simultaneously to the global handler and to a
// per-peer debug file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check Enabled() on each handler independently so DEBUG records aren't
	// sent to a primary handler configured for INFO-or-above only.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the peer file must never suppress the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewPeerLogger builds a logger that writes to both the base (global)
// logger and a dedicated per-peer debug file, so that transport-level
// errors for one peer can be inspected in isolation (spec §7: persistent
// errors are logged with peer hostname, driver name, and error kind). The
// file is created at:
//
//	{peerLogDir}/{driver}/{peerHostname}.log
//
// Returns the enriched logger, an io.Closer that must be closed when the
// handle is released, and the path of the file created. If
// peerLogDir is empty, returns the base logger unmodified (no-op).
func NewPeerLogger(base *slog.Logger, peerLogDir, driver, peerHostname string) (*slog.Logger, io.Closer, string, error) {
	if peerLogDir == "" {
		return base, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(peerLogDir, driver)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating peer log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, peerHostname+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening peer log file %s: %w", logPath, err)
	}

	// The per-peer file always runs JSON at DEBUG for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   base.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}
