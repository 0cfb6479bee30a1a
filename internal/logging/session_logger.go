package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// sessionLogRotateThreshold is the size past which a session's debug log
// is rotated. Transfers sized toward spec.md's ~100GB target can run for
// hours at DEBUG level, and an unrotated session log would otherwise grow
// unbounded for the life of the transfer.
const sessionLogRotateThreshold = 64 << 20

// rotatingFile wraps the open session log file, renaming it to a single
// ".1" backup and reopening once it exceeds sessionLogRotateThreshold.
// Only one backup generation is kept; a session log is diagnostic, not an
// audit trail, so unbounded history isn't the goal.
type rotatingFile struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	size      int64
	threshold int64
}

func newRotatingFile(path string, f *os.File, threshold int64) (*rotatingFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &rotatingFile{path: path, f: f, size: info.Size(), threshold: threshold}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size >= r.threshold {
		if err := r.rotateLocked(); err != nil {
			// Rotation failure must not block the write itself; keep
			// appending to the oversized file rather than lose records.
			fmt.Fprintf(os.Stderr, "WARNING: rotating session log %s: %v\n", r.path, err)
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	backup := r.path + ".1"
	os.Remove(backup)
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. Used by NewSessionLogger to write simultaneously to the global
// handler and the session's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check Enabled() on each handler individually before dispatching.
	// This ensures DEBUG records are not sent to the primary handler when
	// it only accepts INFO (or higher).
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors on the session file must not block the global log.
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

// NewSessionLogger creates a logger that writes to both the base (global)
// logger and a file dedicated to one session. The file is created at:
//
//	{sessionLogDir}/{peerName}/{sessionID}.log
//
// Returns the enriched logger, an io.Closer to close the session file, and
// the path of the created file (joined from sessionLogDir, so relative if
// sessionLogDir is). The Closer MUST be called (defer)
// when the session ends.
//
// If sessionLogDir is empty, returns the base logger unmodified (no-op).
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, peerName, sessionID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, peerName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, sessionID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log file %s: %w", logPath, err)
	}
	rf, err := newRotatingFile(logPath, f, sessionLogRotateThreshold)
	if err != nil {
		f.Close()
		return nil, nil, "", fmt.Errorf("stat-ing session log file %s: %w", logPath, err)
	}

	// The session file always uses JSON at DEBUG level for maximum capture.
	fileHandler := slog.NewJSONHandler(rf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan-out: dispatches to the base logger's handler + the file handler.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), rf, logPath, nil
}

// RemoveSessionLog removes the log file of a successfully finished session.
// No-op if sessionLogDir is empty or the file does not exist.
func RemoveSessionLog(sessionLogDir, peerName, sessionID string) {
	if sessionLogDir == "" {
		return
	}
	logPath := filepath.Join(sessionLogDir, peerName, sessionID+".log")
	os.Remove(logPath)
	os.Remove(logPath + ".1")
}
