package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedAttrKeys are attribute keys never written verbatim to a log
// record. The rendezvous pairing flow and peer TLS material both pass
// through keys, tokens, and room-code secrets as slog attributes on
// occasion (a stray "key", "token", or "secret" attr added at a call
// site that didn't mean to log it); redacting by key name catches that
// without requiring every call site to remember to scrub it.
var redactedAttrKeys = map[string]bool{
	"key":        true,
	"tls_key":    true,
	"room_code":  true,
	"auth_token": true,
	"secret":     true,
}

// redactAttr implements slog.HandlerOptions.ReplaceAttr, blanking any
// attribute (at any group depth) whose key matches redactedAttrKeys or
// ends in "_key"/"_secret".
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	k := strings.ToLower(a.Key)
	if redactedAttrKeys[k] || strings.HasSuffix(k, "_key") || strings.HasSuffix(k, "_secret") {
		return slog.String(a.Key, "REDACTED")
	}
	return a
}

// NewLogger builds a slog.Logger configured with the given level, format,
// and output.
// Supported formats: "json" (default) and "text".
// Supported levels: "debug", "info" (default), "warn", "error".
// If filePath is non-empty, logs are written to stdout + file (MultiWriter).
// Returns the logger and an io.Closer that must be called on shutdown to
// close the file. If filePath is empty, the returned Closer is a no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: redactAttr}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// If the file can't be opened, log to stderr and continue with stdout only
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
