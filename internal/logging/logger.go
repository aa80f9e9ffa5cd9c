// Package logging builds the structured logger used across stun.
package logging

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LevelTrace is more verbose than Debug; stun uses it for per-tick probe
// detail that would otherwise drown out the debug log.
const LevelTrace = slog.Level(-8)

// NewLogger creates a structured logger at the given level.
// Valid levels: trace, debug, info, warn, error. Unrecognized values fall
// back to info. All output goes to stdout.
func NewLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "trace":
		logLevel = LevelTrace
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

// LevelFromVerbosity maps a repeatable -v/--verbose count onto a level
// name, one step more verbose per occurrence, capping at trace.
func LevelFromVerbosity(count int) string {
	switch {
	case count <= 0:
		return "info"
	case count == 1:
		return "debug"
	default:
		return "trace"
	}
}

var (
	hostnamePattern = regexp.MustCompile(`([a-zA-Z0-9_-]+@)?([a-zA-Z0-9][a-zA-Z0-9.-]+)`)
	ipPattern       = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})\b`)
	sshKeyPattern   = regexp.MustCompile(`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`)
)

// Redact sanitizes a string before it reaches a log line: SSH private key
// material is blanked, IP addresses keep only their first octet, and bare
// hostnames are replaced outright.
func Redact(value string) string {
	result := value
	result = sshKeyPattern.ReplaceAllString(result, "[REDACTED-SSH-KEY]")
	result = ipPattern.ReplaceAllString(result, "$1.***")
	result = hostnamePattern.ReplaceAllStringFunc(result, func(m string) string {
		// Leave digits-and-dots runs alone so the octet kept above survives.
		if strings.Trim(m, "0123456789.") == "" {
			return m
		}
		return "[REDACTED-HOST]"
	})
	return result
}
