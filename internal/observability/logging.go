// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string `yaml:"level"`

	// Format specifies output format: "json" or "text"
	Format string `yaml:"format"`

	// LevelVar, when set, is initialized from Level and controls the
	// handler level so it can be changed at runtime.
	LevelVar *slog.LevelVar `yaml:"-"`

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer `yaml:"-"`

	// AddSource includes file and line number in log records
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are additional regex patterns for sensitive data redaction
	RedactPatterns []string `yaml:"redact_patterns"`
}

// DefaultRedactPatterns covers the secrets a realtime client handles: access
// tokens in socket URLs, bearer headers, refresh tokens and JWTs.
var DefaultRedactPatterns = []string{
	`(?i)(?P<keep>[?&](?:token|access|refresh)=)[^&\s"]+`,
	`(?i)(bearer)\s+[a-zA-Z0-9_\-\.]{8,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|password|passwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access":        true,
	"refresh":       true,
	"refresh_token": true,
	"jwt_secret":    true,
	"authorization": true,
}

// NewLogger builds a slog.Logger whose handler redacts secrets from the
// message and from string attributes.
//
// If config.Output is nil, logs are written to os.Stderr.
// If config.Level is empty or invalid, defaults to "info".
// If config.Format is empty, defaults to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Format == "" {
		config.Format = "json"
	}

	var level slog.Leveler = LogLevelFromString(config.Level)
	if config.LevelVar != nil {
		config.LevelVar.Set(level.Level())
		level = config.LevelVar
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return slog.New(&redactingHandler{
		inner:   handler,
		redacts: compilePatterns(append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)),
	})
}

// redaction replaces a match with [REDACTED], keeping the "keep" group
// when the pattern defines one.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

func compilePatterns(patterns []string) []redaction {
	redacts := make([]redaction, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		repl := "[REDACTED]"
		if re.SubexpIndex("keep") >= 0 {
			repl = "${keep}[REDACTED]"
		}
		redacts = append(redacts, redaction{re: re, repl: repl})
	}
	return redacts
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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

// OrDefault returns logger, or slog.Default when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

type redactingHandler struct {
	inner   slog.Handler
	redacts []redaction
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		cleaned[i] = h.redactAttr(attr)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(cleaned), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))] {
		return slog.String(attr.Key, "[REDACTED]")
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		cleaned := make([]any, len(group))
		for i, inner := range group {
			cleaned[i] = h.redactAttr(inner)
		}
		return slog.Group(attr.Key, cleaned...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.redactString(err.Error()))
		}
	}
	return attr
}

func (h *redactingHandler) redactString(s string) string {
	for _, r := range h.redacts {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
