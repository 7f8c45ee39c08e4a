package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format selects "json" or "text" output. JSON is the default.
	Format string

	// Output receives log records. Defaults to os.Stderr: stdout belongs
	// to the MCP transport and must carry nothing but protocol frames.
	Output io.Writer

	// AddSource includes file and line in every record.
	AddSource bool

	// RedactPatterns are extra regexes scrubbed from string values on top
	// of DefaultRedactPatterns.
	RedactPatterns []string
}

// DefaultRedactPatterns covers credentials that commonly leak through tool
// arguments and error text.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?[a-zA-Z0-9_\-]{16,}["']?`,
	`(?i)(bearer|token)[\s:]+[a-zA-Z0-9_\-.]{16,}`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?[^\s"']{8,}["']?`,

	// GitHub tokens show up in git remotes and CI configs.
	`gh[pousr]_[A-Za-z0-9]{36,}`,

	// JWTs.
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Bare hex secrets assigned to key-ish names.
	`(?i)(secret|key|token)[\s:=]+["']?[a-fA-F0-9]{32,}["']?`,
}

// sensitiveKeys name attributes whose values are dropped outright, whatever
// they contain.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"privatekey":    true,
	"auth":          true,
	"authorization": true,
}

// NewLogger builds a slog.Logger per cfg with credential redaction applied
// to every record. Invalid extra patterns are skipped rather than rejected
// so a bad config entry cannot take logging down with it.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		inner = slog.NewTextHandler(out, opts)
	} else {
		inner = slog.NewJSONHandler(out, opts)
	}

	all := make([]string, 0, len(DefaultRedactPatterns)+len(cfg.RedactPatterns))
	all = append(all, DefaultRedactPatterns...)
	all = append(all, cfg.RedactPatterns...)

	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	return slog.New(&redactHandler{inner: inner, patterns: patterns})
}

// redactHandler scrubs attribute values and the message before delegating
// to the wrapped handler. Wrapping at the handler level keeps redaction in
// force across With and WithGroup derivatives.
type redactHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, h.redactString(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.redactAttr(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(scrubbed), patterns: h.patterns}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), patterns: h.patterns}
}

func (h *redactHandler) redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))] {
		return slog.String(a.Key, "[REDACTED]")
	}

	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactString(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, ga := range group {
			scrubbed[i] = h.redactAttr(ga)
		}
		a.Value = slog.GroupValue(scrubbed...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			a.Value = slog.StringValue(h.redactString(err.Error()))
		}
	}
	return a
}

func (h *redactHandler) redactString(s string) string {
	for _, re := range h.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// LogLevelFromString maps a level name to a slog.Level, defaulting to info.
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
