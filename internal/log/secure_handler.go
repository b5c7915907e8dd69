package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys contains attribute keys whose values are always masked.
var sensitiveKeys = map[string]bool{
	// Control port authentication
	"password":          true,
	"passwd":            true,
	"control_password":  true,
	"controlpassword":   true,
	"hashed_password":   true,
	"hashedpassword":    true,
	"cookie":            true,
	"cookie_hex":        true,
	"auth":              true,
	"auth_cookie":       true,
	"secret":            true,
	"credentials":       true,
	"private_key":       true,
	"onion_private_key": true,

	// Bridges are not public relays; their addresses identify the user's entry.
	"bridge":  true,
	"bridges": true,
}

// nonSensitiveSuffixes exempt keys that name where a secret lives rather
// than the secret itself, such as cookie_path.
var nonSensitiveSuffixes = []string{"_path", "_file", "_dir"}

// sensitivePatterns match whole values that are masked regardless of key.
var sensitivePatterns = []*regexp.Regexp{
	// Control cookie as sent in AUTHENTICATE (32 bytes, hex)
	regexp.MustCompile(`^[0-9A-Fa-f]{64}$`),

	// AUTHENTICATE with any argument
	regexp.MustCompile(`(?i)^AUTHENTICATE\s+\S+`),

	// HashedControlPassword value
	regexp.MustCompile(`^16:[0-9A-Fa-f]{58}$`),

	// ed25519v1 secret (v3 onion service key)
	regexp.MustCompile(`== ed25519v1-secret:`),
	regexp.MustCompile(`(?i)^ED25519-V3:[A-Za-z0-9+/=]{40,}$`),
}

// bridgeCert matches the cert= parameter of an obfs4 or webtunnel bridge
// line. Only the parameter is masked so the rest of a log line stays readable.
var bridgeCert = regexp.MustCompile(`\bcert=[^\s]+`)

// MaskValue is the string used to replace sensitive values.
const MaskValue = "***REDACTED***"

// SecureHandler wraps an slog.Handler and masks control-port secrets before
// they reach the underlying handler: passwords, cookies, hashed passwords,
// onion service keys and bridge certificates.
//
// Design decision: a handler wrapper rather than a custom logger, so that
// every component keeps taking a plain *slog.Logger (tornago included) and
// the masking cannot be bypassed by a component choosing its own calls.
type SecureHandler struct {
	handler slog.Handler
}

// NewSecureHandler wraps handler. A nil handler wraps slog.Default().Handler().
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled delegates to the underlying handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle masks the record's message and attributes and passes it on.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, maskBridgeCerts(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, sanitized)
}

// WithAttrs returns a handler with the sanitized attributes added.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitizedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitizedAttrs[i] = sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(sanitizedAttrs)}
}

// WithGroup returns a handler with the given group name.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitizedAttrs := make([]slog.Attr, len(attrs))
		for i, groupAttr := range attrs {
			sanitizedAttrs[i] = sanitizeAttr(groupAttr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitizedAttrs...)}
	}

	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskValue)
	}

	if a.Value.Kind() == slog.KindString {
		s := a.Value.String()
		if isSensitiveValue(s) {
			return slog.String(a.Key, MaskValue)
		}
		if masked := maskBridgeCerts(s); masked != s {
			return slog.String(a.Key, masked)
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if sensitiveKeys[key] {
		return true
	}
	for _, suffix := range nonSensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return false
		}
	}
	return containsSensitiveKeyword(key)
}

// containsSensitiveKeyword checks for sensitive words inside a key. A bare
// "auth" is only matched as a whole key: "authenticated" is a status flag.
func containsSensitiveKeyword(key string) bool {
	for _, keyword := range []string{"password", "passwd", "secret", "cookie", "private"} {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}

func isSensitiveValue(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

func maskBridgeCerts(s string) string {
	if !strings.Contains(s, "cert=") {
		return s
	}
	return bridgeCert.ReplaceAllString(s, "cert="+MaskValue)
}

// NewSecureLogger returns a text logger writing to w through a SecureHandler.
// The level is Debug when verbose and Warn otherwise.
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewSecureHandler(slog.NewTextHandler(w, handlerOptions(verbose))))
}

// NewSecureJSONLogger is NewSecureLogger with JSON output.
func NewSecureJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewSecureHandler(slog.NewJSONHandler(w, handlerOptions(verbose))))
}

func handlerOptions(verbose bool) *slog.HandlerOptions {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return &slog.HandlerOptions{Level: level}
}
