package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Rules decides which attribute keys are dropped and which are replaced by a
// per-process fingerprint.
type Rules struct {
	Fingerprint map[string]struct{}
	Redact      []string
}

var bootNonce = randomNonce()

// DefaultRules keeps accounts, keys and channels out of plain logs.
func DefaultRules() Rules {
	return Rules{
		Fingerprint: map[string]struct{}{
			"account":          {},
			"previous_account": {},
			"signer":           {},
			"identity_id":      {},
			"identity_key":     {},
			"invite_key":       {},
			"channel":          {},
		},
		Redact: []string{"mnemonic", "secret", "password", "passphrase", "private", "signature", "token"},
	}
}

type SanitizingHandler struct {
	next  slog.Handler
	rules Rules
}

func WrapHandler(next slog.Handler) slog.Handler {
	return WrapHandlerWithRules(next, DefaultRules())
}

func WrapHandlerWithRules(next slog.Handler, rules Rules) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, rules: rules}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.rules.Sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(h.rules.sanitizeAll(attrs)), rules: h.rules}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), rules: h.rules}
}

// Sanitize rewrites a single attribute, descending into groups.
func (r Rules) Sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	switch {
	case r.redacts(lower):
		return slog.String(key, redactedValue)
	case r.fingerprints(lower):
		return slog.String(fingerprintKeyName(key), Fingerprint(valueToString(attr.Value.Resolve())))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(r.sanitizeAll(attr.Value.Group())...)}
	}
	return attr
}

// Fingerprint hashes value with a nonce fixed for the process lifetime, so the
// same account correlates within one run only.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func (r Rules) sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, r.Sanitize(attr))
	}
	return out
}

func (r Rules) fingerprints(key string) bool {
	_, ok := r.Fingerprint[key]
	return ok
}

func (r Rules) redacts(key string) bool {
	for _, part := range r.Redact {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format("2006-01-02T15:04:05.000000000Z")
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
