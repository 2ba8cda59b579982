// Package redact masks personal and payment data in transcripts before they
// reach logs or timeline artifacts. Broadcast events are never redacted.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	codeRe  = regexp.MustCompile(`(?i)\b(otp|pin|code|password)(\s*(?:is|:)?\s*)(\d{4,8})\b`)
	cardRe  = regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,7}\b`)
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	upiRe   = regexp.MustCompile(`(?i)\b[a-z0-9._\-]{2,}@[a-z]{2,}\b`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks one-time codes, card numbers, emails, UPI handles and phone
// numbers when enabled. Order matters: longer digit runs go first.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := codeRe.ReplaceAllString(in, "${1}${2}[REDACTED_CODE]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = upiRe.ReplaceAllString(out, "[REDACTED_UPI]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Number masks a telephone number down to its last four digits.
func Number(in string) string {
	if !enabled.Load() {
		return in
	}
	in = strings.TrimSpace(in)
	if len(in) <= 4 {
		return in
	}
	return strings.Repeat("*", len(in)-4) + in[len(in)-4:]
}
