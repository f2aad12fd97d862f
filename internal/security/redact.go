// Package security scrubs secret material out of prompt text before it
// leaves the machine. Child tools echo environment dumps, config files,
// and command lines into their PTY; whatever the detector captures from
// that stream must be cleaned before a channel relays it to a phone.
package security

import (
	"regexp"
	"strings"
)

const mask = "[REDACTED]"

var (
	secretKeyExpr = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`

	kvPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	kvLoosePattern = regexp.MustCompile(`(?i)\b(client_secret|private_key|aws_access_key_id|aws_secret_access_key)\b\s+(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authPattern    = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerPattern  = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemPattern     = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	cookiePattern  = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	sshPattern     = regexp.MustCompile(`(?i)(ssh://)[^\s/@]+@`)

	secretLikePattern = regexp.MustCompile(`(?i)(-----BEGIN [^-]+ PRIVATE KEY-----|` + secretKeyExpr + `|client_secret|private_key|aws_access_key_id|aws_secret_access_key|authorization|bearer\s+[A-Za-z0-9._~+/=-]+|cookie\s*:|sessionid=)`)
)

// Redact masks recognizable secrets in s while keeping the surrounding
// text readable. The key name survives so the human can still tell what
// the child was asking about.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	out := pemPattern.ReplaceAllString(s, "[REDACTED_PRIVATE_KEY]")
	out = jsonPattern.ReplaceAllString(out, `${1}"`+mask+`"`)
	out = kvPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return mask
		}
		return match[:idx+1] + " " + mask
	})
	out = kvLoosePattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, " \t")
		if idx < 0 {
			return mask
		}
		return match[:idx] + " " + mask
	})
	out = authPattern.ReplaceAllString(out, `${1}`+mask)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+mask)
	out = cookiePattern.ReplaceAllString(out, `${1}`+mask)
	out = sshPattern.ReplaceAllString(out, `${1}`+mask+`@`)
	return out
}

// ContainsSecret reports whether s still smells like secret material.
// Used as a second gate: text that matches here but survived Redact
// unchanged should be dropped rather than relayed.
func ContainsSecret(s string) bool {
	return secretLikePattern.MatchString(s)
}

// RedactExcerpt cleans a captured terminal excerpt for outbound delivery.
// If the text looks secret-bearing and no masking transform applied, the
// excerpt is dropped entirely rather than shipped as-is.
func RedactExcerpt(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	redacted := Redact(trimmed)
	if redacted != trimmed {
		return redacted
	}
	if ContainsSecret(trimmed) && !strings.Contains(redacted, mask) {
		return ""
	}
	return redacted
}
