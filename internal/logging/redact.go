package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitiveParams are query parameters whose values never reach logs.
var sensitiveParams = map[string]bool{
	"apikey":       true,
	"api_key":      true,
	"key":          true,
	"token":        true,
	"access_token": true,
	"assertion":    true,
}

// sensitivePatterns match secrets embedded in free text, such as error
// strings that echo a request.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|access[_-]?token|assertion|password)=)[^&\s"']+`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]+`),
	regexp.MustCompile(`(-----BEGIN [A-Z ]*PRIVATE KEY-----)[\s\S]*?(-----END [A-Z ]*PRIVATE KEY-----)`),
}

const redacted = "REDACTED"

// RedactURL replaces the values of sensitive query parameters. Unparseable
// input falls back to Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redact(raw)
	}
	q := u.Query()
	changed := false
	for k := range q {
		if sensitiveParams[strings.ToLower(k)] {
			q.Set(k, redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redact masks credentials found in s.
func Redact(s string) string {
	for _, p := range sensitivePatterns {
		if p.NumSubexp() == 2 {
			s = p.ReplaceAllString(s, "${1}"+redacted+"${2}")
			continue
		}
		s = p.ReplaceAllString(s, "${1}"+redacted)
	}
	return s
}

// MaskCredential keeps the first and last four characters of a secret, for
// confirming which key is configured.
func MaskCredential(value string) string {
	switch {
	case value == "":
		return ""
	case len(value) <= 8:
		return strings.Repeat("*", len(value))
	default:
		return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
}
