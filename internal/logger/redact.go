package logger

import (
	"regexp"
	"strings"

	"github.com/trialvault/trialvault/internal/privacy"
)

const redacted = "[REDACTED]"

// authHeaderPattern matches Basic and Bearer credentials, as found in
// dumped request headers.
var authHeaderPattern = regexp.MustCompile(`(?i)\b(basic|bearer)\s+[A-Za-z0-9\-._~+/]{8,}=*`)

// secretKeys mark field keys whose values are never written.
var secretKeys = []string{"password", "passwd", "secret", "token", "authorization", "cookie", "credential"}

// redact returns f with credentials removed from its value. Passwords in
// broker URLs and database DSNs are masked, hosts are kept.
func redact(f Field) Field {
	s, ok := f.Value.(string)
	if !ok || s == "" {
		return f
	}
	key := strings.ToLower(f.Key)
	for _, k := range secretKeys {
		if strings.Contains(key, k) {
			return Field{f.Key, redacted}
		}
	}
	s = authHeaderPattern.ReplaceAllString(s, "$1 "+redacted)
	return Field{f.Key, privacy.ScrubMessage(s)}
}
