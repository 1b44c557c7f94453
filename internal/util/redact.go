package util

import "regexp"

var (
	keyValuePattern = regexp.MustCompile(`(?i)(api_key|apikey|x-api-key|x-goog-api-key|secret|token|password|access_key)\s*[:=]\s*([^\s"'&]+)`)
	queryKeyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s]+`)
	bearerPattern   = regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._~+/=-]+`)
	jwtPattern      = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.?[a-zA-Z0-9_-]*`)
	vendorKey       = regexp.MustCompile(`(?i)\b(sk-(?:ant-|or-)?[a-z0-9_-]{20,}|hf_[a-z0-9]{20,}|r8_[a-z0-9]{20,}|AIza[0-9a-z_-]{30,})`)
)

// RedactSecrets removes provider credentials from text before it is logged.
func RedactSecrets(input string) string {
	out := queryKeyPattern.ReplaceAllString(input, `${1}[REDACTED]`)
	out = keyValuePattern.ReplaceAllString(out, `$1=[REDACTED]`)
	out = bearerPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = jwtPattern.ReplaceAllString(out, "[REDACTED JWT]")
	out = vendorKey.ReplaceAllString(out, "[REDACTED KEY]")
	return out
}
