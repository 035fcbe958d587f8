// Package redact detects and masks secret-like content before it reaches
// the ledger. Redaction always happens before hashing or storage, so the
// chain never carries raw secret material.
package redact

import (
	"regexp"
)

const mask = "[REDACTED]"

// patterns are evaluated in order; the first pass replaces whole spans,
// assignment-style matches keep the key and mask only the value.
var (
	// Provider API keys and tokens by shape: OpenAI/Anthropic sk-, AWS AKIA,
	// GitHub ghp_/gho_, Slack xox, Google AIza.
	reAPIKey = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{16,}|AKIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{20,}|xox[baprs]-[A-Za-z0-9-]{10,}|AIza[0-9A-Za-z_-]{30,})\b`)

	// PEM-armored private key blocks, including the body.
	rePEMBlock = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)

	// Authorization bearer tokens.
	reBearer = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{12,}=*`)

	// KEY=value credential assignments. The key is kept, the value masked.
	reAssign = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API_?KEY|PRIVATE_?KEY|CREDENTIALS?)[A-Z0-9_]*)\s*[=:]\s*["']?[^\s"']{4,}["']?`)

	// Paths that typically hold credentials.
	reCredPath = regexp.MustCompile(`(?i)(?:[~./\w-]*/)?(?:\.ssh/id_[a-z0-9]+|\.aws/credentials|\.netrc|\.npmrc|\.pgpass|\.env(?:\.[\w-]+)?)\b`)
)

var detectors = []*regexp.Regexp{reAPIKey, rePEMBlock, reBearer, reAssign, reCredPath}

// Detect reports whether text contains secret-like content.
func Detect(text string) bool {
	for _, re := range detectors {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact masks secret-like spans in text. The second return value reports
// whether any masking occurred.
func Redact(text string) (string, bool) {
	out := text
	out = rePEMBlock.ReplaceAllString(out, mask)
	out = reAPIKey.ReplaceAllString(out, mask)
	out = reBearer.ReplaceAllString(out, mask)
	out = reAssign.ReplaceAllString(out, "${1}="+mask)
	out = reCredPath.ReplaceAllString(out, mask)
	return out, out != text
}
