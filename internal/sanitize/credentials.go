package sanitize

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns detect credential formats embedded in free text. They
// are used for telemetry attribute scrubbing, where only the matching span
// of the string is replaced, and as part of leaf redaction in payloads.
var credentialPatterns = []*regexp.Regexp{
	// API key prefixes: sk_, pk_, rk_, xox*_, ghp/gho/ghu/ghs/ghr_, pat_
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`),
	// JWT-like tokens (three base64url segments separated by dots)
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	// Bearer token in header-like strings
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`),
	// Connection string secrets: password=..., secret=..., token=...
	regexp.MustCompile(`(?i)\b(?:password|secret|token)\s*=\s*\S{4,}`),
}

// providerKeyPatterns match vendor-issued API key shapes. A payload leaf
// matching any of them is masked in full.
var providerKeyPatterns = []*regexp.Regexp{
	// OpenAI style secret keys
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	// Anthropic, OpenAI project and OpenRouter keys carry a dashed scope
	regexp.MustCompile(`sk-(?:ant|proj|or)-[A-Za-z0-9_-]{20,}`),
	// Google API keys
	regexp.MustCompile(`^AIza[\w-]{30,}$`),
	// Slack tokens
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	// long hex blobs
	regexp.MustCompile(`\b[0-9a-fA-F]{32,64}\b`),
	// long base32 blobs
	regexp.MustCompile(`\b[A-Z2-7]{32,}={0,6}`),
}

// ContainsCredential reports whether s matches any known credential pattern.
// Short strings (< 8 chars) are skipped as a fast path since no credential
// pattern can match a string that short.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces all detected credential patterns in s with
// [CREDENTIAL_REDACTED]. If no patterns match, s is returned unchanged
// with no allocation.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	for _, p := range providerKeyPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, credentialRedacted)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}

// LooksLikeSecret reports whether s matches a provider key shape, a
// credential pattern, or the low-vowel entropy heuristic used for opaque
// tokens.
func LooksLikeSecret(s string) bool {
	for _, p := range providerKeyPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	if ContainsCredential(s) {
		return true
	}
	return len(s) >= entropyMinLength && lowVowelRatio(s)
}

const (
	entropyMinLength   = 32
	entropyMinAlnum    = 24
	entropyVowelCutoff = 0.15
)

func lowVowelRatio(s string) bool {
	alnum := 0
	vowels := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			alnum++
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			alnum++
			switch c | 0x20 {
			case 'a', 'e', 'i', 'o', 'u':
				vowels++
			}
		}
	}
	if alnum < entropyMinAlnum {
		return false
	}
	return float64(vowels)/float64(alnum) < entropyVowelCutoff
}
