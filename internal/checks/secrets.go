package checks

import (
	"math"
	"regexp"
	"strings"
)

// secretNameRe matches variable names that conventionally hold secrets.
// Bare "key" is deliberately not matched (PUBLIC_KEY, CACHE_KEY and
// friends would drown the signal).
var secretNameRe = regexp.MustCompile(`(?i)(password|passwd|secret|token|api_?key|private_?key|credential|access_key)`)

// knownSecretPrefixes are provider-issued credential formats that are
// unambiguous regardless of entropy.
var knownSecretPrefixes = []string{
	"sk-",         // OpenAI-style API keys
	"ghp_",        // GitHub personal access token
	"gho_",        // GitHub OAuth token
	"github_pat_", // GitHub fine-grained PAT
	"AKIA",        // AWS access key ID
	"xoxb-",       // Slack bot token
	"xoxp-",       // Slack user token
	"glpat-",      // GitLab PAT
	"eyJhbGciOi",  // JWT header
	"-----BEGIN ", // PEM material
}

// placeholderWords mark values that only look like secrets. Example files
// are supposed to contain these.
var placeholderWords = []string{
	"change", "example", "your", "placeholder", "dummy", "sample",
	"xxx", "<", "...", "todo", "fixme", "redacted", "password",
	"secret", "localhost",
}

// isSecretName reports whether an env/arg variable name conventionally
// holds a secret.
func isSecretName(name string) bool {
	return secretNameRe.MatchString(name)
}

// isPlaceholder reports whether a value is an obvious stand-in rather
// than real credential material.
func isPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, w := range placeholderWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// isVariableRef reports whether a value is an interpolation reference
// (${VAR}, $VAR) rather than a literal.
func isVariableRef(value string) bool {
	return strings.HasPrefix(value, "$")
}

// looksLikeSecretValue reports whether a literal value looks like real
// credential material: a known provider prefix, or a long high-entropy
// string that is not an obvious placeholder.
func looksLikeSecretValue(value string) bool {
	if value == "" || isVariableRef(value) || isPlaceholder(value) {
		return false
	}
	for _, p := range knownSecretPrefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return len(value) >= 20 && shannonEntropy(value) > 3.5
}

// shannonEntropy returns the per-character entropy of s in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
