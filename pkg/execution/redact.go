package execution

import (
	"regexp"
	"sort"
	"strings"
)

// Mask replaces redacted values.
const Mask = "***"

// Pattern is a regular expression whose matches are masked.
type Pattern struct {
	Name        string
	Regexp      *regexp.Regexp
	Replacement string
}

// DefaultPatterns catch credential shapes that were never registered as
// secrets.
var DefaultPatterns = []Pattern{
	{
		Name:        "bearer_token",
		Regexp:      regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
		Replacement: "${1}" + Mask,
	},
	{
		Name:        "url_credentials",
		Regexp:      regexp.MustCompile(`(://[^:/\s@]+:)[^@/\s]+@`),
		Replacement: "${1}" + Mask + "@",
	},
	{
		Name:        "credential_flag",
		Regexp:      regexp.MustCompile(`(?i)(--(?:password|passwd|token|secret|client-secret|api-key)=)\S+`),
		Replacement: "${1}" + Mask,
	},
	{
		Name:        "private_key",
		Regexp:      regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		Replacement: Mask,
	},
}

var (
	privateKeyBegin = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)
	privateKeyEnd   = regexp.MustCompile(`-----END [A-Z ]*PRIVATE KEY-----`)
)

// keyBlock tracks PEM private key blocks across the lines of one stream.
// The private_key pattern only sees a block when it arrives as one string.
type keyBlock struct {
	open bool
}

// inside reports whether line belongs to a private key block, markers
// included.
func (k *keyBlock) inside(line string) bool {
	if !k.open {
		if !privateKeyBegin.MatchString(line) {
			return false
		}
		k.open = true
	}
	if privateKeyEnd.MatchString(line) {
		k.open = false
	}
	return true
}

// sensitiveFlag matches argument tokens whose following token is a credential.
var sensitiveFlag = regexp.MustCompile(`(?i)^--(?:password|passwd|token|secret|client-secret|api-key)$`)

// Redactor masks secret values and credential patterns in text.
type Redactor struct {
	secrets  []string
	patterns []Pattern
}

// NewRedactor builds a redactor for the given secrets. With no patterns the
// DefaultPatterns apply.
func NewRedactor(secrets []string, patterns ...Pattern) *Redactor {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	s := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if strings.TrimSpace(v) != "" {
			s = append(s, v)
		}
	}
	// Longest first so a secret containing another is masked whole.
	sort.SliceStable(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })

	return &Redactor{secrets: s, patterns: patterns}
}

// Redact returns text with every secret and pattern match masked.
func (r *Redactor) Redact(text string) string {
	if r == nil || text == "" {
		return text
	}
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s, Mask)
	}
	for _, p := range r.patterns {
		text = p.Regexp.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// RedactLines redacts each line in place and returns the slice. Lines of
// a private key block are masked whole.
func (r *Redactor) RedactLines(lines []string) []string {
	var keys keyBlock
	for i, l := range lines {
		if keys.inside(l) {
			lines[i] = Mask
			continue
		}
		lines[i] = r.Redact(l)
	}
	return lines
}

// RedactArgs returns a redacted copy of an argument vector. A token
// following a credential flag such as --password is masked entirely.
func (r *Redactor) RedactArgs(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, a := range args {
		switch {
		case maskNext:
			out[i] = Mask
			maskNext = false
		default:
			out[i] = r.Redact(a)
			maskNext = sensitiveFlag.MatchString(a)
		}
	}
	return out
}
