// Package sanitize rejects or cleans untrusted text: markup in free-text
// fields and traversal attempts in user supplied paths.
package sanitize

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxLength caps sanitized output, in runes.
const DefaultMaxLength = 10000

var (
	// ErrXSSDetected is returned when input matches a dangerous pattern.
	ErrXSSDetected = errors.New("sanitize: potentially malicious content detected")
	// ErrInputTooLong is returned when sanitized output exceeds the cap.
	ErrInputTooLong = errors.New("sanitize: input exceeds maximum length")
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

var dangerousPatterns = []pattern{
	{"script_open", regexp.MustCompile(`(?i)<\s*script\b`)},
	{"script_close", regexp.MustCompile(`(?i)<\s*/\s*script\s*>`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"vbscript_uri", regexp.MustCompile(`(?i)vbscript\s*:`)},
	{"event_handler", regexp.MustCompile(`(?i)<[^>]*[\s"'/]on[a-z]+\s*=`)},
	{"css_expression", regexp.MustCompile(`(?i)expression\s*\(`)},
	{"css_url", regexp.MustCompile(`(?i)url\s*\(`)},
	{"iframe", regexp.MustCompile(`(?i)<\s*iframe`)},
	{"encoded_tag", regexp.MustCompile(`(?i)(%3c|&lt;?|&#0*60;?|&#x0*3c;?|\\u003c|\\x3c)\s*/?\s*(script|iframe)`)},
	{"data_html", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
	{"meta_refresh", regexp.MustCompile(`(?i)<\s*meta[^>]*http-equiv\s*=\s*["']?\s*refresh`)},
}

// match returns the name of the first dangerous pattern in s.
func match(s string) (string, bool) {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(s) {
			return p.name, true
		}
	}
	return "", false
}

// XSS strips markup from free text and rejects script injection.
type XSS struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewXSS creates a sanitizer. maxLength <= 0 uses DefaultMaxLength.
func NewXSS(maxLength int) *XSS {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &XSS{policy: bluemonday.StrictPolicy(), maxLength: maxLength}
}

// Sanitize returns input with all markup removed. Input carrying a
// dangerous pattern, before or after entity decoding, is rejected, as is
// input whose decoded text still contains tags.
func (s *XSS) Sanitize(input string) (string, error) {
	// output can only shrink by so much; oversized input is rejected unscanned
	if len(input) > s.maxLength*utf8.UTFMax*2 {
		return "", ErrInputTooLong
	}
	if name, found := match(input); found {
		return "", fmt.Errorf("%w: %s", ErrXSSDetected, name)
	}

	out := html.UnescapeString(s.policy.Sanitize(input))

	if name, found := match(out); found {
		return "", fmt.Errorf("%w: %s (decoded)", ErrXSSDetected, name)
	}
	// decoding must not produce markup the strict policy would remove
	if strings.ContainsRune(out, '<') && s.policy.Sanitize(out) != html.EscapeString(out) {
		return "", fmt.Errorf("%w: markup (decoded)", ErrXSSDetected)
	}
	if utf8.RuneCountInString(out) > s.maxLength {
		return "", ErrInputTooLong
	}
	return out, nil
}
