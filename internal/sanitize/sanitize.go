package sanitize

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxLength matches the platform message-size limit.
	DefaultMaxLength = 4096

	// DefaultMaxConsecutive bounds runs of a repeated character.
	DefaultMaxConsecutive = 100
)

var (
	scriptTagPattern  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	uriSchemePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)data:`),
		regexp.MustCompile(`(?i)vbscript:`),
	}
	eventAttrPattern = regexp.MustCompile(`(?i)\bon\w+\s*=`)
	styleAttrPattern = regexp.MustCompile(`(?i)\bstyle\s*=`)

	whitespaceRun = regexp.MustCompile(`\s+`)

	// A trailing '&' run without its closing ';' is a truncated entity.
	partialEntityTail = regexp.MustCompile(`&[#a-zA-Z0-9]*$`)
)

// Config controls sanitizer behavior. Zero values take the defaults.
type Config struct {
	MaxLength      int
	MaxConsecutive int
	Strict         bool
}

// Sanitizer cleans untrusted UTF-8 input into a safe, length-bounded string.
// Cleaning is idempotent: applying it twice yields the first result.
type Sanitizer struct {
	maxLength      int
	maxConsecutive int
	strict         bool
}

// New builds a Sanitizer from cfg, filling in defaults.
func New(cfg Config) *Sanitizer {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = DefaultMaxConsecutive
	}
	return &Sanitizer{
		maxLength:      cfg.MaxLength,
		maxConsecutive: cfg.MaxConsecutive,
		strict:         cfg.Strict,
	}
}

// Clean normalizes, strips dangerous content, escapes HTML, and bounds the
// length of msg. An empty result is returned as-is; the caller decides policy.
func (s *Sanitizer) Clean(msg string) string {
	if msg == "" {
		return ""
	}

	out := norm.NFKC.String(msg)
	out = truncateRunes(out, s.maxLength)

	// Decode entities before the pattern passes so an encoded scheme
	// ("&#106;avascript:") cannot ride through as inert text and decode
	// into a live one later.
	out = html.UnescapeString(out)

	out = removeToFixpoint(out, scriptTagPattern)
	for _, p := range uriSchemePatterns {
		out = removeToFixpoint(out, p)
	}
	if s.strict {
		out = removeToFixpoint(out, eventAttrPattern)
		out = removeToFixpoint(out, styleAttrPattern)
	}

	// Re-escaping the decoded text keeps the output canonical and the
	// whole pass repeatable.
	out = html.EscapeString(out)

	out = stripControl(out)
	out = whitespaceRun.ReplaceAllString(out, " ")
	out = collapseRuns(out, s.maxConsecutive)
	out = strings.TrimSpace(out)

	// Entity escaping can grow the string past the cap; cut again without
	// leaving a truncated entity behind.
	if len([]rune(out)) > s.maxLength {
		out = truncateRunes(out, s.maxLength)
		out = partialEntityTail.ReplaceAllString(out, "")
		out = strings.TrimSpace(out)
	}
	return out
}

// removeToFixpoint applies the pattern until the string stops changing, so
// removal cannot splice a new match together out of the remainder.
func removeToFixpoint(in string, p *regexp.Regexp) string {
	for {
		next := p.ReplaceAllString(in, "")
		if next == in {
			return next
		}
		in = next
	}
}

func truncateRunes(in string, max int) string {
	runes := []rune(in)
	if len(runes) <= max {
		return in
	}
	return string(runes[:max])
}

// stripControl drops ASCII control characters except \n, \r and \t.
func stripControl(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// collapseRuns caps runs of one repeated rune at max occurrences.
func collapseRuns(in string, max int) string {
	var b strings.Builder
	b.Grow(len(in))
	var prev rune
	run := 0
	for i, r := range in {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run <= max {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}
