package sanitize

import (
	"strings"
	"testing"
)

func TestCleanBasic(t *testing.T) {
	s := New(Config{})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain text", "hello world", "hello world"},
		{"trims whitespace", "  hi there  ", "hi there"},
		{"collapses whitespace", "a \t\n  b", "a b"},
		{"strips control chars", "a\x00b\x1fc", "abc"},
		{"keeps unicode", "héllo wörld", "héllo wörld"},
		{"escapes html", "a < b", "a &lt; b"},
		{"escapes ampersand", "tom & jerry", "tom &amp; jerry"},
		{"removes script tag", "before<script>alert(1)</script>after", "beforeafter"},
		{"removes script tag mixed case", "x<ScRiPt src=\"a\">no</sCrIpT>y", "xy"},
		{"removes javascript scheme", "click javascript:alert(1)", "click alert(1)"},
		{"removes data scheme", "img data:text/html;x", "img text/html;x"},
		{"removes vbscript scheme", "VBSCRIPT:run", "run"},
		{"removes entity-encoded scheme", "&#106;avascript:alert(1)", "alert(1)"},
		{"removes named-entity script tag", "&lt;script&gt;alert(1)&lt;/script&gt;", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Clean(tt.input)
			if got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCleanStrictMode(t *testing.T) {
	s := New(Config{Strict: true})

	got := s.Clean(`<img onerror = alert(1) style = "x">`)
	if strings.Contains(strings.ToLower(got), "onerror") {
		t.Errorf("strict clean kept event attribute: %q", got)
	}
	if strings.Contains(strings.ToLower(got), "style =") {
		t.Errorf("strict clean kept style attribute: %q", got)
	}

	// Non-strict keeps the (escaped) attributes.
	loose := New(Config{}).Clean(`<img onerror=alert(1)>`)
	if !strings.Contains(loose, "onerror") {
		t.Errorf("non-strict clean removed event attribute: %q", loose)
	}
}

func TestCleanIdempotent(t *testing.T) {
	s := New(Config{Strict: true})

	inputs := []string{
		"hello world",
		"tom & jerry & spike",
		"a < b > c",
		"<script>alert('x')</script>",
		"&lt;already escaped&gt;",
		"&amp;amp; double",
		"javajavascript:script: nested",
		"&#106;avascript:alert(1)",
		"&amp;#106;avascript: double encoded",
		strings.Repeat("&", 5000),
		strings.Repeat("a", 300) + "&" + strings.Repeat("b", 5000),
		"quote ' and \" both",
		"mixed \x01\x02 control \n newline",
		strings.Repeat("x", 150),
	}

	for _, in := range inputs {
		once := s.Clean(in)
		twice := s.Clean(once)
		if once != twice {
			t.Errorf("Clean not idempotent for %.40q:\n first: %q\nsecond: %q", in, once, twice)
		}
	}
}

func TestCleanLengthBound(t *testing.T) {
	s := New(Config{MaxLength: 64})

	inputs := []string{
		strings.Repeat("a", 500),
		strings.Repeat("&", 500),
		strings.Repeat("<>", 300),
		strings.Repeat("word ", 200),
	}
	for _, in := range inputs {
		got := s.Clean(in)
		if n := len([]rune(got)); n > 64 {
			t.Errorf("Clean output length %d exceeds bound for input %.20q", n, in)
		}
	}
}

func TestCleanTruncationDropsPartialEntity(t *testing.T) {
	s := New(Config{MaxLength: 7})

	// "&amp;" is 5 chars once escaped; two of them overflow the cap and the
	// cut must not leave a dangling "&am" tail.
	got := s.Clean("&&")
	if strings.HasSuffix(got, "&") || strings.HasSuffix(got, "&a") || strings.HasSuffix(got, "&am") || strings.HasSuffix(got, "&amp") {
		t.Errorf("truncation left partial entity: %q", got)
	}
}

func TestCollapseRuns(t *testing.T) {
	s := New(Config{MaxConsecutive: 10})

	got := s.Clean(strings.Repeat("z", 50))
	if got != strings.Repeat("z", 10) {
		t.Errorf("expected run collapsed to 10, got %d chars", len(got))
	}

	// Runs at exactly the cap stay untouched.
	exact := s.Clean(strings.Repeat("q", 10))
	if exact != strings.Repeat("q", 10) {
		t.Errorf("run at cap modified: %q", exact)
	}
}

func TestCleanEmptyAfterCleaning(t *testing.T) {
	s := New(Config{})

	for _, in := range []string{"   ", "\x00\x01\x02", "\n\t\r"} {
		if got := s.Clean(in); got != "" {
			t.Errorf("Clean(%q) = %q, want empty", in, got)
		}
	}
}
