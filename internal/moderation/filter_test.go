package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterPublic_Markup(t *testing.T) {
	f := NewFilter(nil)

	tests := []struct {
		name   string
		input  string
		want   string
		reason string
	}{
		{"script block", `hi <script>alert(1)</script> there`, "hi [removed] there", "markup:script"},
		{"script unclosed", `<SCRIPT src=x>`, "[removed]", "markup:script"},
		{"event handler", `<img src=x onerror=alert(1)>`, "<img src=x [removed]alert(1)>", "markup:event_handler"},
		{"javascript uri", `click javascript:alert(1)`, "click [removed]alert(1)", "markup:javascript_uri"},
		{"data html uri", `data:text/html;base64,xyz`, "[removed];base64,xyz", "markup:data_html_uri"},
		{"style", `<style>body{}</style>ok`, "[removed]ok", "markup:style"},
		{"iframe", `<iframe src="x"></iframe>`, "[removed][removed]", "markup:iframe"},
		{"object", `<object data=x>`, "[removed]", "markup:object"},
		{"embed", `<embed src=x>`, "[removed]", "markup:embed"},
		{"meta", `<meta http-equiv=refresh>`, "[removed]", "markup:meta"},
		{"base", `<base href=x>`, "[removed]", "markup:base"},
		{"link", `<link rel=stylesheet>`, "[removed]", "markup:link"},
		{"form", `<form action=x>`, "[removed]", "markup:form"},
		{"input", `<input type=password>`, "[removed]", "markup:input"},
		{"textarea", `<textarea>`, "[removed]", "markup:input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.FilterPublic(tt.input)
			assert.Equal(t, tt.want, res.Filtered)
			assert.True(t, res.Modified)
			assert.True(t, res.Allowed)
			assert.Equal(t, []string{tt.reason}, res.Reasons)
		})
	}
}

func TestFilterPublic_MarkupStopsAtFirstCategory(t *testing.T) {
	f := NewFilter(nil)

	res := f.FilterPublic(`<script>x</script><iframe src=y> <script>z</script>`)
	assert.Equal(t, []string{"markup:script"}, res.Reasons)
	assert.Equal(t, "[removed]<iframe src=y> [removed]", res.Filtered, "every script redacted, iframe untouched")
}

func TestFilterPublic_MarkupEarliestConstructWins(t *testing.T) {
	f := NewFilter(nil)

	res := f.FilterPublic(`<iframe src="javascript:alert(1)">`)
	assert.Equal(t, []string{"markup:iframe"}, res.Reasons)
	assert.Equal(t, "[removed]", res.Filtered)

	res = f.FilterPublic(`<form action=x onsubmit=steal()>`)
	assert.Equal(t, []string{"markup:form"}, res.Reasons)
	assert.Equal(t, "[removed]", res.Filtered)
}

func TestFilterPublic_Links(t *testing.T) {
	f := NewFilter(nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"http url", "check out http://evil.com", "check out [link removed]"},
		{"https url", "visit https://spam.xyz/click now", "visit [link removed] now"},
		{"www url", "go to www.phishing.net", "go to [link removed]"},
		{"bare domain", "see spamdeals.biz today", "see [link removed] today"},
		{"bare domain with path", "visit evil.com/free", "visit [link removed]"},
		{"subdomain", "try shop.example.org", "try [link removed]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.FilterPublic(tt.input)
			assert.Equal(t, tt.want, res.Filtered)
			assert.Equal(t, []string{ReasonURL}, res.Reasons)
		})
	}
}

func TestFilterPublic_Phones(t *testing.T) {
	f := NewFilter(nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"intl dashed", "+1-555-123-4567", "[phone removed]"},
		{"parenthesized area code", "(555) 123-4567", "[phone removed]"},
		{"dotted format", "555.123.4567", "[phone removed]"},
		{"in sentence", "call me at 555-123-4567 okay?", "call me at [phone removed] okay?"},
		{"trailing punctuation", "ring 555 123 4567.", "ring [phone removed]."},
		{"back to back", "call 555-123-4567 555-987-6543 now", "call [phone removed] [phone removed] now"},
		{"comma separated", "555-123-4567, 555-987-6543", "[phone removed], [phone removed]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.FilterPublic(tt.input)
			assert.Equal(t, tt.want, res.Filtered)
			assert.Equal(t, []string{ReasonPhone}, res.Reasons)
		})
	}
}

func TestFilterPublic_LinkAndPhone(t *testing.T) {
	res := NewFilter(nil).FilterPublic("www.x.com or 555-123-4567")
	assert.Equal(t, "[link removed] or [phone removed]", res.Filtered)
	assert.Equal(t, []string{ReasonURL, ReasonPhone}, res.Reasons)
}

func TestFilterPublic_Clean(t *testing.T) {
	f := NewFilter([]string{"hello"})

	clean := []string{
		"hello, how are you?",
		"I have 3 cats",
		"upgrade to v2.0",
		"pi is about 3.14",
		"see you in 2025",
		"it costs $5.99",
		"ok. sure. fine.",
		"I got 42 out of 50",
		"<b>bold</b> is fine",
		"",
	}
	for _, msg := range clean {
		res := f.FilterPublic(msg)
		assert.False(t, res.Modified, "%q was modified to %q", msg, res.Filtered)
		assert.Equal(t, msg, res.Filtered)
		assert.True(t, res.Allowed)
		assert.Empty(t, res.Reasons)
	}
}

func TestFilterPrivate_Blacklist(t *testing.T) {
	f := NewFilter([]string{"spam*.biz", "badword"})

	res := f.FilterPrivate("deals at spamdeals.biz now")
	assert.Equal(t, "deals at [filtered] now", res.Filtered)
	assert.True(t, res.BlacklistHit)
	assert.Equal(t, []string{ReasonBlacklist}, res.Reasons)

	res = f.FilterPrivate("BadWord here")
	assert.Equal(t, "[filtered] here", res.Filtered)

	res = f.FilterPrivate("nothing to see, http://example.com 555-123-4567")
	assert.False(t, res.Modified, "links and phones are not redacted in private mode")
	assert.False(t, res.BlacklistHit)
}

func TestFilterPrivate_MarkupThenBlacklist(t *testing.T) {
	f := NewFilter([]string{"spam*"})
	res := f.FilterPrivate("<script>x</script>spammy")
	assert.Equal(t, "[removed][filtered]", res.Filtered)
	assert.Equal(t, []string{"markup:script", ReasonBlacklist}, res.Reasons)
}

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		glob  string
		input string
		match bool
	}{
		{"spam*.biz", "SPAMdeals.BIZ", true},
		{"spam*.biz", "spam.biz", true},
		{"spam*.biz", "spamXbiz", false},
		{"a.b", "axb", false},
		{"(x)", "(x)", true},
		{"*mid*", "amidst", true},
	}
	for _, tt := range tests {
		re := compileGlob(tt.glob)
		if assert.NotNil(t, re, tt.glob) {
			assert.Equal(t, tt.match, re.MatchString(tt.input), "%s vs %s", tt.glob, tt.input)
		}
	}

	assert.Nil(t, compileGlob(""))
	assert.Nil(t, compileGlob("  "))
	assert.Nil(t, compileGlob("**"))
}

func BenchmarkFilterPublic(b *testing.B) {
	f := NewFilter(nil)
	msg := strings.Repeat("hey how are you doing today? ", 10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.FilterPublic(msg)
	}
}
