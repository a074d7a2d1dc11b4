// Package moderation screens message text before it is stored or delivered.
// Filtering never rejects a message: hazardous or unwanted content is
// replaced with a redaction token and the reasons are reported so that
// upstream abuse tracking can act on them.
//
// Public room messages go through markup stripping, then URL and phone
// redaction. Private messages go through markup stripping, then blacklist
// redaction against operator-maintained glob patterns.
package moderation

import (
	"regexp"
	"strings"
)

// Filter is a pure text filter. It is safe for concurrent use.
type Filter struct {
	blacklist []*regexp.Regexp
}

// NewFilter builds a Filter for the given blacklist globs. Empty patterns
// are ignored.
func NewFilter(blacklist []string) *Filter {
	f := &Filter{}
	for _, p := range blacklist {
		if re := compileGlob(p); re != nil {
			f.blacklist = append(f.blacklist, re)
		}
	}
	return f
}

// FilterPublic filters a body posted to the public room.
func (f *Filter) FilterPublic(body string) Result {
	res := Result{Filtered: body, Allowed: true}
	stripMarkup(&res)

	if urlPattern.MatchString(res.Filtered) {
		res.redact(ReasonURL, urlPattern.ReplaceAllString(res.Filtered, TokenLink))
	}
	if phonePattern.MatchString(res.Filtered) {
		res.redact(ReasonPhone, redactPhones(res.Filtered))
	}
	return res
}

// FilterPrivate filters a private message body.
func (f *Filter) FilterPrivate(body string) Result {
	res := Result{Filtered: body, Allowed: true}
	stripMarkup(&res)

	out := res.Filtered
	for _, re := range f.blacklist {
		out = re.ReplaceAllString(out, TokenBlacklist)
	}
	if out != res.Filtered {
		res.redact(ReasonBlacklist, out)
		res.BlacklistHit = true
	}
	return res
}

// compileGlob turns a glob with '*' wildcards into a case-insensitive
// regexp. Everything other than '*' matches literally.
func compileGlob(glob string) *regexp.Regexp {
	glob = strings.TrimSpace(glob)
	if glob == "" || strings.Trim(glob, "*") == "" {
		return nil
	}
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("(?i)" + strings.Join(parts, ".*"))
}
