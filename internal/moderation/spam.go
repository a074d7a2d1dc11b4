package moderation

import (
	"regexp"
	"strings"
)

var (
	// urlPattern matches scheme-prefixed URLs, www. hosts, and bare domains
	// on common TLDs. Bare domains need a letter-led label so version
	// strings like "v2.0" and decimals like "3.14" are left alone.
	urlPattern = regexp.MustCompile(`(?i)(?:[a-z][a-z0-9+.-]*://\S+|www\.\S+|\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.(?:com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf|me|us|uk|de|app|dev|site|online|top|club)\b(?:/\S*)?)`)

	// phonePattern matches formats such as +1-555-123-4567, (555) 123-4567
	// and 555.123.4567. Group 1 and 3 capture the surrounding boundary;
	// only group 2 is redacted.
	phonePattern = regexp.MustCompile(`(^|\s)((?:\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4})([\s.,!?;:]|$)`)
)

// redactPhones replaces every phone number with TokenPhone. Matching
// resumes at the end of each number rather than after its trailing
// boundary, so numbers separated by a single space are all caught.
func redactPhones(s string) string {
	var b strings.Builder
	last := 0
	for from := 0; from < len(s); {
		loc := phonePattern.FindStringSubmatchIndex(s[from:])
		if loc == nil {
			break
		}
		start, end := from+loc[4], from+loc[5]
		b.WriteString(s[last:start])
		b.WriteString(TokenPhone)
		last, from = end, end
	}
	b.WriteString(s[last:])
	return b.String()
}
