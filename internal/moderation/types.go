package moderation

// Redaction tokens substituted for filtered content.
const (
	TokenMarkup    = "[removed]"
	TokenLink      = "[link removed]"
	TokenPhone     = "[phone removed]"
	TokenBlacklist = "[filtered]"
)

// Reason strings recorded in Result.Reasons. Markup reasons are prefixed
// with ReasonMarkup, e.g. "markup:script".
const (
	ReasonMarkup    = "markup:"
	ReasonURL       = "url"
	ReasonPhone     = "phone"
	ReasonBlacklist = "blacklist"
)

// Result is the outcome of filtering one message body.
type Result struct {
	Filtered     string   `json:"filtered"`
	Modified     bool     `json:"modified"`
	Reasons      []string `json:"reasons,omitempty"`
	Allowed      bool     `json:"allowed"` // always true; the filter redacts, it never blocks
	BlacklistHit bool     `json:"blacklist_hit,omitempty"`
}

func (r *Result) redact(reason, filtered string) {
	r.Filtered = filtered
	r.Modified = true
	r.Reasons = append(r.Reasons, reason)
}
