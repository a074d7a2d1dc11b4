package moderation

import "regexp"

type markupRule struct {
	category string
	pattern  *regexp.Regexp
}

func tagPattern(names string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<\s*/?\s*(?:` + names + `)\b[^>]*>?`)
}

// markupRules lists the hazardous categories. The order breaks ties when
// two categories start at the same offset.
var markupRules = []markupRule{
	{"script", regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>|<\s*/?\s*script\b[^>]*>?`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon(?:abort|afterprint|animationend|animationstart|beforeprint|beforeunload|blur|canplay|change|click|contextmenu|copy|cut|dblclick|drag|dragend|dragenter|dragleave|dragover|dragstart|drop|error|focus|focusin|focusout|hashchange|input|invalid|keydown|keypress|keyup|load|message|mousedown|mouseenter|mouseleave|mousemove|mouseout|mouseover|mouseup|paste|pause|play|pointerdown|pointerenter|pointerleave|pointermove|pointerup|popstate|reset|resize|scroll|select|storage|submit|toggle|touchend|touchmove|touchstart|transitionend|unload|wheel)\s*=`)},
	{"javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"data_html_uri", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
	{"style", regexp.MustCompile(`(?is)<\s*style\b[^>]*>.*?<\s*/\s*style\s*>|<\s*/?\s*style\b[^>]*>?`)},
	{"iframe", tagPattern("iframe|frame|frameset")},
	{"object", tagPattern("object|applet")},
	{"embed", tagPattern("embed")},
	{"meta", tagPattern("meta")},
	{"base", tagPattern("base")},
	{"link", tagPattern("link")},
	{"form", tagPattern("form")},
	{"input", tagPattern("input|textarea|select|button|option")},
}

// stripMarkup redacts the hazardous markup category that occurs earliest
// in the body. Every occurrence of that category is replaced; other
// categories are not examined further.
func stripMarkup(res *Result) {
	var (
		first *markupRule
		at    = -1
	)
	for i := range markupRules {
		loc := markupRules[i].pattern.FindStringIndex(res.Filtered)
		if loc != nil && (at < 0 || loc[0] < at) {
			first, at = &markupRules[i], loc[0]
		}
	}
	if first == nil {
		return
	}
	res.redact(ReasonMarkup+first.category, first.pattern.ReplaceAllString(res.Filtered, TokenMarkup))
}
