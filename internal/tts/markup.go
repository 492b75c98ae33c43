package tts

import (
	"regexp"
	"strings"
)

type markupRule struct {
	re   *regexp.Regexp
	repl string
}

// Applied in order; fenced code must go before inline code.
var markupRules = []markupRule{
	{regexp.MustCompile("```[\\s\\S]*?```"), " "},
	{regexp.MustCompile("`([^`]+)`"), "$1"},
	{regexp.MustCompile(`\*\*([^*]+)\*\*`), "$1"},
	{regexp.MustCompile(`__([^_]+)__`), "$1"},
	{regexp.MustCompile(`\*([^*]+)\*`), "$1"},
	{regexp.MustCompile(`_([^_]+)_`), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`~~([^~]+)~~`), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`\n{2,}`), "\n"},
	{regexp.MustCompile(`[ \t]+`), " "},
}

// StripMarkup removes markdown so it is not read aloud. If nothing speakable
// remains the original text is returned.
func StripMarkup(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, rule := range markupRules {
		out = rule.re.ReplaceAllString(out, rule.repl)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	return out
}
