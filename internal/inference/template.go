package inference

import (
	"regexp"
	"strings"
)

var (
	hexRunRe   = regexp.MustCompile(`[0-9a-fA-F]{8,}`)
	digitRunRe = regexp.MustCompile(`[0-9]{2,}`)
	nonWordRe  = regexp.MustCompile(`\W+`)
)

const (
	placeholderID  = "{id}"
	placeholderNum = "{num}"
)

// Template replaces variable path parts with placeholders: hex runs of 8 or
// more characters become {id}, then decimal runs of 2 or more become {num}.
// The hex pass runs first, so long numeric ids become {id}.
func Template(url string) string {
	out := hexRunRe.ReplaceAllLiteralString(url, placeholderID)
	return digitRunRe.ReplaceAllLiteralString(out, placeholderNum)
}

// ActionName derives an action name from a templated path: the last three
// non-empty segments joined with "_", with non-word runs collapsed to "_".
func ActionName(path string) string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 3 {
		parts = parts[len(parts)-3:]
	}
	return nonWordRe.ReplaceAllLiteralString(strings.Join(parts, "_"), "_")
}
