package services

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\s*([^{}\s]+)\s*\}`)

// RenderTemplate substitutes {field} placeholders from vars. Lookup tries
// the exact name first, then its lower-cased form. Unknown placeholders
// render as the empty string and are returned in missing (deduplicated, in
// order of first appearance).
func RenderTemplate(tpl string, vars map[string]string) (out string, missing []string) {
	seen := map[string]bool{}
	out = placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := vars[strings.ToLower(name)]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return ""
	})
	return out, missing
}

// pickVariant returns the index of the variant used for the rotation-th
// send of an outcome type.
func pickVariant(rotation, n int) int {
	if n <= 0 {
		return -1
	}
	if rotation < 0 {
		rotation = -rotation
	}
	return rotation % n
}
