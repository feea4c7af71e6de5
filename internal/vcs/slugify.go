package vcs

import (
	"regexp"
	"strings"
)

var (
	nonSlugChar    = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugWhitespace = regexp.MustCompile(`\s+`)
	slugDashes     = regexp.MustCompile(`-+`)
)

const slugMaxLen = 40

// slugify derives a branch slug from a task title: lowercase, strip
// anything outside [a-z0-9\s-], collapse whitespace to a single hyphen,
// collapse repeated hyphens, trim, then truncate to 40 characters.
func slugify(text string) string {
	s := strings.ToLower(text)
	s = nonSlugChar.ReplaceAllString(s, "")
	s = slugWhitespace.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > slugMaxLen {
		s = s[:slugMaxLen]
	}
	return strings.Trim(s, "-")
}
