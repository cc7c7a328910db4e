package tasklist

import (
	"strings"
	"unicode"
)

// Slugify turns a display name into a url-safe slug: lowercase, whitespace
// becomes hyphens, anything outside [a-z0-9-] is dropped, hyphen runs are
// collapsed, and leading/trailing hyphens are trimmed. An empty result falls
// back to "list".
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case unicode.IsSpace(r), r == '-':
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "list"
	}
	return slug
}
