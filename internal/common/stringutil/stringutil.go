// Package stringutil provides common string utility functions.
package stringutil

// TruncateString truncates a string to a maximum length in bytes.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen bytes.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis truncates a string to a maximum length in bytes and
// marks the cut with a trailing ellipsis rune. The ellipsis occupies 3 bytes,
// so the result of a truncation is exactly maxLen bytes long. Strings at or
// under the limit are returned unchanged.
func TruncateWithEllipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	return s[:maxLen-3] + "…"
}

// sanitizeReplaced holds the characters that are unsafe to pass through to
// shell-adjacent consumers (PR titles, commit subjects). Each occurrence is
// replaced by a single space, so a CRLF pair becomes two spaces.
var sanitizeReplaced = [256]bool{
	'"':  true,
	'\\': true,
	'$':  true,
	'`':  true,
	'\n': true,
	'\r': true,
}

// SanitizeTitle replaces shell-unsafe characters with spaces and truncates
// the result to maxLen bytes. Replacement happens before truncation, so an
// unsafe character sitting on the boundary is neutralized rather than cut.
// Multi-byte UTF-8 sequences pass through byte for byte.
func SanitizeTitle(s string, maxLen int) string {
	var changed bool
	for i := 0; i < len(s); i++ {
		if sanitizeReplaced[s[i]] {
			changed = true
			break
		}
	}
	if changed {
		b := []byte(s)
		for i := 0; i < len(b); i++ {
			if sanitizeReplaced[b[i]] {
				b[i] = ' '
			}
		}
		s = string(b)
	}
	return TruncateString(s, maxLen)
}
