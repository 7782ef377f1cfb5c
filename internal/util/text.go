package util

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens a string to n bytes with a "..." suffix, cutting on a
// rune boundary.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return SafeSlice(s, n)
	}
	return SafeSlice(s, n-3) + "..."
}

// SafeSlice truncates a string to at most maxLen bytes without splitting a rune.
func SafeSlice(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TailLines returns the last n lines of s, ignoring a trailing newline.
func TailLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// SanitizeFilename makes a string safe for use as a single path element.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
		"..", "_",
	)
	safe := replacer.Replace(strings.TrimSpace(name))
	safe = strings.TrimLeft(safe, ".")
	return SafeSlice(safe, 80)
}
