package tools

import "unicode/utf8"

// Clip cuts s to at most n bytes without splitting a rune and appends
// suffix when anything was dropped.
func Clip(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return s[:runeFloor(s, n)] + suffix
}

// runeFloor returns the largest rune boundary in s that is <= n.
func runeFloor(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// validPrefix drops a trailing partial rune left by a byte-level cut.
func validPrefix(s string) string {
	for i := 1; i < utf8.UTFMax && i <= len(s); i++ {
		if !utf8.RuneStart(s[len(s)-i]) {
			continue
		}
		if !utf8.FullRuneInString(s[len(s)-i:]) {
			return s[:len(s)-i]
		}
		break
	}
	return s
}
