package text

import "unicode/utf8"

// Truncate 截断到最多 max 字节（不切断多字节字符），超出部分以 "..." 结尾。
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
