package keys

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var specialTokens = map[string]string{
	"ENTER":     "\n",
	"RETURN":    "\n",
	"KP_ENTER":  "\n",
	"SPACE":     " ",
	"BACK":      "[BACK]",
	"BACKSPACE": "[BACK]",
	"TAB":       "[TAB]",
	"ESC":       "[ESC]",
	"ESCAPE":    "[ESC]",
	"UP":        "[UP]",
	"DOWN":      "[DOWN]",
	"LEFT":      "[LEFT]",
	"RIGHT":     "[RIGHT]",
	"CTRL":      "[CTRL]",
	"CONTROL":   "[CTRL]",
	"SHIFT":     "[SHIFT]",
	"ALT":       "[ALT]",
	"OPTION":    "[ALT]",
	"META":      "[ALT]",
}

// Normalize maps a helper key name to the controller token vocabulary.
// Printable single characters pass through unchanged. Returns false for
// names with no token (they are dropped rather than guessed).
func Normalize(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if unicode.IsPrint(r) {
			return name, true
		}
		switch r {
		case '\n', '\r':
			return "\n", true
		case '\t':
			return "[TAB]", true
		}
		return "", false
	}

	key := strings.ToUpper(strings.TrimSpace(name))
	key = strings.Trim(key, "[]{}<>")
	key = strings.TrimPrefix(key, "KEY_")
	// X11 keysyms carry a side suffix (Shift_L, Control_R)
	key = strings.TrimSuffix(strings.TrimSuffix(key, "_L"), "_R")

	if tok, ok := specialTokens[key]; ok {
		return tok, true
	}
	if n, ok := functionKey(key); ok {
		return "[F" + strconv.Itoa(n) + "]", true
	}
	return "", false
}

func functionKey(key string) (int, bool) {
	if len(key) < 2 || key[0] != 'F' {
		return 0, false
	}
	n, err := strconv.Atoi(key[1:])
	if err != nil || n < 1 || n > 12 {
		return 0, false
	}
	return n, true
}
