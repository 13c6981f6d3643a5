package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID is a short correlation id for one update's log lines.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// splitCommand returns the lowercased command word without "/" and the
// "@botname" suffix, plus its arguments. Non-commands yield "".
func splitCommand(text string) (string, []string) {
	parts := tokenize(text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return "", nil
	}
	word, _, _ := strings.Cut(strings.ToLower(parts[0][1:]), "@")
	return word, parts[1:]
}

// tokenize splits on whitespace. Single or double quotes group words and a
// backslash escapes the next character:
//
//	/cancel "12"
func tokenize(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				out = append(out, cur.String())
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
