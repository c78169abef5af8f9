package branch

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// asciiFold maps a few common non-ASCII letters that survive NFKD with
// no combining marks to drop.
var asciiFold = map[rune]string{
	'ß': "ss", 'ẞ': "ss",
	'æ': "ae", 'Æ': "ae",
	'ø': "o", 'Ø': "o",
	'đ': "d", 'Đ': "d",
	'ł': "l", 'Ł': "l",
	'þ': "th", 'Þ': "th",
	'ð': "d", 'Ð': "d",
	'œ': "oe", 'Œ': "oe",
}

// Normalize turns a branch name into its normalized directory form:
// NFKD decompose, drop combining marks, fold remaining non-ASCII
// letters, collapse non-alphanumeric runs to a single dash, lowercase,
// trim dashes. An empty result is an error so nothing ever writes at
// the branches root.
func Normalize(name string) (string, error) {
	decomposed, _, err := transform.String(
		transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), name)
	if err != nil {
		decomposed = name
	}

	var sb strings.Builder
	for _, r := range decomposed {
		if folded, ok := asciiFold[r]; ok {
			sb.WriteString(folded)
			continue
		}
		if r < 128 {
			sb.WriteRune(r)
		}
	}

	var out strings.Builder
	dash := true // suppress a leading dash
	for _, r := range strings.ToLower(sb.String()) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out.WriteRune(r)
			dash = false
		} else if !dash {
			out.WriteRune('-')
			dash = true
		}
	}
	slug := strings.Trim(out.String(), "-")
	if slug == "" {
		return "", fmt.Errorf("branch name %q normalizes to nothing: %w", name, kderr.ErrInvalidConfig)
	}
	return slug, nil
}
