// Package sanitize cleans user supplied text before it is relayed or stored.
package sanitize

import (
	"bufio"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"]+`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{5,}\d`)
)

// minPhoneDigits keeps dates and short numbers ("2024-05-01") readable.
const minPhoneDigits = 9

// Rules is an immutable rule set. Apply with the same Rules and input always
// yields the same output.
type Rules struct {
	Mask         string
	MaskContacts bool
	words        []string
	wordPattern  *regexp.Regexp
}

// NewRules compiles a blocked word list. Words are matched case-insensitively
// on word boundaries.
func NewRules(mask string, maskContacts bool, words []string) Rules {
	r := Rules{Mask: mask, MaskContacts: maskContacts}
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		r.words = append(r.words, w)
	}
	if len(r.words) == 0 {
		return r
	}
	// longest first so "badword" wins over "bad"
	sort.Slice(r.words, func(i, j int) bool {
		if len(r.words[i]) != len(r.words[j]) {
			return len(r.words[i]) > len(r.words[j])
		}
		return r.words[i] < r.words[j]
	})
	quoted := make([]string, len(r.words))
	for i, w := range r.words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	r.wordPattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	return r
}

// ParseWordList reads one word per line. Blank lines and lines starting with
// '#' are skipped.
func ParseWordList(r io.Reader) ([]string, error) {
	var words []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	return words, sc.Err()
}

// Words returns the blocked words, normalized.
func (r Rules) Words() []string {
	return append([]string(nil), r.words...)
}

// Apply strips control characters, masks contact details when enabled and
// masks blocked words.
func (r Rules) Apply(text string) string {
	text = stripControl(text)
	if r.MaskContacts {
		text = urlPattern.ReplaceAllString(text, r.Mask)
		text = emailPattern.ReplaceAllString(text, r.Mask)
		text = phonePattern.ReplaceAllStringFunc(text, func(m string) string {
			if countDigits(m) < minPhoneDigits {
				return m
			}
			return r.Mask
		})
	}
	if r.wordPattern != nil {
		text = r.wordPattern.ReplaceAllString(text, r.Mask)
	}
	return text
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
