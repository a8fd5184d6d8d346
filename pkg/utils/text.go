package utils

import (
	"regexp"
	"strings"
	"unicode"
)

// NormalizeTitle converts a string to a canonical form: lowercase,
// non-letter/digit characters become single spaces.
func NormalizeTitle(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))

	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

var (
	seasonSuffix  = regexp.MustCompile(`(?i)\s*[\(\[]?(season|part|vol(ume)?|s)\s*\d+[\)\]]?\s*$`)
	bracketSuffix = regexp.MustCompile(`\s*[\(\[][^\)\]]*[\)\]]\s*$`)
	subtitleSplit = regexp.MustCompile(`\s*[:\-–~]\s+`)
)

// StripTitleSuffixes removes trailing season/part markers and bracketed
// qualifiers such as "(Official)" or "[Webtoon]".
func StripTitleSuffixes(s string) string {
	out := strings.TrimSpace(s)
	for {
		next := seasonSuffix.ReplaceAllString(out, "")
		next = bracketSuffix.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == out || next == "" {
			break
		}
		out = next
	}
	return out
}

var leadingArticles = []string{"the ", "a ", "an "}

// SimplifyTitle keeps only the main title: subtitle after a colon or dash
// is dropped, suffixes are stripped and a leading article is removed.
func SimplifyTitle(s string) string {
	main := subtitleSplit.Split(StripTitleSuffixes(s), 2)[0]
	n := NormalizeTitle(main)
	for _, a := range leadingArticles {
		if strings.HasPrefix(n, a) && len(n) > len(a) {
			n = n[len(a):]
			break
		}
	}
	return n
}
