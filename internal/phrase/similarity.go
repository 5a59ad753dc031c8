package phrase

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Ratio is the normalised Levenshtein similarity of a and b in [0,1].
// Two empty strings are identical.
func Ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}

// PartialRatio aligns the shorter string against every equally long window
// of the longer one and returns the best Ratio. It scores 1 when one string
// contains the other. An empty argument scores 0.
func PartialRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	short := string(ra)
	if strings.Contains(string(rb), short) {
		return 1
	}
	best := 0.0
	for i := 0; i+len(ra) <= len(rb); i++ {
		if s := Ratio(short, string(rb[i:i+len(ra)])); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// soundsLike reports whether every token of phrase has a Double Metaphone
// code that also occurs among the codes of text.
func soundsLike(phraseTokens, textTokens []string) bool {
	if len(phraseTokens) == 0 {
		return false
	}
	textCodes := codesForTokens(textTokens)
	for _, pt := range phraseTokens {
		hit := false
		for code := range codesForTokens([]string{pt}) {
			if _, ok := textCodes[code]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// bestJaroWinkler returns the highest Jaro-Winkler similarity between phrase
// and any window of text with the same number of tokens, also trying the
// space-stripped forms so "hey mark" meets "heymark".
func bestJaroWinkler(phraseTokens, textTokens []string) float64 {
	phraseFull := strings.Join(phraseTokens, " ")
	phraseJoined := strings.Join(phraseTokens, "")
	best := matchr.JaroWinkler(phraseFull, strings.Join(textTokens, " "), false)
	n := len(phraseTokens)
	for i := 0; i+n <= len(textTokens); i++ {
		window := textTokens[i : i+n]
		if s := matchr.JaroWinkler(phraseFull, strings.Join(window, " "), false); s > best {
			best = s
		}
		if s := matchr.JaroWinkler(phraseJoined, strings.Join(window, ""), false); s > best {
			best = s
		}
	}
	for _, tt := range textTokens {
		if s := matchr.JaroWinkler(phraseJoined, tt, false); s > best {
			best = s
		}
	}
	return best
}
