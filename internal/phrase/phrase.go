// Package phrase matches transcribed text against the wake and goodbye
// phrases of a conversation, and detects when a transcript is the assistant
// hearing its own reply.
//
// All comparisons run on [Normalize]d text, so case, punctuation and
// diacritics never matter. Wake matching is fuzzy: the score is the best of
// a Levenshtein partial ratio and, when every phrase word sounds like a word
// of the text (Double Metaphone), the Jaro-Winkler similarity of the aligned
// words. Transcription engines often mangle short names, and the phonetic
// pass recovers "hey marc" or "hay mark" for "hey mark".
package phrase

import (
	"errors"
	"fmt"
	"strings"
)

// Default thresholds.
const (
	DefaultWakeThreshold = 0.72
	DefaultEchoThreshold = 0.85
	DefaultEchoMinChars  = 8
)

// DefaultGoodbyes are the phrases that end a session when no list is
// configured.
var DefaultGoodbyes = []string{
	"ok bye", "okay bye", "bye", "goodbye", "stop", "cancel", "enough",
	"gata", "la revedere", "opreste", "oprim", "terminam", "pa",
}

// WakePhrase is a phrase that opens a session in a given language.
type WakePhrase struct {
	Text     string
	Language string
}

// Match is the best wake phrase for a text.
type Match struct {
	Phrase WakePhrase
	Score  float64
}

// Config configures a Matcher.
type Config struct {
	Wake          []WakePhrase
	WakeThreshold float64
	Goodbyes      []string
	EchoThreshold float64
	// EchoMinChars is the normalised length both texts must exceed before
	// they are compared for echo.
	EchoMinChars int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if len(c.Wake) == 0 {
		errs = append(errs, errors.New("phrase: at least one wake phrase is required"))
	}
	for i, w := range c.Wake {
		if Normalize(w.Text) == "" {
			errs = append(errs, fmt.Errorf("phrase: wake[%d]: text is empty", i))
		}
	}
	if c.WakeThreshold < 0 || c.WakeThreshold > 1 {
		errs = append(errs, fmt.Errorf("phrase: wake threshold %v outside [0,1]", c.WakeThreshold))
	}
	if c.EchoThreshold < 0 || c.EchoThreshold > 1 {
		errs = append(errs, fmt.Errorf("phrase: echo threshold %v outside [0,1]", c.EchoThreshold))
	}
	return errors.Join(errs...)
}

type wakeEntry struct {
	phrase WakePhrase
	norm   string
	tokens []string
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	wake          []wakeEntry
	goodbyes      []string
	wakeThreshold float64
	echoThreshold float64
	echoMinChars  int
}

// New builds a Matcher. Zero thresholds take the defaults and an empty
// goodbye list takes DefaultGoodbyes.
func New(cfg Config) (*Matcher, error) {
	if cfg.WakeThreshold == 0 {
		cfg.WakeThreshold = DefaultWakeThreshold
	}
	if cfg.EchoThreshold == 0 {
		cfg.EchoThreshold = DefaultEchoThreshold
	}
	if cfg.EchoMinChars == 0 {
		cfg.EchoMinChars = DefaultEchoMinChars
	}
	if len(cfg.Goodbyes) == 0 {
		cfg.Goodbyes = DefaultGoodbyes
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Matcher{
		wakeThreshold: cfg.WakeThreshold,
		echoThreshold: cfg.EchoThreshold,
		echoMinChars:  cfg.EchoMinChars,
	}
	for _, w := range cfg.Wake {
		n := Normalize(w.Text)
		m.wake = append(m.wake, wakeEntry{phrase: w, norm: n, tokens: strings.Fields(n)})
	}
	for _, g := range cfg.Goodbyes {
		if n := Normalize(g); n != "" {
			m.goodbyes = append(m.goodbyes, n)
		}
	}
	return m, nil
}

// Similarity scores how well text contains phrase, in [0,1].
func Similarity(phrase, text string) float64 {
	p, t := Normalize(phrase), Normalize(text)
	return similarity(p, strings.Fields(p), t, strings.Fields(t))
}

func similarity(phrase string, phraseTokens []string, text string, textTokens []string) float64 {
	if phrase == "" || text == "" {
		return 0
	}
	score := PartialRatio(phrase, text)
	if score < 1 && soundsLike(phraseTokens, textTokens) {
		score = max(score, bestJaroWinkler(phraseTokens, textTokens))
	}
	return score
}

// Best returns the highest scoring wake phrase for text regardless of the
// threshold. ok is false when there are no wake phrases or text is empty.
func (m *Matcher) Best(text string) (Match, bool) {
	t := Normalize(text)
	if t == "" || len(m.wake) == 0 {
		return Match{}, false
	}
	tokens := strings.Fields(t)
	var best Match
	for i, w := range m.wake {
		s := similarity(w.norm, w.tokens, t, tokens)
		if i == 0 || s > best.Score {
			best = Match{Phrase: w.phrase, Score: s}
		}
	}
	return best, true
}

// MatchWake returns the best wake phrase when its score reaches the wake
// threshold.
func (m *Matcher) MatchWake(text string) (Match, bool) {
	best, ok := m.Best(text)
	if !ok || best.Score < m.wakeThreshold {
		return best, false
	}
	return best, true
}

// IsGoodbye reports whether text contains a goodbye phrase as whole words.
func (m *Matcher) IsGoodbye(text string) bool {
	t := Normalize(text)
	if t == "" {
		return false
	}
	padded := " " + t + " "
	for _, g := range m.goodbyes {
		if strings.Contains(padded, " "+g+" ") {
			return true
		}
	}
	return false
}

// IsEcho reports whether user is most likely the assistant's own previous
// reply picked up by the microphone. Both normalised texts must be longer
// than the minimum length; short phrases such as "yes" are never echoes.
func (m *Matcher) IsEcho(user, reply string) bool {
	u, r := Normalize(user), Normalize(reply)
	if len([]rune(u)) <= m.echoMinChars || len([]rune(r)) <= m.echoMinChars {
		return false
	}
	return PartialRatio(u, r) >= m.echoThreshold
}

// Languages returns the distinct wake phrase languages in configuration
// order.
func (m *Matcher) Languages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range m.wake {
		l := strings.ToLower(w.phrase.Language)
		if l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
