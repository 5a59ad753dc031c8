// Package langdetect guesses the language of a transcript when the
// speech-to-text engine did not report one, or reported one the session does
// not speak.
//
// Detection is restricted to the configured session languages, which keeps
// the lingua models small and avoids answering in a language no voice exists
// for.
package langdetect

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// Detector is safe for concurrent use.
type Detector struct {
	languages []string
	fallback  string
	detector  lingua.LanguageDetector
}

// New builds a detector over the given ISO 639-1 codes. Unknown codes are
// ignored. fallback is returned when nothing can be decided; when empty the
// first language is used.
func New(languages []string, fallback string) *Detector {
	d := &Detector{fallback: strings.ToLower(fallback)}
	var linguaLangs []lingua.Language
	for _, code := range languages {
		code = strings.ToLower(strings.TrimSpace(code))
		iso := lingua.GetIsoCode639_1FromValue(strings.ToUpper(code))
		lang := lingua.GetLanguageFromIsoCode639_1(iso)
		if lang == lingua.Unknown {
			continue
		}
		d.languages = append(d.languages, code)
		linguaLangs = append(linguaLangs, lang)
	}
	if d.fallback == "" && len(d.languages) > 0 {
		d.fallback = d.languages[0]
	}
	// lingua needs at least two candidates to choose between.
	if len(linguaLangs) >= 2 {
		d.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(linguaLangs...).
			WithPreloadedLanguageModels().
			Build()
	}
	return d
}

// Languages returns the supported ISO 639-1 codes.
func (d *Detector) Languages() []string {
	return append([]string(nil), d.languages...)
}

// Supports reports whether lang is one of the configured languages.
func (d *Detector) Supports(lang string) bool {
	lang = strings.ToLower(lang)
	for _, l := range d.languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Detect returns the ISO 639-1 code of text, or the fallback when the text
// is empty, there is only one configured language, or lingua cannot decide.
func (d *Detector) Detect(text string) string {
	if d.detector == nil || strings.TrimSpace(text) == "" {
		return d.fallback
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return d.fallback
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}

// Resolve keeps reported when it is a supported language and otherwise
// detects the language of text. Region suffixes are dropped ("en-US" → "en").
func (d *Detector) Resolve(reported, text string) string {
	reported = strings.ToLower(strings.TrimSpace(reported))
	if i := strings.IndexAny(reported, "-_"); i > 0 {
		reported = reported[:i]
	}
	if reported != "" && d.Supports(reported) {
		return reported
	}
	return d.Detect(text)
}
