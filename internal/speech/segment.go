package speech

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceEnd matches a run of terminal punctuation followed by whitespace.
// Punctuation at the very end of the buffer is not a boundary yet; the next
// token decides whether it ends a sentence or belongs to a number like "3.5".
var sentenceEnd = regexp.MustCompile(`([.!?…:;]+)\s+`)

// Chunk is one unit of reply text handed to synthesis.
type Chunk struct {
	// Seq numbers chunks of a stream from 0.
	Seq int

	// Text is trimmed and never empty.
	Text string

	// Forced is set when the chunk was cut at a word boundary because no
	// sentence end arrived in time.
	Forced bool
}

// Segmenter turns a token stream into speakable chunks. The zero value is
// not usable; call NewSegmenter.
type Segmenter struct {
	maxChars  int
	minPrefix int

	buf string
	seq int
}

// NewSegmenter returns a segmenter that force-splits an unterminated buffer
// of maxChars characters at the last space after minPrefix characters.
// Non-positive arguments select 60 and 20.
func NewSegmenter(maxChars, minPrefix int) *Segmenter {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	if minPrefix <= 0 {
		minPrefix = DefaultMinForcedPrefix
	}
	return &Segmenter{maxChars: maxChars, minPrefix: minPrefix}
}

// Push appends token and returns the chunks it completed.
func (s *Segmenter) Push(token string) []Chunk {
	s.buf += token

	var out []Chunk
	prev := 0
	for _, m := range sentenceEnd.FindAllStringSubmatchIndex(s.buf, -1) {
		// m[3] is the end of the punctuation group; the whitespace is dropped.
		out = s.appendChunk(out, s.buf[prev:m[3]], false)
		prev = m[1]
	}
	s.buf = s.buf[prev:]

	if len(out) == 0 && utf8.RuneCountInString(s.buf) >= s.maxChars {
		if i := strings.LastIndexFunc(s.buf, unicode.IsSpace); i >= 0 && utf8.RuneCountInString(s.buf[:i]) > s.minPrefix {
			_, w := utf8.DecodeRuneInString(s.buf[i:])
			out = s.appendChunk(out, s.buf[:i], true)
			s.buf = s.buf[i+w:]
		}
	}
	return out
}

// Flush returns the remaining text as a final chunk, if any, and resets the
// buffer.
func (s *Segmenter) Flush() []Chunk {
	rest := s.buf
	s.buf = ""
	return s.appendChunk(nil, rest, false)
}

func (s *Segmenter) appendChunk(out []Chunk, text string, forced bool) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return out
	}
	out = append(out, Chunk{Seq: s.seq, Text: text, Forced: forced})
	s.seq++
	return out
}
