// Package chunk splits extracted page text into token-bounded chunks at
// sentence boundaries, with an emergency hard split for pathological
// unbroken text.
package chunk

import (
	"unicode/utf8"
)

// Options bounds chunk sizes. CharsPerToken is a conservative static
// estimator; the ceiling below the provider's hard limit plus the hard-split
// path absorb its error.
type Options struct {
	MaxTokens     int
	CharsPerToken int
}

const (
	defaultMaxTokens     = 480
	defaultCharsPerToken = 4
)

// Chunk is one bounded slice of page text, the unit of embedding.
type Chunk struct {
	Text          string
	TokenEstimate int
}

// Splitter produces chunks from page text. Split is a pure function of its
// input: restartable and finite.
type Splitter struct {
	opts Options
}

// New builds a Splitter, applying defaults for unset options.
func New(opts Options) *Splitter {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.CharsPerToken <= 0 {
		opts.CharsPerToken = defaultCharsPerToken
	}
	return &Splitter{opts: opts}
}

// MaxChars returns the chunk ceiling in bytes implied by the token budget.
func (s *Splitter) MaxChars() int {
	return s.opts.MaxTokens * s.opts.CharsPerToken
}

// EstimateTokens estimates the token count of text under the configured
// chars-per-token ratio, rounding up.
func (s *Splitter) EstimateTokens(text string) int {
	return estimateTokens(len(text), s.opts.CharsPerToken)
}

func estimateTokens(chars, charsPerToken int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// Split chunks text so every chunk's token estimate is at most MaxTokens.
// Sentences are packed greedily; a sentence that alone exceeds the ceiling is
// hard-split at the byte boundary nearest the ceiling, which bounds the
// worst-case chunk count by ceil(len(text)/MaxChars). Concatenating the
// returned chunks reproduces the input exactly.
func (s *Splitter) Split(text string) []Chunk {
	if text == "" {
		return nil
	}
	maxChars := s.MaxChars()
	if len(text) <= maxChars {
		return []Chunk{{Text: text, TokenEstimate: s.EstimateTokens(text)}}
	}

	var chunks []Chunk
	var current string
	for _, sentence := range splitSentences(text) {
		if len(sentence) > maxChars {
			if current != "" {
				chunks = append(chunks, s.newChunk(current))
				current = ""
			}
			for _, piece := range hardSplit(sentence, maxChars) {
				chunks = append(chunks, s.newChunk(piece))
			}
			continue
		}
		if len(current)+len(sentence) > maxChars {
			chunks = append(chunks, s.newChunk(current))
			current = sentence
			continue
		}
		current += sentence
	}
	if current != "" {
		chunks = append(chunks, s.newChunk(current))
	}
	return chunks
}

func (s *Splitter) newChunk(text string) Chunk {
	return Chunk{Text: text, TokenEstimate: s.EstimateTokens(text)}
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace. Trailing whitespace stays attached to the preceding sentence
// so the pieces concatenate back to the original text.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	i := 0
	for i < len(text) {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			i++
			continue
		}
		// Run of terminators ("..." , "?!").
		j := i + 1
		for j < len(text) && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
			j++
		}
		if j < len(text) && !isSpace(text[j]) {
			// Mid-token punctuation (decimals, URLs); not a boundary.
			i = j
			continue
		}
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		sentences = append(sentences, text[start:j])
		start = j
		i = j
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

// hardSplit cuts text into maxChars-byte pieces, backing off to rune
// boundaries so multi-byte characters are never torn.
func hardSplit(text string, maxChars int) []string {
	var pieces []string
	for len(text) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxChars
		}
		pieces = append(pieces, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}
