// Package chunk splits extracted text into overlapping retrieval units.
package chunk

import (
	"strings"
)

// DefaultSize and DefaultOverlap are tuned for ~500-token chunks with enough
// overlap to keep sentences that straddle a boundary retrievable from both
// sides.
const (
	DefaultSize    = 2500
	DefaultOverlap = 250
)

// defaultSeparators is the cascade tried in order: paragraph, line, sentence,
// word, and finally hard character cuts.
var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunk is one ordinal piece of a document.
type Chunk struct {
	// Index is the zero-based position within the source document.
	Index int
	// Content is the chunk text, including any leading overlap.
	Content string
}

// Splitter performs deterministic recursive character splitting.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithSize sets the maximum chunk size in characters.
func WithSize(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithOverlap sets how many trailing characters of each chunk are prefixed
// onto the next one.
func WithOverlap(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.overlap = n
		}
	}
}

// WithSeparators overrides the separator cascade.
func WithSeparators(seps []string) Option {
	return func(s *Splitter) {
		if len(seps) > 0 {
			s.separators = seps
		}
	}
}

// NewSplitter creates a Splitter with the given options.
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		size:       DefaultSize,
		overlap:    DefaultOverlap,
		separators: defaultSeparators,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.size-1 {
		s.overlap = s.size / 10
	}
	return s
}

// Split cuts text into ordered chunks of at most size runes. Identical
// input always yields identical output. Empty or whitespace-only input
// yields no chunks.
func (s *Splitter) Split(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// Pieces leave room for the overlap tail and joining space prefixed
	// onto every chunk after the first, keeping size an upper bound.
	budget := s.size
	if s.overlap > 0 {
		budget = s.size - s.overlap - 1
	}
	pieces := s.split(text, s.separators, budget)

	chunks := make([]Chunk, 0, len(pieces))
	prevTail := ""
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		content := p
		if prevTail != "" {
			content = prevTail + " " + p
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Content: content})
		prevTail = tail(p, s.overlap)
	}
	return chunks
}

// split recursively cuts text into pieces no longer than limit, preferring
// the earliest separator in the cascade that actually occurs.
func (s *Splitter) split(text string, separators []string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	if len(separators) == 0 {
		return hardCut(text, limit)
	}

	sep := separators[0]
	rest := separators[1:]
	if sep == "" {
		return hardCut(text, limit)
	}
	if !strings.Contains(text, sep) {
		return s.split(text, rest, limit)
	}

	parts := strings.Split(text, sep)
	var pieces []string
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			pieces = append(pieces, buf.String())
			buf.Reset()
		}
	}
	for _, part := range parts {
		if len(part) > limit {
			flush()
			pieces = append(pieces, s.split(part, rest, limit)...)
			continue
		}
		joined := len(part)
		if buf.Len() > 0 {
			joined += buf.Len() + len(sep)
		}
		if joined > limit {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(part)
	}
	flush()
	return pieces
}

// hardCut slices text into size-length pieces on rune boundaries.
func hardCut(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
