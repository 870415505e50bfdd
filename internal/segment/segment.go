// Package segment splits large documents into overlapping chunks that each
// fit a token budget.
package segment

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/flemzord/tokenguard/internal/tokens"
)

// DefaultSeparators lists cut points in priority order: paragraph break,
// line break, sentence end, word boundary.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// ErrInvalidChunkSize is returned when maxChunkTokens is below 1.
var ErrInvalidChunkSize = errors.New("segment: max chunk tokens must be >= 1")

// ErrNoEstimator is returned by a Segmenter built without an estimator.
var ErrNoEstimator = errors.New("segment: nil token estimator")

// Chunk is a contiguous slice of the source text. Start and End are byte
// offsets into the source; consecutive chunks may overlap.
type Chunk struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Segmenter splits text using a token estimator. It holds no mutable state
// and may be shared across goroutines.
type Segmenter struct {
	est tokens.TokenEstimator
}

// New creates a Segmenter.
func New(est tokens.TokenEstimator) *Segmenter {
	return &Segmenter{est: est}
}

// Segment splits text into chunks of at most maxChunkTokens estimated tokens.
// Each chunk after the first starts overlap bytes before the end of its
// predecessor. An overlap that would stop the cursor from advancing, or that
// alone exceeds the budget, is dropped for that chunk. A nil separators slice
// selects DefaultSeparators.
//
// The only chunk that may exceed the budget is one holding a single rune the
// estimator prices above maxChunkTokens.
func (s *Segmenter) Segment(text string, maxChunkTokens, overlap int, separators []string) ([]Chunk, error) {
	if s.est == nil {
		return nil, ErrNoEstimator
	}
	if maxChunkTokens < 1 {
		return nil, ErrInvalidChunkSize
	}
	if text == "" {
		return nil, nil
	}
	overlap = max(overlap, 0)
	if separators == nil {
		separators = DefaultSeparators
	}

	if n := s.est.Estimate(text); n <= maxChunkTokens {
		return []Chunk{{Index: 0, Text: text, Tokens: n, Start: 0, End: len(text)}}, nil
	}

	var (
		chunks  []Chunk
		start   int
		prevEnd int
	)
	for start < len(text) {
		if start < prevEnd && !s.fits(text[start:runeEnd(text, prevEnd)], maxChunkTokens) {
			start = prevEnd
		}

		rest := text[start:]
		minCut := max(prevEnd-start, 0)

		cut := len(rest)
		if !s.fits(rest, maxChunkTokens) {
			cut = s.cut(rest, maxChunkTokens, minCut, separators)
		}

		end := start + cut
		chunk := text[start:end]
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Text:   chunk,
			Tokens: s.est.Estimate(chunk),
			Start:  start,
			End:    end,
		})
		prevEnd = end
		if end >= len(text) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = alignForward(text, next)
	}
	return chunks, nil
}

func (s *Segmenter) fits(text string, limit int) bool {
	return s.est.Estimate(text) <= limit
}

// cut returns the length of the longest acceptable prefix of rest. The
// result is always greater than minCut and lands on a rune boundary.
func (s *Segmenter) cut(rest string, limit, minCut int, separators []string) int {
	for _, sep := range separators {
		if sep == "" {
			continue
		}
		if pos := s.lastFittingSeparator(rest, sep, limit, minCut); pos > 0 {
			return pos
		}
	}
	return s.hardCut(rest, limit, minCut)
}

// lastFittingSeparator walks the occurrences of sep and returns the last cut
// position (just after sep) whose prefix fits, or 0 when none does.
func (s *Segmenter) lastFittingSeparator(rest, sep string, limit, minCut int) int {
	best := 0
	for idx := 0; idx < len(rest); {
		i := strings.Index(rest[idx:], sep)
		if i < 0 {
			break
		}
		pos := idx + i + len(sep)
		if !s.fits(rest[:pos], limit) {
			// Prefixes only grow from here.
			break
		}
		if pos > minCut && pos < len(rest) {
			best = pos
		}
		idx = pos
	}
	return best
}

// hardCut finds the longest fitting prefix by character count, starting from
// the estimator's observed chars-per-token ratio, and prefers to end it on
// the last space.
func (s *Segmenter) hardCut(rest string, limit, minCut int) int {
	lo := runeEnd(rest, minCut)
	if lo >= len(rest) || !s.fits(rest[:lo], limit) {
		return lo
	}

	hi := len(rest)
	if est := s.est.Estimate(rest); est > 0 {
		guess := int(float64(len(rest)) / float64(est) * float64(limit))
		switch {
		case guess <= lo:
		case guess >= len(rest):
		case s.fits(rest[:guess], limit):
			lo = guess
		default:
			hi = guess
		}
	}

	// Invariant: rest[:lo] fits, rest[:hi] does not (or hi == len(rest)).
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if s.fits(rest[:mid], limit) {
			lo = mid
		} else {
			hi = mid
		}
	}

	n := alignBack(rest, lo)
	if n <= minCut {
		n = runeEnd(rest, minCut)
	}
	if sp := strings.LastIndexByte(rest[:n], ' '); sp >= 0 && sp+1 > minCut && sp+1 < n {
		n = sp + 1
	}
	return n
}

// runeEnd returns the offset just past the rune starting at or after i.
func runeEnd(s string, i int) int {
	i = alignForward(s, i)
	if i >= len(s) {
		return len(s)
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return i + size
}

// alignForward moves i forward to the next rune boundary.
func alignForward(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// alignBack moves i back to the previous rune boundary.
func alignBack(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// Join rebuilds the source text from chunks by concatenating each chunk's
// region past the end of its predecessor.
func Join(chunks []Chunk) string {
	var b strings.Builder
	end := 0
	for _, c := range chunks {
		if c.End <= end {
			continue
		}
		skip := max(end-c.Start, 0)
		b.WriteString(c.Text[skip:])
		end = c.End
	}
	return b.String()
}
