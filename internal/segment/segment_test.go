package segment

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/flemzord/tokenguard/internal/tokens"
)

func newTestSegmenter() *Segmenter {
	return New(tokens.NewCharEstimator(4))
}

func checkChunks(t *testing.T, text string, chunks []Chunk, maxTokens int) {
	t.Helper()
	if got := Join(chunks); got != text {
		t.Fatalf("Join mismatch: got %d bytes, want %d", len(got), len(text))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
		if c.Text == "" {
			t.Errorf("chunk %d is empty", i)
		}
		if c.Tokens > maxTokens {
			t.Errorf("chunk %d has %d tokens > %d", i, c.Tokens, maxTokens)
		}
		if text[c.Start:c.End] != c.Text {
			t.Errorf("chunk %d offsets do not match its text", i)
		}
		if !utf8.ValidString(c.Text) {
			t.Errorf("chunk %d splits a rune", i)
		}
		if i > 0 && c.End <= chunks[i-1].End {
			t.Errorf("chunk %d does not advance: end %d <= %d", i, c.End, chunks[i-1].End)
		}
	}
}

func TestSegment_FitsReturnsSingleChunk(t *testing.T) {
	t.Parallel()

	chunks, err := newTestSegmenter().Segment("short text", 100, 10, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "short text" || chunks[0].End != 10 {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestSegment_Empty(t *testing.T) {
	t.Parallel()

	chunks, err := newTestSegmenter().Segment("", 10, 0, nil)
	if err != nil || len(chunks) != 0 {
		t.Fatalf("Segment(\"\") = %v, %v", chunks, err)
	}
}

func TestSegment_InvalidInputs(t *testing.T) {
	t.Parallel()

	if _, err := newTestSegmenter().Segment("abc", 0, 0, nil); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("expected ErrInvalidChunkSize, got %v", err)
	}
	if _, err := New(nil).Segment("abc", 10, 0, nil); !errors.Is(err, ErrNoEstimator) {
		t.Errorf("expected ErrNoEstimator, got %v", err)
	}
}

func TestSegment_LongTextWithoutLineBreaks(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 2000) // 10,000 chars
	// 250 tokens at 4 chars per token is ~1,000 chars.
	chunks, err := newTestSegmenter().Segment(text, 250, 100, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(chunks) < 9 {
		t.Fatalf("expected at least 9 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Text) > 1100 {
			t.Errorf("chunk %d is %d chars", i, len(c.Text))
		}
		if i > 0 && c.Start != chunks[i-1].End-100 {
			t.Errorf("chunk %d overlap = %d, want 100", i, chunks[i-1].End-c.Start)
		}
	}
	checkChunks(t, text, chunks, 250)
}

func TestSegment_NoSeparatorsHardCut(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 10000)
	chunks, err := newTestSegmenter().Segment(text, 250, 0, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	// 999 bytes is the longest run estimating to 250 tokens.
	if len(chunks[0].Text) != 999 {
		t.Errorf("first chunk = %d bytes, want 999", len(chunks[0].Text))
	}
	checkChunks(t, text, chunks, 250)
}

func TestSegment_PrefersParagraphBreaks(t *testing.T) {
	t.Parallel()

	p := strings.Repeat("x", 30)
	text := p + "\n\n" + p + "\n" + p + "\n\n" + p
	// 20 tokens allows 79 bytes: the line break at 63 fits, but the
	// paragraph break at 32 wins on priority.
	chunks, err := newTestSegmenter().Segment(text, 20, 0, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if chunks[0].Text != p+"\n\n" {
		t.Fatalf("first chunk = %q", chunks[0].Text)
	}
	checkChunks(t, text, chunks, 20)
}

func TestSegment_SentenceBoundaries(t *testing.T) {
	t.Parallel()

	text := "First sentence here. Second sentence here. Third sentence here."
	chunks, err := newTestSegmenter().Segment(text, 12, 0, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "First sentence here. Second sentence here. " {
		t.Errorf("first chunk = %q", chunks[0].Text)
	}
	checkChunks(t, text, chunks, 12)
}

func TestSegment_OverlapLargerThanChunkIsClamped(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 400)
	chunks, err := newTestSegmenter().Segment(text, 50, 5000, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	checkChunks(t, text, chunks, 50)
}

func TestSegment_NegativeOverlap(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 100)
	chunks, err := newTestSegmenter().Segment(text, 20, -10, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start != chunks[i-1].End {
			t.Fatalf("negative overlap should behave as zero")
		}
	}
	checkChunks(t, text, chunks, 20)
}

func TestSegment_MultibyteNeverSplitsRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("é", 3000) + " fin"
	chunks, err := newTestSegmenter().Segment(text, 50, 7, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	checkChunks(t, text, chunks, 50)
}

func TestSegment_TerminatesWhenSingleRuneExceedsBudget(t *testing.T) {
	t.Parallel()

	pricey := tokens.EstimatorFunc(func(s string) int { return len(s) * 1000 })
	chunks, err := New(pricey).Segment("abc", 1, 1, nil)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected one chunk per byte, got %d", len(chunks))
	}
	if Join(chunks) != "abc" {
		t.Fatalf("Join = %q", Join(chunks))
	}
}

func TestSegment_CustomSeparators(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("alpha|beta|", 50)
	chunks, err := newTestSegmenter().Segment(text, 10, 0, []string{"|", ""})
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c.Text, "|") {
			t.Errorf("chunk %d = %q, want cut after separator", i, c.Text)
		}
	}
	checkChunks(t, text, chunks, 10)
}

func TestSegment_RandomInputsReassemble(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 7))
	alphabet := []string{"a", "b", "é", "日", " ", " ", "\n", "\n\n", ". ", "x"}
	s := newTestSegmenter()

	for i := range 200 {
		var b strings.Builder
		n := rng.IntN(3000)
		for range n {
			b.WriteString(alphabet[rng.IntN(len(alphabet))])
		}
		text := b.String()
		maxTokens := 1 + rng.IntN(200)
		overlap := rng.IntN(300)

		chunks, err := s.Segment(text, maxTokens, overlap, nil)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		checkChunks(t, text, chunks, maxTokens)
	}
}

func TestJoin_IgnoresFullyOverlappedChunks(t *testing.T) {
	t.Parallel()

	chunks := []Chunk{
		{Text: "hello wor", Start: 0, End: 9},
		{Text: "wor", Start: 6, End: 9},
		{Text: "world", Start: 6, End: 11},
	}
	if got := Join(chunks); got != "hello world" {
		t.Fatalf("Join = %q", got)
	}
}
