package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used by TiktokenEstimator. cl100k_base
// is a reasonable approximation for current Claude, GPT and Gemini models.
const DefaultEncoding = "cl100k_base"

// fallbackCharsPerToken is deliberately lower than DefaultCharsPerToken so a
// missing encoding errs toward overestimation.
const fallbackCharsPerToken = 3.0

// TiktokenEstimator counts tokens with a real BPE encoder. The encoder is
// loaded lazily on first use; if it cannot be loaded (offline host, unknown
// encoding) estimation falls back to a conservative character ratio.
type TiktokenEstimator struct {
	encoding string

	once     sync.Once
	enc      *tiktoken.Tiktoken
	err      error
	fallback *CharEstimator
}

// NewTiktokenEstimator creates an estimator for the named encoding.
// An empty name selects DefaultEncoding.
func NewTiktokenEstimator(encoding string) *TiktokenEstimator {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenEstimator{
		encoding: encoding,
		fallback: NewCharEstimator(fallbackCharsPerToken),
	}
}

// Load forces the encoder to load and reports any failure. Estimate works
// without calling Load; this exists so callers can surface the problem early.
func (t *TiktokenEstimator) Load() error {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(t.encoding)
		if t.err != nil {
			t.err = fmt.Errorf("tokens: load encoding %q: %w", t.encoding, t.err)
		}
	})
	return t.err
}

// Estimate implements TokenEstimator.
func (t *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if err := t.Load(); err != nil {
		return t.fallback.Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

var _ TokenEstimator = (*TiktokenEstimator)(nil)
