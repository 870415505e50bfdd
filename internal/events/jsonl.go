package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends events as JSON lines to a writer.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err func(error)
}

// NewJSONLSink creates a sink writing to w. onError, if non-nil, receives
// encoding or write failures; otherwise they are dropped.
func NewJSONLSink(w io.Writer, onError func(error)) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w), err: onError}
}

// OpenJSONL opens (or creates) an append-only JSONL file at path.
// The caller closes the returned file.
func OpenJSONL(path string, onError func(error)) (*JSONLSink, io.Closer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("events: create directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("events: open %s: %w", path, err)
	}
	return NewJSONLSink(f, onError), f, nil
}

// Emit implements Emitter.
func (s *JSONLSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(e); err != nil && s.err != nil {
		s.err(fmt.Errorf("events: write jsonl: %w", err))
	}
}
