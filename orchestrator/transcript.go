package orchestrator

import (
	"errors"
	"strings"
	"sync"
)

// ErrTranscriptFull is returned when the buffer exceeds its maximum size
var ErrTranscriptFull = errors.New("transcript buffer full")

// TranscriptBuffer accumulates streamed text chunks, in order, until flushed.
type TranscriptBuffer struct {
	chunks    []string
	totalSize int
	maxSize   int
	mu        sync.Mutex
}

// NewTranscriptBuffer creates a buffer capped at maxSize bytes of text.
// maxSize <= 0 means unbounded.
func NewTranscriptBuffer(maxSize int) *TranscriptBuffer {
	return &TranscriptBuffer{
		chunks:  make([]string, 0),
		maxSize: maxSize,
	}
}

// Append adds a text chunk to the buffer.
// Returns ErrTranscriptFull if adding the chunk would exceed maxSize.
func (tb *TranscriptBuffer) Append(chunk string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	newSize := tb.totalSize + len(chunk)
	if tb.maxSize > 0 && newSize > tb.maxSize {
		return ErrTranscriptFull
	}

	tb.chunks = append(tb.chunks, chunk)
	tb.totalSize = newSize
	return nil
}

// Flush concatenates all chunks in order and clears the buffer.
func (tb *TranscriptBuffer) Flush() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if len(tb.chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(tb.totalSize)
	for _, chunk := range tb.chunks {
		b.WriteString(chunk)
	}

	tb.chunks = tb.chunks[:0]
	tb.totalSize = 0

	return b.String()
}

// Size returns the current total buffered bytes
func (tb *TranscriptBuffer) Size() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.totalSize
}

// IsEmpty returns true if no chunks are buffered
func (tb *TranscriptBuffer) IsEmpty() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.chunks) == 0
}

// ChunkCount returns the number of chunks in the buffer
func (tb *TranscriptBuffer) ChunkCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.chunks)
}
