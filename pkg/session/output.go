package session

import (
	"strings"
	"unicode/utf8"
)

// MaxOutputBytes bounds the output kept per session
const MaxOutputBytes = 1 << 20

// OutputBuffer accumulates streamed output, keeping the most recent bytes
// once the limit is reached.
type OutputBuffer struct {
	limit     int
	buf       strings.Builder
	truncated bool
}

// NewOutputBuffer creates a buffer holding at most limit bytes
func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{limit: limit}
}

// Write appends chunk, dropping the oldest bytes past the limit. The kept
// tail always starts on a rune boundary, so it may be a few bytes short of
// the limit.
func (b *OutputBuffer) Write(chunk string) {
	if chunk == "" {
		return
	}
	b.buf.WriteString(chunk)
	if b.limit <= 0 || b.buf.Len() <= b.limit {
		return
	}

	current := b.buf.String()
	cut := len(current) - b.limit
	for cut < len(current) && !utf8.RuneStart(current[cut]) {
		cut++
	}
	tail := current[cut:]
	b.buf.Reset()
	b.buf.WriteString(tail)
	b.truncated = true
}

// String returns the buffered output
func (b *OutputBuffer) String() string {
	return b.buf.String()
}

// Len returns the buffered size in bytes
func (b *OutputBuffer) Len() int {
	return b.buf.Len()
}

// Truncated reports whether older output was dropped
func (b *OutputBuffer) Truncated() bool {
	return b.truncated
}
