// Package buffer implements the reusable text buffer that the assembler
// emits kernel IR into. A single instance is reused across evaluations to
// avoid reallocation.
package buffer

import "fmt"

// Buffer is an append-only byte buffer with printf-style helpers and a
// Rewind operation for dropping a suffix that was emitted speculatively.
type Buffer struct {
	data []byte
}

// New returns a Buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Clear resets the buffer to length zero, keeping its capacity.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Fmt appends formatted text.
func (b *Buffer) Fmt(format string, args ...any) {
	b.data = fmt.Appendf(b.data, format, args...)
}

// Put appends a literal string.
func (b *Buffer) Put(s string) {
	b.data = append(b.data, s...)
}

// PutByte appends a single byte.
func (b *Buffer) PutByte(c byte) {
	b.data = append(b.data, c)
}

// Rewind drops the last n bytes.
func (b *Buffer) Rewind(n int) {
	if n > len(b.data) {
		n = len(b.data)
	}
	b.data = b.data[:len(b.data)-n]
}

// Bytes returns the buffer contents. The slice aliases the buffer and is
// only valid until the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// String returns a copy of the buffer contents.
func (b *Buffer) String() string {
	return string(b.data)
}

// Patch overwrites len(s) bytes starting at offset. The region must already
// exist.
func (b *Buffer) Patch(offset int, s string) {
	copy(b.data[offset:], s)
}
