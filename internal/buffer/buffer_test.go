package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer(t *testing.T) {
	b := New(16)
	b.Fmt("%s %d", "kernel", 7)
	b.Put("!")
	b.PutByte('\n')
	assert.Equal(t, "kernel 7!\n", b.String())
	assert.Equal(t, 10, b.Len())

	b.Rewind(2)
	assert.Equal(t, "kernel 7", b.String())

	b.Patch(0, "KERNEL")
	assert.Equal(t, "KERNEL 7", b.String())

	b.Clear()
	assert.Equal(t, 0, b.Len())
}
