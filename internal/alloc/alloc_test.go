package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestMallocFreeFlush(t *testing.T) {
	Trim(true, true)
	before := BytesLive()

	ptr := Malloc(HostAsync, 100)
	assert.NotNil(t, ptr)
	// Rounded for boolean padding.
	assert.Equal(t, before+104, BytesLive())

	// Freed memory stays valid until the flush.
	Free(ptr)
	data := Slice(ptr, 100)
	data[99] = 42
	assert.Equal(t, byte(42), data[99])
	assert.Equal(t, before, BytesLive())

	FlushFree()
	assert.Equal(t, uintptr(104), BytesPooled())

	// The pool satisfies same-size requests.
	ptr2 := Malloc(HostAsync, 100)
	assert.Equal(t, uintptr(0), BytesPooled())
	Free(ptr2)
	FlushFree()

	Trim(true, true)
	assert.Equal(t, uintptr(0), BytesPooled())
}

func TestFreeNilAndUnknown(t *testing.T) {
	Free(nil)
	var local [8]byte
	assert.Panics(t, func() { Free(unsafe.Pointer(&local[0])) })
}

func TestMallocZero(t *testing.T) {
	assert.Nil(t, Malloc(Device, 0))
}
