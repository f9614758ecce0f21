package canboot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewImageCoalescesContiguousRuns(t *testing.T) {
	img := NewImage(map[uint32]byte{
		0x0000: 0xAA,
		0x0001: 0xBB,
		0x0002: 0xCC,
		0x0100: 0x05,
		0x0101: 0x06,
	})

	blocks := img.Blocks()
	if assert.Len(t, blocks, 2) {
		assert.Equal(t, uint32(0x0000), blocks[0].Start)
		assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, blocks[0].Data)
		assert.Equal(t, uint32(0x0100), blocks[1].Start)
		assert.Equal(t, []byte{0x05, 0x06}, blocks[1].Data)
	}
}

func TestImageByteAt(t *testing.T) {
	img := NewImage(map[uint32]byte{0x10: 0x42})
	b, ok := img.ByteAt(0x10)
	assert.True(t, ok)
	assert.Equal(t, byte(0x42), b)

	_, ok = img.ByteAt(0x11)
	assert.False(t, ok)
}

func TestImageTotalBytes(t *testing.T) {
	img := NewImage(map[uint32]byte{0x00: 1, 0x01: 2, 0x10: 3})
	assert.Equal(t, 3, img.TotalBytes())
}
