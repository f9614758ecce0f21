package ihex

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
)

func TestReadSimpleRecord(t *testing.T) {
	// :04 0000 00 AABBCCDD EE checksum for a 4-byte record at address 0.
	in := strings.NewReader(":04000000AABBCCDDEE\n:00000001FF\n")
	img, err := Read(in)
	require.NoError(t, err)

	b, ok := img.ByteAt(0x0000)
	require.True(t, ok)
	assert.Equal(t, byte(0xAA), b)
	b, ok = img.ByteAt(0x0003)
	require.True(t, ok)
	assert.Equal(t, byte(0xDD), b)
}

func TestReadRejectsBadChecksum(t *testing.T) {
	in := strings.NewReader(":04000000AABBCCDD00\n:00000001FF\n")
	_, err := Read(in)
	assert.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	img := canboot.NewImage(map[uint32]byte{
		0x0000: 0x01, 0x0001: 0x02, 0x0002: 0x03,
		0x10000: 0x04, // crosses a 64KiB boundary, exercises the 04 record
	})

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))

	roundTripped, err := Read(&buf)
	require.NoError(t, err)

	for addr, want := range map[uint32]byte{0x0000: 0x01, 0x0001: 0x02, 0x0002: 0x03, 0x10000: 0x04} {
		got, ok := roundTripped.ByteAt(addr)
		require.Truef(t, ok, "addr 0x%X should be present", addr)
		assert.Equal(t, want, got)
	}
}
