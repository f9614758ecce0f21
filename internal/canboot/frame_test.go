package canboot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFragmentPacking(t *testing.T) {
	for length := 0; length <= 4; length++ {
		for addr := uint32(0); addr < 64; addr++ {
			got := packFragment(length, addr)
			want := byte(length<<5) | byte(addr&0x1F)
			assert.Equalf(t, want, got, "length=%d addr=%d", length, addr)

			gotLen, gotAddr := unpackFragment(got)
			assert.Equal(t, length, gotLen)
			assert.Equal(t, byte(addr&0x1F), gotAddr)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cmds := []Command{CmdPing, CmdFlashData, CmdFlashReadData, CmdStartApp}
	for _, cmd := range cmds {
		for mcuID := uint16(0); mcuID < 3; mcuID++ {
			for length := 0; length <= 4; length++ {
				payload := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
				wire := encode(cmd, mcuID, 0x00000001, payload, length)
				got := decode(wire)

				assert.Equal(t, mcuID, got.MCUID)
				assert.Equal(t, cmd, got.Command)
				assert.Equal(t, payload, got.Payload)
				assert.Equal(t, length, got.ByteCount)
				assert.Equal(t, byte(0x01), got.AddrLow5)
			}
		}
	}
}

func TestEncodeAddressBigEndian(t *testing.T) {
	wire := encodeAddress(CmdFlashSetAddress, 0x0042, 0xDEADBEEF)
	assert.Equal(t, byte(0x00), wire[0])
	assert.Equal(t, byte(0x42), wire[1])
	assert.Equal(t, byte(CmdFlashSetAddress), wire[2])
	assert.Equal(t, byte(0x00), wire[3])
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, wire[4:8])

	got := decode(wire)
	assert.Equal(t, uint32(0xDEADBEEF), got.addressBE())
}

// TestEncodeAddressFragmentByteIgnoresAddressLowBits guards against
// routing the real address through the fragment packer: an address
// whose low 5 bits are non-zero must still encode byte 3 as 0x00.
func TestEncodeAddressFragmentByteIgnoresAddressLowBits(t *testing.T) {
	wire := encodeAddress(CmdFlashRead, 0x0042, 0xFFFFFFFF)
	assert.Equal(t, byte(0x00), wire[3])
}

func TestEncodeMCUIDInBytes01(t *testing.T) {
	wire := encode(CmdPing, 0x1234, 0, [4]byte{}, 0)
	assert.Equal(t, byte(0x12), wire[0])
	assert.Equal(t, byte(0x34), wire[1])
}
