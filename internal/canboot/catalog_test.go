package canboot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupDeviceAliasForms(t *testing.T) {
	want := Signature{0x1E, 0x95, 0x0F}
	for _, alias := range []string{"m328p", "mega328p", "atmega328p", "M328P", "AtMega328P"} {
		d, ok := LookupDevice(alias)
		assert.Truef(t, ok, "alias %q should resolve", alias)
		assert.Equal(t, want, d.Signature)
		assert.Equal(t, uint32(32*1024), d.FlashSize)
	}
}

func TestLookupDeviceUnknown(t *testing.T) {
	d, ok := LookupDevice("not-a-real-part")
	assert.False(t, ok)
	assert.Equal(t, Device{}, d)
}
