package canboot

import "strings"

// Signature is the 3-byte device signature a target reports in
// BOOTLOADER_START bytes 4..6.
type Signature [3]byte

// Device describes one entry of the part-number catalog: the expected
// signature and the flash size in bytes.
type Device struct {
	Signature Signature
	FlashSize uint32
}

// catalog maps every alias (short, medium and long form) to its device.
// An unknown alias resolves to the zero Device (signature {0,0,0},
// flash size 0), which makes BOOTLOADER_START's signature check fail
// deliberately — callers should treat an unrecognized alias as a
// configuration error before a session starts.
var catalog = map[string]Device{
	"m328p":     {Signature{0x1E, 0x95, 0x0F}, 32 * 1024},
	"mega328p":  {Signature{0x1E, 0x95, 0x0F}, 32 * 1024},
	"atmega328p": {Signature{0x1E, 0x95, 0x0F}, 32 * 1024},

	"m328pb":     {Signature{0x1E, 0x95, 0x16}, 32 * 1024},
	"mega328pb":  {Signature{0x1E, 0x95, 0x16}, 32 * 1024},
	"atmega328pb": {Signature{0x1E, 0x95, 0x16}, 32 * 1024},

	"m32u4":     {Signature{0x1E, 0x95, 0x87}, 32 * 1024},
	"mega32u4":  {Signature{0x1E, 0x95, 0x87}, 32 * 1024},
	"atmega32u4": {Signature{0x1E, 0x95, 0x87}, 32 * 1024},

	"m2560":       {Signature{0x1E, 0x98, 0x01}, 256 * 1024},
	"mega2560":    {Signature{0x1E, 0x98, 0x01}, 256 * 1024},
	"atmega2560":  {Signature{0x1E, 0x98, 0x01}, 256 * 1024},

	"m168":      {Signature{0x1E, 0x94, 0x06}, 16 * 1024},
	"mega168":   {Signature{0x1E, 0x94, 0x06}, 16 * 1024},
	"atmega168": {Signature{0x1E, 0x94, 0x06}, 16 * 1024},

	"m644p":       {Signature{0x1E, 0x96, 0x0A}, 64 * 1024},
	"mega644p":    {Signature{0x1E, 0x96, 0x0A}, 64 * 1024},
	"atmega644p":  {Signature{0x1E, 0x96, 0x0A}, 64 * 1024},
}

// LookupDevice resolves a case-insensitive part-number alias. Unknown
// aliases return the zero Device and false.
func LookupDevice(partno string) (Device, bool) {
	d, ok := catalog[strings.ToLower(partno)]
	return d, ok
}
