//go:build linux

// Package socketcan wires the Linux SocketCAN raw socket, via
// github.com/brutella/can, into the canboot.Transport contract. It is
// the raw-socket path used on Linux; the USB/serial path is
// internal/transport/slcan.
package socketcan

import (
	"github.com/brutella/can"
	"github.com/pkg/errors"

	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
)

// brutella/can's Frame.Flags bit for 29-bit extended identifiers.
const effFlag = 0x80

// Transport adapts a can.Bus to canboot.Transport.
type Transport struct {
	iface string
	bus   *can.Bus
}

// New prepares a transport for a SocketCAN interface, e.g. "can0".
// Nothing is opened until Open is called.
func New(iface string) *Transport {
	return &Transport{iface: iface}
}

// Open implements canboot.Transport.
func (t *Transport) Open(onFrame func(canboot.RawFrame)) error {
	bus, err := can.NewBus(t.iface)
	if err != nil {
		return errors.Wrapf(err, "socketcan: open %q", t.iface)
	}
	t.bus = bus
	bus.SubscribeFunc(func(frm can.Frame) {
		onFrame(fromCANFrame(frm))
	})
	go func() {
		// ConnectAndPublish blocks reading frames until Disconnect is
		// called; errors here surface only as the read loop ending,
		// which the session observes as no further frames arriving.
		_ = bus.ConnectAndPublish()
	}()
	return nil
}

// Send implements canboot.Transport.
func (t *Transport) Send(f canboot.RawFrame) error {
	frame := toCANFrame(f)
	if err := t.bus.Publish(frame); err != nil {
		return errors.Wrap(err, "socketcan: send")
	}
	return nil
}

// Close implements canboot.Transport.
func (t *Transport) Close() error {
	if t.bus == nil {
		return nil
	}
	return t.bus.Disconnect()
}

func toCANFrame(f canboot.RawFrame) can.Frame {
	var flags uint8
	if f.Extended {
		flags |= effFlag
	}
	frame := can.Frame{
		ID:     f.ID,
		Length: f.Len,
		Flags:  flags,
	}
	copy(frame.Data[:], f.Data[:])
	return frame
}

func fromCANFrame(frm can.Frame) canboot.RawFrame {
	return canboot.RawFrame{
		ID:       frm.ID,
		Extended: frm.Flags&effFlag != 0,
		Len:      frm.Length,
		Data:     frm.Data,
	}
}
