//go:build linux

package main

import (
	"strings"

	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
	"github.com/crycode-de/mcp-can-boot-go/internal/transport/slcan"
	"github.com/crycode-de/mcp-can-boot-go/internal/transport/socketcan"
)

// openTransport picks SocketCAN for a can-style interface name (can0,
// vcan0, ...) and falls back to the slcan serial adapter for anything
// that looks like a serial device, so the same -iface flag works for
// both a native Linux CAN controller and a USB-to-CAN dongle.
func openTransport(iface string, baud int) canboot.Transport {
	if strings.HasPrefix(iface, "can") || strings.HasPrefix(iface, "vcan") {
		return socketcan.New(iface)
	}
	return slcan.New(iface, baud)
}
