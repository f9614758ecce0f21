//go:build !linux

package main

import (
	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
	"github.com/crycode-de/mcp-can-boot-go/internal/transport/slcan"
)

// openTransport on non-Linux platforms always goes through the slcan
// serial adapter; raw SocketCAN sockets are Linux-only.
func openTransport(iface string, baud int) canboot.Transport {
	return slcan.New(iface, baud)
}
