// Package slcan implements the LAWICEL/slcan ASCII line protocol over a
// serial port, via go.bug.st/serial, as the USB/Windows counterpart to
// the Linux SocketCAN path in internal/transport/socketcan.
//
// Frame encoding follows the common slcan convention:
//
//	tIIILDD...\r   standard (11-bit) data frame
//	TIIIIIIIILDD...\r extended (29-bit) data frame
//
// where III/IIIIIIII is the hex CAN ID, L is the single-digit data
// length, and DD... is the payload as hex byte pairs.
package slcan

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
)

// Transport adapts a serial port speaking slcan ASCII frames to
// canboot.Transport.
type Transport struct {
	portName string
	baud     int

	port   serial.Port
	stopCh chan struct{}
	doneCh chan struct{}
}

// New prepares a transport for the given serial port ("COM3",
// "/dev/ttyUSB0", ...) at the given baud rate. Common slcan adapters run
// at 115200 or 230400; the caller decides.
func New(portName string, baud int) *Transport {
	return &Transport{portName: portName, baud: baud}
}

// Open implements canboot.Transport. It opens the serial port, sends the
// slcan "open channel" command, and starts a background reader that
// parses inbound ASCII frames and invokes onFrame.
func (t *Transport) Open(onFrame func(canboot.RawFrame)) error {
	mode := &serial.Mode{BaudRate: t.baud}
	port, err := serial.Open(t.portName, mode)
	if err != nil {
		return errors.Wrapf(err, "slcan: open %q", t.portName)
	}
	t.port = port

	// S6 = 500 kbit/s, the CAN bit rate mcp_can_boot targets by default;
	// O opens the channel for normal operation.
	if _, err := port.Write([]byte("S6\r")); err != nil {
		_ = port.Close()
		return errors.Wrap(err, "slcan: set bitrate")
	}
	if _, err := port.Write([]byte("O\r")); err != nil {
		_ = port.Close()
		return errors.Wrap(err, "slcan: open channel")
	}

	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.readLoop(onFrame)
	return nil
}

func (t *Transport) readLoop(onFrame func(canboot.RawFrame)) {
	defer close(t.doneCh)
	scanner := bufio.NewScanner(t.port)
	scanner.Split(scanLines)
	for scanner.Scan() {
		select {
		case <-t.stopCh:
			return
		default:
		}
		line := scanner.Text()
		frame, ok := parseLine(line)
		if !ok {
			continue
		}
		onFrame(frame)
	}
}

// scanLines splits on the slcan line terminator '\r' instead of '\n'.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := strings.IndexByte(string(data), '\r'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseLine(line string) (canboot.RawFrame, bool) {
	if len(line) < 2 {
		return canboot.RawFrame{}, false
	}
	extended := false
	switch line[0] {
	case 't':
		extended = false
	case 'T':
		extended = true
	default:
		return canboot.RawFrame{}, false
	}

	idLen := 3
	if extended {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return canboot.RawFrame{}, false
	}
	idHex := line[1 : 1+idLen]
	id, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return canboot.RawFrame{}, false
	}
	lengthDigit := line[1+idLen]
	length, err := strconv.Atoi(string(lengthDigit))
	if err != nil || length < 0 || length > 8 {
		return canboot.RawFrame{}, false
	}

	dataHex := line[1+idLen+1:]
	if len(dataHex) < length*2 {
		return canboot.RawFrame{}, false
	}
	var data [8]byte
	for i := 0; i < length; i++ {
		b, err := strconv.ParseUint(dataHex[i*2:i*2+2], 16, 8)
		if err != nil {
			return canboot.RawFrame{}, false
		}
		data[i] = byte(b)
	}

	return canboot.RawFrame{ID: uint32(id), Extended: extended, Len: uint8(length), Data: data}, true
}

// Send implements canboot.Transport.
func (t *Transport) Send(f canboot.RawFrame) error {
	var sb strings.Builder
	if f.Extended {
		fmt.Fprintf(&sb, "T%08X", f.ID)
	} else {
		fmt.Fprintf(&sb, "t%03X", f.ID)
	}
	fmt.Fprintf(&sb, "%d", f.Len)
	for i := 0; i < int(f.Len); i++ {
		fmt.Fprintf(&sb, "%02X", f.Data[i])
	}
	sb.WriteByte('\r')

	if _, err := t.port.Write([]byte(sb.String())); err != nil {
		return errors.Wrap(err, "slcan: send")
	}
	return nil
}

// Close implements canboot.Transport.
func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	close(t.stopCh)
	_, _ = t.port.Write([]byte("C\r")) // close channel, best-effort
	err := t.port.Close()
	select {
	case <-t.doneCh:
	case <-time.After(time.Second):
	}
	return err
}
