// Package ihex reads and writes Intel HEX text, the on-disk image
// format canboot.Image is built from. The core package canboot never
// parses HEX itself, it only walks the resulting canboot.Image. This
// reader/writer is built directly on bufio/encoding/hex rather than a
// third-party HEX library, keeping the parsing dependency-free.
package ihex

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
)

const (
	recData               = 0x00
	recEndOfFile          = 0x01
	recExtSegmentAddress  = 0x02
	recStartSegmentAddr   = 0x03
	recExtLinearAddress   = 0x04
	recStartLinearAddress = 0x05
)

// Read parses Intel HEX text into a sparse image. Extended segment
// (02) and extended linear (04) address records are honored so images
// spanning more than 64 KiB decode to the correct absolute address.
func Read(r io.Reader) (*canboot.Image, error) {
	sparse := make(map[uint32]byte)
	var upperBase uint32 // contribution of the most recent 02/04 record

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] != ':' {
			return nil, errors.Errorf("ihex: line %d: missing ':' marker", lineNo)
		}
		raw, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "ihex: line %d: malformed hex", lineNo)
		}
		if len(raw) < 5 {
			return nil, errors.Errorf("ihex: line %d: record too short", lineNo)
		}

		byteCount := int(raw[0])
		addr := uint32(raw[1])<<8 | uint32(raw[2])
		recType := raw[3]
		if len(raw) != byteCount+5 {
			return nil, errors.Errorf("ihex: line %d: byte count %d does not match record length", lineNo, byteCount)
		}
		data := raw[4 : 4+byteCount]
		checksum := raw[4+byteCount]
		if !validChecksum(raw[:4+byteCount], checksum) {
			return nil, errors.Errorf("ihex: line %d: checksum mismatch", lineNo)
		}

		switch recType {
		case recData:
			for i, b := range data {
				sparse[upperBase+addr+uint32(i)] = b
			}
		case recEndOfFile:
			return canboot.NewImage(sparse), nil
		case recExtSegmentAddress:
			if byteCount != 2 {
				return nil, errors.Errorf("ihex: line %d: malformed extended segment address record", lineNo)
			}
			upperBase = (uint32(data[0])<<8 | uint32(data[1])) << 4
		case recExtLinearAddress:
			if byteCount != 2 {
				return nil, errors.Errorf("ihex: line %d: malformed extended linear address record", lineNo)
			}
			upperBase = (uint32(data[0])<<8 | uint32(data[1])) << 16
		case recStartSegmentAddr, recStartLinearAddress:
			// Start address records say where execution begins; this
			// tool always starts the application via START_APP, so
			// they carry no information we act on.
		default:
			return nil, errors.Errorf("ihex: line %d: unsupported record type 0x%02X", lineNo, recType)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "ihex: read")
	}
	return canboot.NewImage(sparse), nil
}

func validChecksum(recordWithoutChecksum []byte, checksum byte) bool {
	var sum byte
	for _, b := range recordWithoutChecksum {
		sum += b
	}
	return byte(0x100-int(sum)) == checksum
}

// Write serializes an image to Intel HEX text, emitting extended linear
// address records (04) whenever a block's address moves into a new
// 64 KiB segment, and splitting data into 16-byte records like the
// common Intel HEX convention.
func Write(w io.Writer, img *canboot.Image) error {
	bw := bufio.NewWriter(w)
	var currentUpper uint32 = 0xFFFFFFFF // force an initial 04 record

	for _, blk := range img.Blocks() {
		offset := uint32(0)
		for offset < uint32(len(blk.Data)) {
			addr := blk.Start + offset
			upper := addr >> 16
			if upper != currentUpper {
				if err := writeRecord(bw, 0, recExtLinearAddress, []byte{byte(upper >> 8), byte(upper)}); err != nil {
					return err
				}
				currentUpper = upper
			}

			n := uint32(len(blk.Data)) - offset
			if n > 16 {
				n = 16
			}
			// A record may not cross a 64 KiB boundary either.
			if room := 0x10000 - (addr & 0xFFFF); n > room {
				n = room
			}
			chunk := blk.Data[offset : offset+n]
			if err := writeRecord(bw, uint16(addr&0xFFFF), recData, chunk); err != nil {
				return err
			}
			offset += n
		}
	}
	if err := writeRecord(bw, 0, recEndOfFile, nil); err != nil {
		return err
	}
	return bw.Flush()
}

func writeRecord(w *bufio.Writer, addr uint16, recType byte, data []byte) error {
	record := make([]byte, 0, 5+len(data))
	record = append(record, byte(len(data)), byte(addr>>8), byte(addr), recType)
	record = append(record, data...)
	var sum byte
	for _, b := range record {
		sum += b
	}
	checksum := byte(0x100 - int(sum))
	record = append(record, checksum)

	if _, err := fmt.Fprintf(w, ":%s\n", toHexUpper(record)); err != nil {
		return err
	}
	return nil
}

func toHexUpper(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0xF]
	}
	return string(out)
}
