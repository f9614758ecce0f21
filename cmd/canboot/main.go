// Command canboot is the host-side CLI for the MCP CAN bootloader:
// it flashes an Intel HEX image to a target over CAN, optionally reads
// flash back for verification, or fires a single reset frame.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/crycode-de/mcp-can-boot-go/internal/canboot"
	"github.com/crycode-de/mcp-can-boot-go/internal/ihex"
)

const (
	defaultCANIDMCU    = 0x1FFFFF01
	defaultCANIDRemote = 0x1FFFFF02
)

type options struct {
	file     string
	iface    string
	baud     int
	partno   string
	mcuid    string
	erase    bool
	noVerify bool
	read     string
	force    bool
	reset    string
	canIDMCU    string
	canIDRemote string
	sff      bool
	ping     string
	verbose  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "canboot",
		Short: "Flash an AVR target over CAN using the MCP CAN bootloader protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "Intel HEX file to flash (required unless -reset is given)")
	flags.StringVarP(&opts.iface, "iface", "i", "can0", "CAN interface (e.g. can0) or serial port (e.g. /dev/ttyUSB0, COM3)")
	flags.IntVar(&opts.baud, "baud", 115200, "serial baud rate, used only for a serial/slcan interface")
	flags.StringVarP(&opts.partno, "partno", "p", "", "target device part number, e.g. m328p (required unless -reset is given)")
	flags.StringVar(&opts.mcuid, "mcuid", "0x01", "MCU ID of the target, decimal or 0x-prefixed hex")
	flags.BoolVar(&opts.erase, "erase", false, "erase flash before writing")
	flags.BoolVar(&opts.noVerify, "no_verify", false, "skip the post-write verify pass")
	flags.StringVar(&opts.read, "read", "", "read flash back into -file instead of writing; optional numeric argument caps the maximum address read")
	flags.Lookup("read").NoOptDefVal = "unlimited"
	flags.BoolVar(&opts.force, "force", false, "continue even if the bootloader protocol version disagrees")
	flags.StringVar(&opts.reset, "reset", "", "send a single raw frame \"<can_id>#<hexbytes>\" and exit, e.g. 1FFFFF02#0000800000000000")
	flags.StringVar(&opts.canIDMCU, "can_id_mcu", fmt.Sprintf("0x%X", defaultCANIDMCU), "CAN ID frames from the target arrive on")
	flags.StringVar(&opts.canIDRemote, "can_id_remote", fmt.Sprintf("0x%X", defaultCANIDRemote), "CAN ID frames to the target are sent on")
	flags.BoolVar(&opts.sff, "sff", false, "use 11-bit standard frames instead of 29-bit extended frames")
	flags.StringVar(&opts.ping, "ping", "", "send a keep-alive PING while idle in Init, to hold the bootloader open; optional interval in ms (default 75)")
	flags.Lookup("ping").NoOptDefVal = "default"
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	canboot.SetLogger(log)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.reset != "" {
		return runReset(ctx, opts, log)
	}

	if opts.file == "" {
		return canboot.ConfigurationErrorf("missing required -file")
	}
	if opts.partno == "" {
		return canboot.ConfigurationErrorf("missing required -partno")
	}
	device, ok := canboot.LookupDevice(opts.partno)
	if !ok {
		return canboot.ConfigurationErrorf("unknown part number %q", opts.partno)
	}

	mcuID, err := parseUint(opts.mcuid, 16)
	if err != nil {
		return canboot.ConfigurationErrorf("invalid -mcuid %q: %s", opts.mcuid, err)
	}
	canIDMCU, err := parseUint(opts.canIDMCU, 32)
	if err != nil {
		return canboot.ConfigurationErrorf("invalid -can_id_mcu %q: %s", opts.canIDMCU, err)
	}
	canIDRemote, err := parseUint(opts.canIDRemote, 32)
	if err != nil {
		return canboot.ConfigurationErrorf("invalid -can_id_remote %q: %s", opts.canIDRemote, err)
	}

	cfg := canboot.Config{
		MCUID:       uint16(mcuID),
		CANIDMCU:    uint32(canIDMCU),
		CANIDRemote: uint32(canIDRemote),
		Extended:    !opts.sff,
		PartNo:      opts.partno,
		Device:      device,
		Erase:       opts.erase,
		NoVerify:    opts.noVerify,
		Force:       opts.force,
	}

	if opts.ping != "" {
		cfg.PingEnabled = true
		if opts.ping != "default" {
			ms, err := parseUint(opts.ping, 32)
			if err != nil {
				return canboot.ConfigurationErrorf("invalid -ping interval %q: %s", opts.ping, err)
			}
			cfg.PingInterval = time.Duration(ms) * time.Millisecond
		}
	}

	var img *canboot.Image
	if opts.read != "" {
		cfg.Mode = canboot.ModeRead
		if opts.read != "unlimited" {
			limit, err := parseUint(opts.read, 32)
			if err != nil {
				return canboot.ConfigurationErrorf("invalid -read limit %q: %s", opts.read, err)
			}
			limit32 := uint32(limit)
			cfg.ReadLimit = &limit32
		}
		img = canboot.NewImage(nil)
	} else {
		var f io.Reader = os.Stdin
		if opts.file != "-" {
			file, err := os.Open(opts.file)
			if err != nil {
				return errors.Wrap(err, "open hex file")
			}
			defer file.Close()
			f = file
		}
		var err error
		img, err = ihex.Read(f)
		if err != nil {
			return errors.Wrap(err, "parse hex file")
		}
		log.Infof("loaded %d bytes across %d block(s) from %s", img.TotalBytes(), len(img.Blocks()), opts.file)
	}

	transport := openTransport(opts.iface, opts.baud)
	sess := canboot.NewSession(cfg, transport, img)

	bar := progressbar.NewOptions(img.TotalBytes(),
		progressbar.OptionSetDescription("flashing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	if opts.read != "" {
		bar.Describe("reading")
	}

	done := make(chan struct{})
	go reportProgress(done, sess, bar)
	result := sess.Run(ctx)
	close(done)
	_ = bar.Finish()

	if !result.OK {
		return result.Err
	}

	log.Infof("done in %s, %d bytes transferred", result.Elapsed, result.BytesTransferred)
	if opts.read != "" && result.ReadImage != nil {
		var out io.Writer = os.Stdout
		if opts.file != "-" {
			file, err := os.Create(opts.file)
			if err != nil {
				return errors.Wrap(err, "create output hex file")
			}
			defer file.Close()
			out = file
		}
		if err := ihex.Write(out, result.ReadImage); err != nil {
			return errors.Wrap(err, "write hex file")
		}
		log.Infof("wrote %d bytes to %s", result.ReadImage.TotalBytes(), opts.file)
	}
	return nil
}

// reportProgress polls Session.BytesTransferred on a timer and updates
// the bar; the session itself has no progress callback, so this is the
// only way to see movement before Run returns.
func reportProgress(done <-chan struct{}, sess *canboot.Session, bar *progressbar.ProgressBar) {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = bar.Set(sess.BytesTransferred())
		}
	}
}

func runReset(ctx context.Context, opts *options, log *logrus.Logger) error {
	frame, err := parseResetFrame(opts.reset)
	if err != nil {
		return canboot.ConfigurationErrorf("invalid -reset frame: %s", err)
	}
	transport := openTransport(opts.iface, opts.baud)
	if err := transport.Open(func(canboot.RawFrame) {}); err != nil {
		return errors.Wrap(err, "open transport")
	}
	defer transport.Close()
	if err := transport.Send(frame); err != nil {
		return errors.Wrap(err, "send reset frame")
	}
	log.Infof("sent reset frame 0x%X", frame.ID)
	return nil
}

// parseResetFrame parses a SocketCAN-style "<can_id>#<hexbytes>"
// literal, the format the -reset flag accepts for firing a one-shot
// frame without running the full bootloader dialogue.
func parseResetFrame(s string) (canboot.RawFrame, error) {
	parts := strings.SplitN(s, "#", 2)
	if len(parts) != 2 {
		return canboot.RawFrame{}, errors.New(`expected "<can_id>#<hexbytes>"`)
	}
	idHex := strings.TrimPrefix(strings.TrimPrefix(parts[0], "0x"), "0X")
	var extended bool
	switch len(idHex) {
	case 3:
		extended = false
	case 8:
		extended = true
	default:
		return canboot.RawFrame{}, errors.New("can_id must be 3 hex digits (SFF) or 8 hex digits (EFF)")
	}
	id, err := strconv.ParseUint(idHex, 16, 32)
	if err != nil {
		return canboot.RawFrame{}, errors.Wrap(err, "can_id")
	}
	hexData := strings.TrimSpace(parts[1])
	if len(hexData)%2 != 0 || len(hexData) > 16 {
		return canboot.RawFrame{}, errors.New("data must be 0..8 bytes of hex")
	}
	var data [8]byte
	n := len(hexData) / 2
	for i := 0; i < n; i++ {
		b, err := strconv.ParseUint(hexData[i*2:i*2+2], 16, 8)
		if err != nil {
			return canboot.RawFrame{}, errors.Wrap(err, "data")
		}
		data[i] = byte(b)
	}
	return canboot.RawFrame{ID: uint32(id), Extended: extended, Len: uint8(n), Data: data}, nil
}

func parseUint(s string, bitSize int) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, bitSize)
	}
	return strconv.ParseUint(s, 10, bitSize)
}

// exitCodeFor maps a session failure's Kind to a process exit code so
// scripts driving this tool can distinguish a configuration mistake
// from a target that never started.
func exitCodeFor(err error) int {
	var bootErr *canboot.Error
	if errors.As(err, &bootErr) {
		switch bootErr.Kind {
		case canboot.KindConfiguration:
			return 2
		case canboot.KindProtocolMismatch:
			return 3
		case canboot.KindVerify:
			return 4
		case canboot.KindPeer, canboot.KindInvariant:
			return 5
		case canboot.KindTransport:
			return 6
		}
	}
	return 1
}
