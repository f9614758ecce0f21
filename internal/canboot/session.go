package canboot

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.StandardLogger()

// SetLogger replaces the package-level logger. The CLI calls this once,
// at startup, wiring -verbose into the level.
func SetLogger(l *logrus.Logger) {
	log = l
}

// State is one of the session's three live states plus the terminal
// Done.
type State int

const (
	StateInit State = iota
	StateFlashing
	StateReading
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateFlashing:
		return "Flashing"
	case StateReading:
		return "Reading"
	case StateDone:
		return "Done"
	default:
		return "?"
	}
}

// Mode selects what a session is for: writing an image to flash, or
// reading flash back into an image.
type Mode int

const (
	ModeFlash Mode = iota
	ModeRead
)

// Config holds everything the CLI surface feeds into a session.
type Config struct {
	MCUID       uint16
	CANIDMCU    uint32 // frames FROM the target arrive on this ID
	CANIDRemote uint32 // frames the host sends go out on this ID
	Extended    bool

	PartNo string
	Device Device

	Mode      Mode
	Erase     bool
	NoVerify  bool
	Force     bool
	ReadLimit *uint32 // optional operator cap on the max address to read

	PingEnabled  bool
	PingInterval time.Duration
}

// Result is what Run returns: whether the target started its
// application, the error if not, how many bytes moved, how long it
// took, and — for read mode — the image read back.
type Result struct {
	OK               bool
	Err              error
	BytesTransferred int
	Elapsed          time.Duration
	ReadImage        *Image
}

// Session is the bootloader dialogue engine, the protagonist of this
// package.
type Session struct {
	cfg       Config
	transport Transport
	plan      *TransferPlan

	state State

	currentAddress uint32
	remoteAddress  uint32

	verifySubMode bool // true once a write pass has finished and verify is in progress
	readUntil     uint32

	flashStartTime time.Time
	bytesTransferred int64 // read concurrently via BytesTransferred, so always accessed atomically

	pinger *Pinger
	result Result
}

// NewSession builds a session. img is the firmware to write (ModeFlash)
// or is ignored, conventionally empty, for ModeRead.
func NewSession(cfg Config, transport Transport, img *Image) *Session {
	return &Session{
		cfg:       cfg,
		transport: transport,
		plan:      NewTransferPlan(img),
		state:     StateInit,
	}
}

// Run drives the session to completion: opens the transport, starts the
// optional pinger, and processes frames until a terminal state is
// reached or ctx is canceled.
func (s *Session) Run(ctx context.Context) Result {
	frames := make(chan RawFrame, 256)
	openErr := s.transport.Open(func(f RawFrame) {
		// Single-consumer queue: blocking send preserves arrival order
		// even if the session is still processing a prior frame.
		select {
		case frames <- f:
		case <-ctx.Done():
		}
	})
	if openErr != nil {
		return s.fail(newErr(KindTransport, "open transport: "+openErr.Error()))
	}
	defer s.transport.Close()

	if s.cfg.PingEnabled {
		s.pinger = NewPinger(s.transport.Send, s.cfg.CANIDRemote, s.cfg.Extended, s.cfg.MCUID, s.cfg.PingInterval)
		log.Debugf("keep-alive pinger enabled, interval %s", s.pinger.interval)
		s.pinger.Start()
	}

	for {
		select {
		case <-ctx.Done():
			s.terminate(errors.WithStack(ctx.Err()))
			return s.result
		case raw := <-frames:
			s.handleRaw(raw)
			if s.state == StateDone {
				return s.result
			}
		}
	}
}

// handleRaw applies the CAN-ID/length/MCU-ID filter before decoding and
// dispatching by state.
func (s *Session) handleRaw(raw RawFrame) {
	if raw.ID != s.cfg.CANIDMCU || raw.Len != 8 {
		return
	}
	f := decode(raw.Data)
	if f.MCUID != s.cfg.MCUID {
		return
	}

	switch s.state {
	case StateInit:
		s.handleInit(f)
	case StateFlashing:
		s.handleFlashing(f)
	case StateReading:
		s.handleReading(f)
	}
}

// --- Init ---------------------------------------------------------------

func (s *Session) handleInit(f Frame) {
	switch f.Command {
	case CmdBootloaderStart:
		s.handleBootloaderStart(f)
	case CmdFlashReady:
		s.handleInitFlashReady(f)
	case CmdFlashAddressError:
		s.handleInitAddressError(f)
	default:
		log.Warnf("Init: unexpected command %s", f.Command)
	}
}

func (s *Session) handleBootloaderStart(f Frame) {
	sig := Signature{f.Payload[0], f.Payload[1], f.Payload[2]}
	if sig != s.cfg.Device.Signature {
		log.Errorf("signature mismatch: got %02X%02X%02X, expected %02X%02X%02X",
			sig[0], sig[1], sig[2],
			s.cfg.Device.Signature[0], s.cfg.Device.Signature[1], s.cfg.Device.Signature[2])
		return
	}

	version := f.Payload[3]
	if version != ProtocolVersion {
		if !s.cfg.Force {
			s.terminate(newErr(KindProtocolMismatch, "unsupported bootloader protocol version"))
			return
		}
		log.Warnf("protocol version mismatch (got 0x%02X, expected 0x%02X), continuing due to -force", version, ProtocolVersion)
	}

	s.pinger.Stop()
	s.flashStartTime = time.Now()

	var data [4]byte
	copy(data[:], sig[:])
	s.emit(CmdFlashInit, 0, data, 0)
}

func (s *Session) handleInitFlashReady(f Frame) {
	switch {
	case s.cfg.Mode == ModeRead:
		s.emitAddress(CmdFlashSetAddress, 0xFFFFFFFF)
	case s.cfg.Erase:
		s.emit(CmdFlashErase, 0, [4]byte{}, 0)
		s.cfg.Erase = false
	default:
		s.state = StateFlashing
		s.plan.BeginWrite()
		s.currentAddress = 0
		s.remoteAddress = f.addressBE()
		s.writeStep()
	}
}

func (s *Session) handleInitAddressError(f Frame) {
	if s.cfg.Mode != ModeRead {
		log.Warnf("Init: unexpected FLASH_ADDRESS_ERROR outside read mode")
		return
	}
	flashendBL := f.addressBE()
	programSize := flashendBL + 1
	bootloaderSize := s.cfg.Device.FlashSize - programSize
	log.Infof("program size %d bytes, bootloader size %d bytes", programSize, bootloaderSize)

	limit := uint32(math.MaxUint32)
	if s.cfg.ReadLimit != nil {
		limit = *s.cfg.ReadLimit
	}
	s.readUntil = minU32(limit, programSize)

	s.state = StateReading
	s.currentAddress = 0
	s.emitAddress(CmdFlashRead, 0)
}

// --- Flashing ------------------------------------------------------------

func (s *Session) handleFlashing(f Frame) {
	switch f.Command {
	case CmdFlashReady:
		s.plan.AdvanceWrite(f.ByteCount)
		s.currentAddress += uint32(f.ByteCount)
		atomic.AddInt64(&s.bytesTransferred, int64(f.ByteCount))
		s.remoteAddress = f.addressBE()
		s.writeStep()
	case CmdFlashDataError:
		log.Errorf("flash data error at 0x%s", hex32(s.remoteAddress))
	case CmdFlashAddressError:
		log.Errorf("flash address error at 0x%s", hex32(s.remoteAddress))
	case CmdStartApp:
		log.Infof("flash complete in %s", time.Since(s.flashStartTime))
		s.terminateOK()
	default:
		log.Warnf("Flashing: unexpected command %s", f.Command)
	}
}

// writeStep consults the Transfer Plan for the next chunk and either
// requests a jump, emits data, or finishes the write pass.
func (s *Session) writeStep() {
	chunk, done := s.plan.NextWriteChunk()
	if done {
		if !s.cfg.NoVerify {
			s.emit(CmdFlashDoneVerify, 0, [4]byte{}, 0)
			s.state = StateReading
			s.verifySubMode = true
		} else {
			s.emit(CmdFlashDone, 0, [4]byte{}, 0)
		}
		return
	}

	if chunk.Address != s.remoteAddress {
		s.currentAddress = chunk.Address
		s.emitAddress(CmdFlashSetAddress, chunk.Address)
		return
	}

	var data [4]byte
	copy(data[:], chunk.Bytes)
	s.emit(CmdFlashData, chunk.Address, data, len(chunk.Bytes))
}

// --- Reading ---------------------------------------------------------------

func (s *Session) handleReading(f Frame) {
	switch f.Command {
	case CmdFlashDoneVerify:
		s.plan.BeginVerify()
		s.verifyStep()
	case CmdFlashReadData:
		s.handleReadData(f)
	case CmdFlashReadAddrError:
		s.handleReadAddressError()
	case CmdStartApp:
		s.terminateOK()
	default:
		log.Warnf("Reading: unexpected command %s", f.Command)
	}
}

func (s *Session) handleReadData(f Frame) {
	if f.AddrLow5 != byte(s.currentAddress&0x1F) {
		s.terminate(newErrAddr(KindInvariant, "read data address fragment mismatch", s.currentAddress))
		return
	}

	start := s.currentAddress
	s.currentAddress += uint32(f.ByteCount)

	if s.verifySubMode {
		for i := 0; i < f.ByteCount; i++ {
			addr := start + uint32(i)
			expected, ok := s.plan.ExpectVerifyByte(addr)
			if ok && expected != f.Payload[i] {
				s.terminate(newErrAddr(KindVerify, "verify mismatch", addr))
				return
			}
		}
		s.continueVerify()
		return
	}

	for i := 0; i < f.ByteCount; i++ {
		s.plan.AppendReadByte(f.Payload[i])
	}
	atomic.StoreInt64(&s.bytesTransferred, int64(len(s.plan.ReadBuffer())))
	if s.currentAddress > s.readUntil {
		s.finishRead()
		return
	}
	s.emitAddress(CmdFlashRead, s.currentAddress)
}

func (s *Session) handleReadAddressError() {
	if s.verifySubMode {
		s.terminate(newErr(KindPeer, "read failed during verify"))
		return
	}
	s.finishRead()
}

// verifyStep positions the verify pass at the start of the current
// image block (or terminates immediately for an empty image).
func (s *Session) verifyStep() {
	blk, ok := s.plan.CurrentVerifyBlock()
	if !ok {
		_ = s.sendStartApp()
		s.terminateOK()
		return
	}
	s.currentAddress = blk.Start
	s.emitAddress(CmdFlashRead, s.currentAddress)
}

// continueVerify is called after a FLASH_READ_DATA has been checked: it
// either requests the rest of the current block, jumps to the next
// block, or finishes the whole verify pass.
func (s *Session) continueVerify() {
	blk, ok := s.plan.CurrentVerifyBlock()
	if ok && s.currentAddress < blk.Start+uint32(len(blk.Data)) {
		s.emitAddress(CmdFlashRead, s.currentAddress)
		return
	}
	next, ok := s.plan.AdvanceVerifyBlock()
	if !ok {
		_ = s.sendStartApp()
		s.terminateOK()
		return
	}
	s.currentAddress = next.Start
	s.emitAddress(CmdFlashRead, s.currentAddress)
}

func (s *Session) finishRead() {
	s.result.ReadImage = s.plan.FinalizeRead()
	_ = s.sendStartApp()
	s.terminateOK()
}

// --- emission & termination helpers -----------------------------------

func (s *Session) emit(cmd Command, address uint32, data [4]byte, byteCount int) {
	payload := encode(cmd, s.cfg.MCUID, address, data, byteCount)
	_ = s.send(payload)
}

func (s *Session) emitAddress(cmd Command, address uint32) {
	payload := encodeAddress(cmd, s.cfg.MCUID, address)
	_ = s.send(payload)
}

func (s *Session) send(payload [8]byte) error {
	err := s.transport.Send(RawFrame{ID: s.cfg.CANIDRemote, Extended: s.cfg.Extended, Len: 8, Data: payload})
	if err != nil {
		s.terminate(errors.Wrap(newErr(KindTransport, "send failed"), err.Error()))
	}
	return err
}

func (s *Session) sendStartApp() error {
	return s.send(encode(CmdStartApp, s.cfg.MCUID, 0, [4]byte{}, 0))
}

func (s *Session) terminateOK() {
	if s.state == StateDone {
		return
	}
	s.pinger.Stop()
	s.state = StateDone
	s.result.OK = true
	s.result.BytesTransferred = int(atomic.LoadInt64(&s.bytesTransferred))
	s.result.Elapsed = time.Since(s.flashStartTime)
}

// terminate moves the session to Done(error) after attempting a
// courtesy START_APP so the target leaves the bootloader rather than
// staying in limbo. The courtesy send is best-effort: a failure here
// must not recurse back into terminate.
func (s *Session) terminate(err error) {
	if s.state == StateDone {
		return
	}
	s.pinger.Stop()
	payload := encode(CmdStartApp, s.cfg.MCUID, 0, [4]byte{}, 0)
	_ = s.transport.Send(RawFrame{ID: s.cfg.CANIDRemote, Extended: s.cfg.Extended, Len: 8, Data: payload})
	s.state = StateDone
	s.result.OK = false
	s.result.Err = err
	s.result.BytesTransferred = int(atomic.LoadInt64(&s.bytesTransferred))
	s.result.Elapsed = time.Since(s.flashStartTime)
}

// BytesTransferred reports the running byte count. Safe to call
// concurrently with Run, e.g. from a progress-bar polling goroutine.
func (s *Session) BytesTransferred() int {
	return int(atomic.LoadInt64(&s.bytesTransferred))
}

func (s *Session) fail(err error) Result {
	return Result{OK: false, Err: err}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
