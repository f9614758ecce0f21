package canboot

// Transport is the contract the session drives the CAN bus through:
// open the interface, register a callback invoked with each received
// frame, send a frame, and stop. Platform-specific transport selection
// (raw SocketCAN on Linux, a serial/slcan adapter elsewhere) lives
// outside this package, in internal/transport/*.
type Transport interface {
	// Open starts the transport and arranges for onFrame to be
	// called once per received frame, in arrival order. onFrame may
	// block; a well-behaved transport must queue frames that arrive
	// while a prior call to onFrame is still running so none are
	// lost.
	Open(onFrame func(RawFrame)) error

	// Send transmits a frame. A send failure is fatal to the
	// session.
	Send(f RawFrame) error

	// Close stops the transport and releases its resources.
	Close() error
}
