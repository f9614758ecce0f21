package canboot

import "time"

// DefaultPingInterval is used when -ping is present without a value.
const DefaultPingInterval = 75 * time.Millisecond

// Pinger emits a PING frame on a timer while the session is in Init. It
// is a timed task the session can cancel from any handler; it never
// touches session state directly, it only sends.
type Pinger struct {
	send     func(RawFrame) error
	canID    uint32
	extended bool
	mcuID    uint16
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewPinger builds a Pinger that sends on canID (the remote->mcu
// CAN-ID) using the session's MCU-ID, every interval.
func NewPinger(send func(RawFrame) error, canID uint32, extended bool, mcuID uint16, interval time.Duration) *Pinger {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &Pinger{
		send:     send,
		canID:    canID,
		extended: extended,
		mcuID:    mcuID,
		interval: interval,
	}
}

// Start begins emitting pings on a goroutine. Safe to call once.
func (p *Pinger) Start() {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop()
}

func (p *Pinger) loop() {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			frame := encode(CmdPing, p.mcuID, 0, [4]byte{}, 0)
			_ = p.send(RawFrame{ID: p.canID, Extended: p.extended, Len: 8, Data: frame})
		}
	}
}

// Stop cancels the pinger. Safe to call multiple times and safe to call
// on a Pinger that was never started.
func (p *Pinger) Stop() {
	if p == nil || p.stop == nil {
		return
	}
	select {
	case <-p.stop:
		// already stopped
	default:
		close(p.stop)
	}
	<-p.done
}
