package bridge

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/serialport"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

// AdapterEndpoint is one wireless adapter's handle into the loop: a single
// transport.Radio multiplexes all four logical ports (rc, controller,
// proxy, status) over the air inside the custom radio header, so received
// frames are demultiplexed by their Port tag as they arrive rather than
// by polling separate file descriptors. The "RC-port readable" vs.
// "control-port readable" readiness distinction is preserved as two
// separate buffered channels fed by one reader goroutine per adapter.
type AdapterEndpoint struct {
	Name  string
	Radio transport.Radio
	Opts  transport.FramingOptions

	errs   chan error
	closed atomic.Bool
}

// AdapterFrame pairs a received frame with the adapter it arrived on, for
// diagnostics; duplicate suppression itself is keyed only by logical port
// and sequence, not by adapter, so identical frames arriving on more than
// one adapter (diversity reception) collapse to one.
type AdapterFrame struct {
	Adapter string
	Frame   transport.ReceivedFrame
}

// NewAdapterEndpoint wraps an already-opened Radio and starts its reader
// goroutine, which does nothing but demultiplex ReceivedFrame.Port onto
// the loop's shared rc/control fan-in channels — all business logic stays
// on the loop goroutine. rcOut and controlOut are shared across every
// adapter so the loop's single select statement can wait on a fixed,
// small set of channels regardless of adapter count.
func NewAdapterEndpoint(name string, radio transport.Radio, opts transport.FramingOptions, rcOut, controlOut chan<- AdapterFrame) *AdapterEndpoint {
	a := &AdapterEndpoint{
		Name:  name,
		Radio: radio,
		Opts:  opts,
		errs:  make(chan error, 8),
	}
	go a.readLoop(rcOut, controlOut)
	return a
}

func (a *AdapterEndpoint) readLoop(rcOut, controlOut chan<- AdapterFrame) {
	for {
		f, err := a.Radio.Receive()
		if err != nil {
			if a.closed.Load() || errors.Is(err, io.EOF) {
				select {
				case a.errs <- err:
				default:
				}
				return
			}
			logging.WithKind(ErrRadioReadFailure).Warnf("adapter %s receive: %v", a.Name, err)
			continue
		}
		af := AdapterFrame{Adapter: a.Name, Frame: f}
		switch f.Port {
		case transport.PortRC:
			rcOut <- af
		case transport.PortController:
			controlOut <- af
		}
	}
}

// Close releases the underlying radio; the reader goroutine exits on its
// next failed Receive.
func (a *AdapterEndpoint) Close() error {
	a.closed.Store(true)
	return a.Radio.Close()
}

// SerialRole distinguishes the two serial lines the bridge may own.
type SerialRole int

const (
	RoleControl SerialRole = iota
	RoleRC
)

// SerialEndpoint is an opened serial line, owned by the loop, opened with
// retry until success.
type SerialEndpoint struct {
	Path string
	Baud int
	Role SerialRole
	Port serialport.Port
}

// StreamCursor tracks the last-accepted sequence byte per logical port,
// reset to zero at startup and mutated by the uplink pipeline only.
// Equality, not ordering, decides duplicates, so an out-of-order but
// never-before-seen sequence byte is still accepted.
type StreamCursor struct {
	last    uint8
	primed  bool
}

// Accept reports whether seq is new (not equal to the last accepted
// sequence on this cursor) and, if so, records it as the new last-accepted
// value. The first frame on a fresh cursor is always accepted.
func (c *StreamCursor) Accept(seq uint8) bool {
	if c.primed && seq == c.last {
		return false
	}
	c.last = seq
	c.primed = true
	return true
}

// TxSequence is a monotonically advancing 8-bit counter per outbound
// logical port, wrapping mod 256, mutated only when a frame is emitted.
type TxSequence struct {
	next uint8
}

// Advance increments the counter and returns the sequence number to use
// for the next emitted frame; the first call on a fresh TxSequence
// returns 1.
func (s *TxSequence) Advance() uint8 {
	s.next++
	return s.next
}

// TelemetryBatch accumulates whole MAVLink messages for the batched-send
// helper available in MAVLink-parsed downlink mode. No message straddles
// a flush: Add only ever appends a complete message.
type TelemetryBatch struct {
	buf   []byte
	count int
}

// MaxBatchMessages is the fixed batch size: five whole messages per flush.
const MaxBatchMessages = 5

// Add appends one complete message's bytes to the batch and reports
// whether the batch should now be flushed (count has reached
// MaxBatchMessages).
func (b *TelemetryBatch) Add(message []byte) (shouldFlush bool) {
	b.buf = append(b.buf, message...)
	b.count++
	return b.count >= MaxBatchMessages
}

// Flush returns the accumulated bytes and resets the batch.
func (b *TelemetryBatch) Flush() []byte {
	out := b.buf
	b.buf = nil
	b.count = 0
	return out
}

// Empty reports whether the batch currently holds no messages.
func (b *TelemetryBatch) Empty() bool { return b.count == 0 }

// RcStatusFrame is the fixed-layout link-status record the beacon emits
// every 200 ms.
type RcStatusFrame struct {
	RSSIRCUAV    int8
	RecvPackSec  uint8
	CPUUsageUAV  uint8
	CPUTempUAV   uint8
	LowVoltage   bool
}

// Encode packs the frame into its six-byte wire form: the buffer starts
// all 0xFF, then each field overwrites its own byte in place, leaving
// byte 5 reserved at 0xFF for ground-side delimiter parsing. The payload
// is exactly six bytes, not twelve.
func (f RcStatusFrame) Encode() []byte {
	buf := [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	buf[0] = byte(f.RSSIRCUAV)
	buf[1] = f.RecvPackSec
	buf[2] = f.CPUUsageUAV
	buf[3] = f.CPUTempUAV
	if f.LowVoltage {
		buf[4] = 1
	} else {
		buf[4] = 0
	}
	buf[5] = 0xFF
	return buf[:]
}

// beaconPeriod and rcWindowPeriod are the two wall-clock cadences the
// beacon compares against each pass.
const (
	beaconPeriod   = 200 * time.Millisecond
	rcWindowPeriod = 1000 * time.Millisecond
)
