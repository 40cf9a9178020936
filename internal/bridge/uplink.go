package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/rcencode"
	"github.com/aetheris-systems/airbridge/internal/rcpublish"
	"github.com/aetheris-systems/airbridge/internal/serialport"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

// Uplink is the Ground → FC pipeline. Duplicate suppression is per
// logical port and shared across every adapter, since diversity
// reception means the same ground-emitted frame is expected to arrive
// from more than one adapter.
type Uplink struct {
	rcCursor      StreamCursor
	controlCursor StreamCursor

	encoder rcencode.Encoder

	rcSerial      serialport.Port // nil when !useSUMD; RC frames then go to controlSerial
	controlSerial serialport.Port

	publisher *rcpublish.Publisher

	rcPacketsCount int // accepted-RC-frame counter the beacon samples every 1000ms
}

// NewUplink wires the uplink pipeline. If rcSerial is nil, RC wire frames
// are written to controlSerial instead, matching the operator
// configuration's use_sumd semantics.
func NewUplink(encoder rcencode.Encoder, controlSerial, rcSerial serialport.Port, publisher *rcpublish.Publisher) *Uplink {
	return &Uplink{
		encoder:       encoder,
		controlSerial: controlSerial,
		rcSerial:      rcSerial,
		publisher:     publisher,
	}
}

// ProcessRC handles one inbound RC-port frame from any adapter: dedup
// against the shared RC cursor, decode the channel vector, encode to the
// flight controller's wire format, write it, and publish the decoded
// vector for external on-board consumers.
func (u *Uplink) ProcessRC(frame transport.ReceivedFrame) {
	if !u.rcCursor.Accept(frame.Sequence) {
		return
	}
	u.rcPacketsCount++

	channels := unpackChannels(frame.Payload)

	wire, err := u.encoder.Encode(channels)
	if err != nil {
		logging.WithKind(ErrRadioReadFailure).Warnf("rc encode failed: %v", err)
		return
	}

	target := u.rcSerial
	if target == nil {
		target = u.controlSerial
	}
	if err := writeFrame(target, wire); err != nil {
		logging.WithKind(ErrSerialShortWrite).Warnf("rc serial write: %v", err)
	}

	if u.publisher != nil {
		u.publisher.Publish(channels, frame.Sequence)
	}
}

// ProcessControl handles one inbound control-port frame from any adapter:
// dedup against the shared control cursor, then write the decoded payload
// straight through to the control serial endpoint (MSP/MAVLink
// configuration/telemetry traffic bound for the flight controller).
func (u *Uplink) ProcessControl(frame transport.ReceivedFrame) {
	if !u.controlCursor.Accept(frame.Sequence) {
		return
	}
	if err := writeFrame(u.controlSerial, frame.Payload); err != nil {
		logging.WithKind(ErrSerialShortWrite).Warnf("control serial write: %v", err)
	}
}

// TakeRCPacketCount snapshots and resets the per-second accepted-RC-frame
// counter; called by the beacon once per 1000ms window.
func (u *Uplink) TakeRCPacketCount() uint8 {
	n := u.rcPacketsCount
	u.rcPacketsCount = 0
	if n > 255 {
		n = 255
	}
	return uint8(n)
}

func writeFrame(port serialport.Port, b []byte) error {
	if port == nil {
		return fmt.Errorf("serial endpoint not open")
	}
	n, err := port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

// unpackChannels decodes a ground-emitted RC payload into a channel
// vector: big-endian int16 values, one per channel, matching the wire
// shape internal/rcencode.SUMD itself produces for the flight-controller
// side — the ground encoder and the SUMD decoder agree on this shape by
// construction of this bridge's air protocol.
func unpackChannels(payload []byte) []int16 {
	n := len(payload) / 2
	if n > rcencode.MaxChannels {
		n = rcencode.MaxChannels
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.BigEndian.Uint16(payload[i*2 : i*2+2]))
	}
	return out
}
