package bridge

import (
	"github.com/aetheris-systems/airbridge/internal/config"
	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/mavparser"
	"github.com/aetheris-systems/airbridge/internal/mspparser"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

// RetransmissionRate is the number of identical copies MAVLink-transparent
// mode emits per filled chunk, so the ground-side duplicate suppressor can
// collapse the redundant copy.
const RetransmissionRate = 2

// Downlink is the FC → Ground pipeline. Exactly one byte feeds the
// configured parser per call, matching the control serial's one-byte
// read granularity; the loop calls FeedByte once per byte read from the
// control-serial endpoint while it remains readable.
type Downlink struct {
	protocol  config.Protocol
	chunkSize int

	msp *mspparser.Parser
	mav *mavparser.Parser

	transparentBuf []byte

	// Batch is the optional 5-message telemetry batcher available to
	// higher-layer senders in MAVLink-parsed mode. FeedByte itself flushes
	// one message per frame immediately rather than accumulating into
	// Batch, since the control loop's own per-pass draining already
	// bounds how many messages can pile up before a write; Batch exists
	// for callers that want to coalesce several parsed messages into one
	// write deliberately.
	Batch TelemetryBatch

	proxySeq TxSequence
	opts     transport.FramingOptions

	emit func(port transport.LogicalPort, seq uint8, payload []byte)
}

// NewDownlink builds a Downlink for the given protocol. emit is called for
// every frame the pipeline produces, already carrying its advanced
// sequence number; the loop wires emit to fan the frame out to every
// adapter.
func NewDownlink(proto config.Protocol, chunkSize int, opts transport.FramingOptions, emit func(port transport.LogicalPort, seq uint8, payload []byte)) *Downlink {
	d := &Downlink{protocol: proto, chunkSize: chunkSize, opts: opts, emit: emit}
	switch proto {
	case config.ProtocolMSPv1:
		d.msp = mspparser.New(mspparser.V1)
	case config.ProtocolMSPv2:
		d.msp = mspparser.New(mspparser.V2)
	case config.ProtocolMAVLinkV1:
		d.mav = mavparser.New(mavparser.V1)
	case config.ProtocolMAVLinkV2:
		d.mav = mavparser.New(mavparser.V2)
	case config.ProtocolMAVLinkTransparent:
		d.transparentBuf = make([]byte, 0, chunkSize)
	}
	return d
}

// FeedByte consumes one byte read from the control-serial endpoint. It
// returns false when the byte broke framing (MSP/MAVLink desync) so the
// caller can abort its current read burst for this pass; transparent
// mode never rejects.
func (d *Downlink) FeedByte(b byte) (ok bool) {
	switch d.protocol {
	case config.ProtocolMSPv1, config.ProtocolMSPv2:
		complete, rejected := d.msp.Feed(b)
		if rejected {
			logging.WithKind(ErrParserDesync).Debug("msp parser desync, discarding burst")
			return false
		}
		if complete {
			d.flushWhole(d.msp.Message())
		}
		return true

	case config.ProtocolMAVLinkV1, config.ProtocolMAVLinkV2:
		complete, rejected := d.mav.Feed(b)
		if rejected {
			logging.WithKind(ErrParserDesync).Debug("mavlink parser desync, discarding burst")
			return false
		}
		if complete {
			d.flushWhole(mavparser.Marshal(d.mav.Message()))
		}
		return true

	case config.ProtocolMAVLinkTransparent:
		d.transparentBuf = append(d.transparentBuf, b)
		if len(d.transparentBuf) >= d.chunkSize {
			d.flushTransparent(d.transparentBuf)
			d.transparentBuf = d.transparentBuf[:0]
		}
		return true
	}
	return true
}

// flushWhole emits a single message as one proxy-port frame, padded or
// truncated to chunkSize for MAVLink modes, which use fixed-length
// framing; MSP frames are emitted at their natural length since MSP has
// no chunk-size framing requirement.
func (d *Downlink) flushWhole(message []byte) {
	frame := message
	if d.protocol == config.ProtocolMAVLinkV1 || d.protocol == config.ProtocolMAVLinkV2 {
		frame = padOrTruncate(message, d.chunkSize)
	}
	seq := d.proxySeq.Advance()
	d.emit(transport.PortProxy, seq, frame)
}

// flushTransparent emits buf twice with adjacent sequence numbers, per
// RetransmissionRate.
func (d *Downlink) flushTransparent(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	for i := 0; i < RetransmissionRate; i++ {
		seq := d.proxySeq.Advance()
		d.emit(transport.PortProxy, seq, cp)
	}
}

func padOrTruncate(b []byte, size int) []byte {
	if len(b) == size {
		return b
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}
