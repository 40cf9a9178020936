package bridge_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/aetheris-systems/airbridge/internal/bridge"
	"github.com/aetheris-systems/airbridge/internal/config"
	"github.com/aetheris-systems/airbridge/internal/mavparser"
	"github.com/aetheris-systems/airbridge/internal/rcencode"
	"github.com/aetheris-systems/airbridge/internal/rcpublish"
	"github.com/aetheris-systems/airbridge/internal/serialfake"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

func channelPayload(values ...int16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

// RC diversity: two adapters deliver overlapping sequence numbers;
// duplicate suppression must collapse them to exactly one serial write per
// distinct sequence, in arrival order.
func TestRCDiversitySuppressesDuplicates(t *testing.T) {
	control := serialfake.New()
	publisher := rcpublish.New()
	up := bridge.NewUplink(rcencode.SUMD{}, control, nil, publisher)

	frame := func(seq uint8) transport.ReceivedFrame {
		return transport.ReceivedFrame{Port: transport.PortRC, Sequence: seq, Payload: channelPayload(100, 200)}
	}

	// Adapter A delivers {10, 12}; adapter B delivers {10, 11, 12},
	// interleaved as they might arrive over the air.
	up.ProcessRC(frame(10)) // A
	up.ProcessRC(frame(10)) // B, duplicate
	up.ProcessRC(frame(11)) // B
	up.ProcessRC(frame(12)) // A
	up.ProcessRC(frame(12)) // B, duplicate

	writes := control.Writes()
	if len(writes) != 3 {
		t.Fatalf("expected 3 serial writes, got %d", len(writes))
	}
}

// Sequence wrap must not break acceptance: 254, 255, 0, 1 are four
// distinct consecutive values and must all be accepted.
func TestSequenceWrapAllAccepted(t *testing.T) {
	control := serialfake.New()
	up := bridge.NewUplink(rcencode.SUMD{}, control, nil, rcpublish.New())

	for _, seq := range []uint8{254, 255, 0, 1} {
		up.ProcessRC(transport.ReceivedFrame{Port: transport.PortRC, Sequence: seq, Payload: channelPayload(1)})
	}

	if got := len(control.Writes()); got != 4 {
		t.Fatalf("expected 4 writes across sequence wrap, got %d", got)
	}
}

// use_sumd routes RC frames to the dedicated RC serial line, not the
// shared control line.
func TestUplinkUsesSUMDSerialWhenConfigured(t *testing.T) {
	control := serialfake.New()
	rc := serialfake.New()
	up := bridge.NewUplink(rcencode.SUMD{}, control, rc, rcpublish.New())

	up.ProcessRC(transport.ReceivedFrame{Port: transport.PortRC, Sequence: 1, Payload: channelPayload(1, 2)})

	if len(rc.Writes()) != 1 {
		t.Fatalf("expected 1 write to the dedicated RC serial, got %d", len(rc.Writes()))
	}
	if len(control.Writes()) != 0 {
		t.Fatalf("expected 0 writes to the control serial when use_sumd is set, got %d", len(control.Writes()))
	}
}

// A radiotap header without DBM_ANTSIGNAL must yield RSSI 0 without
// dropping the frame's payload.
func TestMalformedRadiotapYieldsZeroRSSIButKeepsPayload(t *testing.T) {
	frame := []byte{0, 0, 8, 0, 0, 0, 0, 0, 0xDB, 0x00, 0x01}
	rssi, radiotapLen, ok := transport.ExtractRSSI(frame)
	if ok {
		t.Fatalf("expected ok=false for a present-flags word with no recognized fields")
	}
	if rssi != 0 {
		t.Fatalf("expected RSSI 0 for a field-less radiotap header, got %d", rssi)
	}
	payload, err := transport.StripRadiotap(frame, radiotapLen)
	if err != nil {
		t.Fatalf("expected the payload after a field-less radiotap header to be kept, got error %v", err)
	}
	if string(payload) != string(frame[8:]) {
		t.Fatalf("expected payload % x after the radiotap header, got % x", frame[8:], payload)
	}
}

func newTestDownlink(t *testing.T, proto config.Protocol, chunkSize int) (*bridge.Downlink, *fakeRadio) {
	t.Helper()
	radio := &fakeRadio{}
	d := bridge.NewDownlink(proto, chunkSize, transport.FramingOptions{}, radio.emit)
	return d, radio
}

type sentFrame struct {
	port transport.LogicalPort
	seq  uint8
	data []byte
}

type fakeRadio struct {
	sent []sentFrame
}

func (r *fakeRadio) emit(port transport.LogicalPort, seq uint8, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.sent = append(r.sent, sentFrame{port: port, seq: seq, data: cp})
}

// MAVLink downlink: a single complete MAVLink v2 message produces exactly
// one proxy-port frame of exactly chunk_size bytes, carrying the first
// advanced proxy sequence number, 1.
func TestMAVLinkDownlinkProducesOneChunkSizedFrame(t *testing.T) {
	const chunkSize = 64
	d, radio := newTestDownlink(t, config.ProtocolMAVLinkV2, chunkSize)

	msg := mavparser.Message{
		Version:     mavparser.V2,
		Length:      41,
		Sequence:    5,
		SystemID:    1,
		ComponentID: 1,
		MessageID:   9999, // not in the crc_extra table, so checksum has no extra byte mixed in
		Payload:     make([]byte, 41),
	}
	for i := range msg.Payload {
		msg.Payload[i] = byte(i)
	}
	msg.Checksum = mavparser.Checksum(msg)

	wire := mavparser.Marshal(msg)
	if len(wire) != 53 {
		t.Fatalf("expected a 53-byte wire message (10 header + 41 payload + 2 crc), got %d", len(wire))
	}

	for _, b := range wire {
		if !d.FeedByte(b) {
			t.Fatalf("unexpected parser rejection feeding byte 0x%02x", b)
		}
	}

	if len(radio.sent) != 1 {
		t.Fatalf("expected exactly 1 emitted frame, got %d", len(radio.sent))
	}
	got := radio.sent[0]
	if got.port != transport.PortProxy {
		t.Fatalf("expected emission on the proxy port, got %v", got.port)
	}
	if len(got.data) != chunkSize {
		t.Fatalf("expected frame length %d, got %d", chunkSize, len(got.data))
	}
	if got.seq != 1 {
		t.Fatalf("expected first proxy sequence 1, got %d", got.seq)
	}
}

// MAVLink transparent retransmission: 128 bytes of arbitrary data at
// chunk_size=64 produces 4 frames (2 chunks x RetransmissionRate),
// sequence numbers 1,2,3,4, with payload pairs 1=2 and 3=4.
func TestMAVLinkTransparentRetransmitsEachChunk(t *testing.T) {
	const chunkSize = 64
	d, radio := newTestDownlink(t, config.ProtocolMAVLinkTransparent, chunkSize)

	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i)
	}
	for _, b := range data {
		if !d.FeedByte(b) {
			t.Fatalf("transparent mode must never reject a byte")
		}
	}

	if len(radio.sent) != 4 {
		t.Fatalf("expected 4 emitted frames (2 chunks x retransmission rate 2), got %d", len(radio.sent))
	}
	for i, f := range radio.sent {
		if f.port != transport.PortProxy {
			t.Fatalf("frame %d: expected proxy port, got %v", i, f.port)
		}
		if len(f.data) != chunkSize {
			t.Fatalf("frame %d: expected length %d, got %d", i, chunkSize, len(f.data))
		}
		if f.seq != uint8(i+1) {
			t.Fatalf("frame %d: expected sequence %d, got %d", i, i+1, f.seq)
		}
	}
	if string(radio.sent[0].data) != string(radio.sent[1].data) {
		t.Fatalf("expected the first retransmitted pair to carry identical payloads")
	}
	if string(radio.sent[2].data) != string(radio.sent[3].data) {
		t.Fatalf("expected the second retransmitted pair to carry identical payloads")
	}
	if string(radio.sent[0].data) == string(radio.sent[2].data) {
		t.Fatalf("expected the two chunks to carry different payloads")
	}
}

// MSP resync: garbage bytes preceding a complete MSPv2 message produce
// zero emissions for the garbage and exactly one emission for the
// message.
func TestMSPResyncDiscardsGarbageBeforeAMessage(t *testing.T) {
	d, radio := newTestDownlink(t, config.ProtocolMSPv2, 64)

	garbage := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	rejectedCount := 0
	for _, b := range garbage {
		if !d.FeedByte(b) {
			rejectedCount++
		}
	}
	if rejectedCount == 0 {
		t.Fatalf("expected at least one rejected byte while resynchronizing on garbage")
	}
	if len(radio.sent) != 0 {
		t.Fatalf("expected zero emissions from garbage bytes, got %d", len(radio.sent))
	}

	msg := mspV2Message(t, 0x1234, []byte("hello"))
	for _, b := range msg {
		if !d.FeedByte(b) {
			t.Fatalf("unexpected rejection while feeding a well-formed MSPv2 message")
		}
	}

	if len(radio.sent) != 1 {
		t.Fatalf("expected exactly 1 emission for the complete message, got %d", len(radio.sent))
	}
	if string(radio.sent[0].data) != string(msg) {
		t.Fatalf("expected the emitted frame to equal the original MSPv2 message bytes")
	}
}

// mspV2Message hand-builds a valid $X<... MSPv2 frame with a correct
// CRC-8/DVB-S2 trailer, matching internal/mspparser's expectations.
func mspV2Message(t *testing.T, function uint16, payload []byte) []byte {
	t.Helper()
	buf := []byte{'$', 'X', '<'}
	flag := byte(0)
	funcLo := byte(function)
	funcHi := byte(function >> 8)
	sizeLo := byte(len(payload))
	sizeHi := byte(len(payload) >> 8)

	body := []byte{flag, funcLo, funcHi, sizeLo, sizeHi}
	body = append(body, payload...)

	var crc byte
	for _, b := range body {
		crc = crc8DvbS2(crc, b)
	}

	buf = append(buf, body...)
	buf = append(buf, crc)
	return buf
}

func crc8DvbS2(crc uint8, b byte) uint8 {
	crc ^= b
	for i := 0; i < 8; i++ {
		if crc&0x80 != 0 {
			crc = (crc << 1) ^ 0xD5
		} else {
			crc <<= 1
		}
	}
	return crc
}

// Status beacon cadence: over roughly 1 second of wall-clock with no
// traffic, exactly 5 status frames are emitted.
func TestBeaconCadenceEmitsFiveFramesPerSecond(t *testing.T) {
	control := serialfake.New()
	up := bridge.NewUplink(rcencode.SUMD{}, control, nil, rcpublish.New())

	radio := &fakeRadio{}
	b := bridge.NewBeacon(up, radio.emit)

	start := time.Now()
	for i := 1; i <= 5; i++ {
		b.Tick(start.Add(time.Duration(i) * 200 * time.Millisecond))
	}

	statusFrames := 0
	for _, f := range radio.sent {
		if f.port == transport.PortStatus {
			statusFrames++
		}
	}
	if statusFrames != 5 {
		t.Fatalf("expected 5 status frames over 1s at 200ms cadence, got %d", statusFrames)
	}
}

// Every status frame must carry the fixed 6-byte layout with 0xFF in the
// reserved trailing byte.
func TestStatusFrameEncodingMatchesWireLayout(t *testing.T) {
	f := bridge.RcStatusFrame{RSSIRCUAV: -42, RecvPackSec: 7, CPUUsageUAV: 50, CPUTempUAV: 60, LowVoltage: true}
	enc := f.Encode()
	if len(enc) != 6 {
		t.Fatalf("expected a 6-byte status payload, got %d", len(enc))
	}
	if int8(enc[0]) != -42 {
		t.Fatalf("rssi mismatch: got %d", int8(enc[0]))
	}
	if enc[1] != 7 || enc[2] != 50 || enc[3] != 60 {
		t.Fatalf("unexpected field bytes: %v", enc)
	}
	if enc[4] != 1 {
		t.Fatalf("expected low-voltage flag byte 1, got %d", enc[4])
	}
	if enc[5] != 0xFF {
		t.Fatalf("expected reserved trailing byte 0xFF, got 0x%02x", enc[5])
	}
}

// Ordering: within one pass, RC-port uplink side effects must be
// observable before control-port side effects.
func TestUplinkOrderingRCBeforeControl(t *testing.T) {
	control := serialfake.New()
	up := bridge.NewUplink(rcencode.SUMD{}, control, nil, rcpublish.New())

	up.ProcessRC(transport.ReceivedFrame{Port: transport.PortRC, Sequence: 1, Payload: channelPayload(1)})
	up.ProcessControl(transport.ReceivedFrame{Port: transport.PortController, Sequence: 1, Payload: []byte("hello")})

	writes := control.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes (one RC-encoded, one control passthrough), got %d", len(writes))
	}
	if string(writes[1]) != "hello" {
		t.Fatalf("expected the second write to be the control payload passed straight through, got %q", writes[1])
	}
}
