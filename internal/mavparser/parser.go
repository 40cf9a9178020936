// Package mavparser implements the byte-at-a-time MAVLink v1/v2 framing
// state machine the downlink pipeline feeds with bytes read from the
// flight-controller serial line, and the canonical re-serialization used
// to re-emit a parsed message onto the proxy port. The wire layout (magic,
// length, incompat/compat flags, sequence, system/component ID, message
// ID, payload, X.25 checksum) is fed one byte at a time through Feed
// rather than read in bulk with io.ReadFull, so the event loop never
// blocks waiting on a partial frame.
package mavparser

import "encoding/binary"

// Version selects MAVLink v1 (6-byte header, magic 0xFE) or v2 (10-byte
// header, magic 0xFD, incompat/compat flags).
type Version int

const (
	V1 Version = iota
	V2
)

const (
	magicV1 = 0xFE
	magicV2 = 0xFD
)

type state int

const (
	stateWaitMagic state = iota
	stateLen
	stateIncompat // v2 only
	stateCompat   // v2 only
	stateSeq
	stateSysID
	stateCompID
	stateMsgIDorMsgID0
	stateMsgID1
	stateMsgID2
	statePayload
	stateChecksumLo
	stateChecksumHi
)

// Message is a fully parsed MAVLink frame, preserving enough of the header
// to re-serialize it byte-identically via Marshal.
type Message struct {
	Version     Version
	Length      uint8
	Incompat    uint8
	Compat      uint8
	Sequence    uint8
	SystemID    uint8
	ComponentID uint8
	MessageID   uint32
	Payload     []byte
	Checksum    uint16
}

// Parser is a single-stream MAVLink byte-at-a-time decoder, not
// goroutine-safe; the downlink pipeline owns one per control-serial
// endpoint, driven only from the loop goroutine.
type Parser struct {
	version Version
	state   state

	length   uint8
	incompat uint8
	compat   uint8
	seq      uint8
	sysID    uint8
	compID   uint8
	msgID    uint32
	msgIDIdx int
	payload  []byte
	payRead  uint8
	crc      uint16
	crcLo    uint8

	last Message
}

// New creates a parser for the given MAVLink version.
func New(v Version) *Parser {
	return &Parser{version: v, state: stateWaitMagic}
}

// Feed consumes one byte. complete is true exactly when Message() now
// holds a freshly parsed frame. rejected is true when the byte breaks
// framing (any byte other than the magic while waiting for a frame start,
// or a checksum mismatch); the
// downlink pipeline aborts the read burst on rejection and waits for the
// next readiness pass per the bridge's desync-recovery policy.
func (p *Parser) Feed(b byte) (complete bool, rejected bool) {
	wantMagic := byte(magicV1)
	if p.version == V2 {
		wantMagic = magicV2
	}

	switch p.state {
	case stateWaitMagic:
		if b != wantMagic {
			return false, true
		}
		p.crc = 0xFFFF
		p.state = stateLen
		return false, false

	case stateLen:
		p.length = b
		p.payload = make([]byte, 0, b)
		p.payRead = 0
		p.crc = crcAccumulate(p.crc, b)
		if p.version == V2 {
			p.state = stateIncompat
		} else {
			p.state = stateSeq
		}
		return false, false

	case stateIncompat:
		p.incompat = b
		p.crc = crcAccumulate(p.crc, b)
		p.state = stateCompat
		return false, false

	case stateCompat:
		p.compat = b
		p.crc = crcAccumulate(p.crc, b)
		p.state = stateSeq
		return false, false

	case stateSeq:
		p.seq = b
		p.crc = crcAccumulate(p.crc, b)
		p.state = stateSysID
		return false, false

	case stateSysID:
		p.sysID = b
		p.crc = crcAccumulate(p.crc, b)
		p.state = stateCompID
		return false, false

	case stateCompID:
		p.compID = b
		p.crc = crcAccumulate(p.crc, b)
		p.msgID = 0
		p.msgIDIdx = 0
		p.state = stateMsgIDorMsgID0
		return false, false

	case stateMsgIDorMsgID0:
		p.crc = crcAccumulate(p.crc, b)
		p.msgID |= uint32(b)
		if p.version == V1 {
			p.state = p.afterMsgID()
		} else {
			p.state = stateMsgID1
		}
		return false, false

	case stateMsgID1:
		p.crc = crcAccumulate(p.crc, b)
		p.msgID |= uint32(b) << 8
		p.state = stateMsgID2
		return false, false

	case stateMsgID2:
		p.crc = crcAccumulate(p.crc, b)
		p.msgID |= uint32(b) << 16
		p.state = p.afterMsgID()
		return false, false

	case statePayload:
		p.payload = append(p.payload, b)
		p.crc = crcAccumulate(p.crc, b)
		p.payRead++
		if p.payRead >= p.length {
			if extra, ok := crcExtraFor(p.msgID); ok {
				p.crc = crcAccumulate(p.crc, extra)
			}
			p.state = stateChecksumLo
		}
		return false, false

	case stateChecksumLo:
		p.crcLo = b
		p.state = stateChecksumHi
		return false, false

	case stateChecksumHi:
		checksum := uint16(p.crcLo) | uint16(b)<<8
		ok := checksum == p.crc
		p.last = Message{
			Version:     p.version,
			Length:      p.length,
			Incompat:    p.incompat,
			Compat:      p.compat,
			Sequence:    p.seq,
			SystemID:    p.sysID,
			ComponentID: p.compID,
			MessageID:   p.msgID,
			Payload:     append([]byte(nil), p.payload...),
			Checksum:    checksum,
		}
		p.state = stateWaitMagic
		if !ok {
			return false, true
		}
		return true, false
	}

	p.state = stateWaitMagic
	return false, true
}

func (p *Parser) afterMsgID() state {
	if p.length == 0 {
		if extra, ok := crcExtraFor(p.msgID); ok {
			p.crc = crcAccumulate(p.crc, extra)
		}
		return stateChecksumLo
	}
	return statePayload
}

// Message returns the most recently completed frame. Valid only
// immediately after Feed returns complete=true.
func (p *Parser) Message() Message {
	return p.last
}

// Marshal re-serializes msg into its canonical wire form, used by the
// downlink pipeline to re-emit a parsed message onto the proxy port.
func Marshal(msg Message) []byte {
	var header []byte
	if msg.Version == V2 {
		header = []byte{magicV2, msg.Length, msg.Incompat, msg.Compat, msg.Sequence, msg.SystemID, msg.ComponentID}
		idBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(idBytes, msg.MessageID)
		header = append(header, idBytes[:3]...)
	} else {
		header = []byte{magicV1, msg.Length, msg.Sequence, msg.SystemID, msg.ComponentID, byte(msg.MessageID)}
	}

	buf := make([]byte, 0, len(header)+len(msg.Payload)+2)
	buf = append(buf, header...)
	buf = append(buf, msg.Payload...)
	buf = append(buf, byte(msg.Checksum&0xFF), byte(msg.Checksum>>8))
	return buf
}

// Checksum computes the wire checksum for msg's header and payload,
// mixing in the per-message crc_extra byte when msg.MessageID is in
// crcExtraTable. It does not read or write msg.Checksum; callers building
// an outbound Message for Marshal compute this first and assign it.
func Checksum(msg Message) uint16 {
	crc := uint16(0xFFFF)
	crc = crcAccumulate(crc, msg.Length)
	if msg.Version == V2 {
		crc = crcAccumulate(crc, msg.Incompat)
		crc = crcAccumulate(crc, msg.Compat)
	}
	crc = crcAccumulate(crc, msg.Sequence)
	crc = crcAccumulate(crc, msg.SystemID)
	crc = crcAccumulate(crc, msg.ComponentID)
	crc = crcAccumulate(crc, byte(msg.MessageID))
	if msg.Version == V2 {
		crc = crcAccumulate(crc, byte(msg.MessageID>>8))
		crc = crcAccumulate(crc, byte(msg.MessageID>>16))
	}
	for _, b := range msg.Payload {
		crc = crcAccumulate(crc, b)
	}
	if extra, ok := crcExtraFor(msg.MessageID); ok {
		crc = crcAccumulate(crc, extra)
	}
	return crc
}

// crcAccumulate is the MAVLink X.25 CRC step.
func crcAccumulate(crc uint16, b byte) uint16 {
	tmp := b ^ uint8(crc)
	tmp ^= tmp << 4
	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

// crcExtraFor looks up the per-message CRC-extra byte MAVLink v2 mixes
// into the checksum. The table below covers the common telemetry and
// command messages this bridge is expected to relay; an unlisted message
// ID is passed through without the extra byte, which only affects
// checksum validation strictness, not framing — length-based boundary
// detection above does not depend on it.
func crcExtraFor(id uint32) (uint8, bool) {
	extra, ok := crcExtraTable[id]
	return extra, ok
}

var crcExtraTable = map[uint32]uint8{
	0:  50,  // HEARTBEAT
	1:  124, // SYS_STATUS
	2:  137, // SYSTEM_TIME
	4:  237, // PING
	24: 24,  // GPS_RAW_INT
	30: 39,  // ATTITUDE
	33: 104, // GLOBAL_POSITION_INT
	65: 118, // RC_CHANNELS
	76: 152, // COMMAND_LONG
	77: 143, // COMMAND_ACK
	82: 49,  // SET_ATTITUDE_TARGET
	84: 143, // SET_POSITION_TARGET_LOCAL_NED
	87: 56,  // POSITION_TARGET_GLOBAL_INT
}

var crcTable = [256]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50a5, 0x60c6, 0x70e7,
	0x8108, 0x9129, 0xa14a, 0xb16b, 0xc18c, 0xd1ad, 0xe1ce, 0xf1ef,
	0x1231, 0x0210, 0x3273, 0x2252, 0x52b5, 0x4294, 0x72f7, 0x62d6,
	0x9339, 0x8318, 0xb37b, 0xa35a, 0xd3bd, 0xc39c, 0xf3ff, 0xe3de,
	0x2462, 0x3443, 0x0420, 0x1401, 0x64e6, 0x74c7, 0x44a4, 0x5485,
	0xa56a, 0xb54b, 0x8528, 0x9509, 0xe5ee, 0xf5cf, 0xc5ac, 0xd58d,
	0x3653, 0x2672, 0x1611, 0x0630, 0x76d7, 0x66f6, 0x5695, 0x46b4,
	0xb75b, 0xa77a, 0x9719, 0x8738, 0xf7df, 0xe7fe, 0xd79d, 0xc7bc,
	0x48c4, 0x58e5, 0x6886, 0x78a7, 0x0840, 0x1861, 0x2802, 0x3823,
	0xc9cc, 0xd9ed, 0xe98e, 0xf9af, 0x8948, 0x9969, 0xa90a, 0xb92b,
	0x5af5, 0x4ad4, 0x7ab7, 0x6a96, 0x1a71, 0x0a50, 0x3a33, 0x2a12,
	0xdbfd, 0xcbdc, 0xfbbf, 0xeb9e, 0x9b79, 0x8b58, 0xbb3b, 0xab1a,
	0x6ca6, 0x7c87, 0x4ce4, 0x5cc5, 0x2c22, 0x3c03, 0x0c60, 0x1c41,
	0xedae, 0xfd8f, 0xcdec, 0xddcd, 0xad2a, 0xbd0b, 0x8d68, 0x9d49,
	0x7e97, 0x6eb6, 0x5ed5, 0x4ef4, 0x3e13, 0x2e32, 0x1e51, 0x0e70,
	0xff9f, 0xefbe, 0xdfdd, 0xcffc, 0xbf1b, 0xaf3a, 0x9f59, 0x8f78,
	0x9188, 0x81a9, 0xb1ca, 0xa1eb, 0xd10c, 0xc12d, 0xf14e, 0xe16f,
	0x1080, 0x00a1, 0x30c2, 0x20e3, 0x5004, 0x4025, 0x7046, 0x6067,
	0x83b9, 0x9398, 0xa3fb, 0xb3da, 0xc33d, 0xd31c, 0xe37f, 0xf35e,
	0x02b1, 0x1290, 0x22f3, 0x32d2, 0x4235, 0x5214, 0x6277, 0x7256,
	0xb5ea, 0xa5cb, 0x95a8, 0x8589, 0xf56e, 0xe54f, 0xd52c, 0xc50d,
	0x34e2, 0x24c3, 0x14a0, 0x0481, 0x7466, 0x6447, 0x5424, 0x4405,
	0xa7db, 0xb7fa, 0x8799, 0x97b8, 0xe75f, 0xf77e, 0xc71d, 0xd73c,
	0x26d3, 0x36f2, 0x0691, 0x16b0, 0x6657, 0x7676, 0x4615, 0x5634,
	0xd94c, 0xc96d, 0xf90e, 0xe92f, 0x99c8, 0x89e9, 0xb98a, 0xa9ab,
	0x5844, 0x4865, 0x7806, 0x6827, 0x18c0, 0x08e1, 0x3882, 0x28a3,
	0xcb7d, 0xdb5c, 0xeb3f, 0xfb1e, 0x8bf9, 0x9bd8, 0xabbb, 0xbb9a,
	0x4a75, 0x5a54, 0x6a37, 0x7a16, 0x0af1, 0x1ad0, 0x2ab3, 0x3a92,
	0xfd2e, 0xed0f, 0xdd6c, 0xcd4d, 0xbdaa, 0xad8b, 0x9de8, 0x8dc9,
	0x7c26, 0x6c07, 0x5c64, 0x4c45, 0x3ca2, 0x2c83, 0x1ce0, 0x0cc1,
	0xef1f, 0xff3e, 0xcf5d, 0xdf7c, 0xaf9b, 0xbfba, 0x8fd9, 0x9ff8,
	0x6e17, 0x7e36, 0x4e55, 0x5e74, 0x2e93, 0x3eb2, 0x0ed1, 0x1ef0,
}
