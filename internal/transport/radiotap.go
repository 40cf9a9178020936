package transport

import (
	"encoding/binary"
	"fmt"
)

// radiotap present-flag bit positions for the fields this bridge cares
// about. Only a handful of fields are walked — just enough to reach
// dBm Antenna Signal, the one field the uplink pipeline needs.
const (
	bitTSFT            = 0
	bitFlags           = 1
	bitRate            = 2
	bitChannel         = 3
	bitFHSS            = 4
	bitDBMAntennaSignal = 5
	bitDBMAntennaNoise  = 6
	bitLockQuality      = 7
	bitTXAttenuation    = 8
	bitDBTXAttenuation  = 9
	bitDBMTXPower       = 10
	bitAntenna          = 11
	bitDBAntennaSignal  = 12
	bitDBAntennaNoise   = 13
	bitRXFlags          = 14
	bitExtPresent       = 31
)

// radiotapField describes a fixed-size, fixed-alignment field in the
// order the kernel's radiotap writer emits them, for the subset of fields
// that can precede dBm Antenna Signal in practice.
type radiotapField struct {
	bit   uint
	size  int
	align int
}

var radiotapFieldOrder = []radiotapField{
	{bitTSFT, 8, 8},
	{bitFlags, 1, 1},
	{bitRate, 1, 1},
	{bitChannel, 4, 2},
	{bitFHSS, 2, 2},
	{bitDBMAntennaSignal, 1, 1},
	{bitDBMAntennaNoise, 1, 1},
	{bitLockQuality, 2, 2},
	{bitTXAttenuation, 2, 2},
	{bitDBTXAttenuation, 2, 2},
	{bitDBMTXPower, 1, 1},
	{bitAntenna, 1, 1},
	{bitDBAntennaSignal, 1, 1},
	{bitDBAntennaNoise, 1, 1},
	{bitRXFlags, 2, 2},
}

const radiotapHeaderMin = 8

// ExtractRSSI walks a radiotap header (as prefixed to a captured 802.11
// frame in monitor mode) looking for the DBM_ANTSIGNAL field. Per the
// bridge's failure semantics, a malformed or absent field yields RSSI 0
// and never returns an error that would drop the frame's payload — callers
// that want to know it was malformed check the bool.
func ExtractRSSI(frame []byte) (rssi int8, radiotapLen int, ok bool) {
	if len(frame) < radiotapHeaderMin {
		return 0, 0, false
	}
	// byte 0: version, byte 1: pad, bytes 2-3: length (LE), bytes 4-7:
	// present flags (LE), possibly extended by further 4-byte words.
	length := int(binary.LittleEndian.Uint16(frame[2:4]))
	if length < radiotapHeaderMin || length > len(frame) {
		return 0, 0, false
	}

	present := binary.LittleEndian.Uint32(frame[4:8])
	cursor := 8
	for present&(1<<bitExtPresent) != 0 {
		if cursor+4 > length {
			return 0, length, false
		}
		present = binary.LittleEndian.Uint32(frame[cursor : cursor+4])
		cursor += 4
	}

	present = binary.LittleEndian.Uint32(frame[4:8])
	for _, f := range radiotapFieldOrder {
		if present&(1<<f.bit) == 0 {
			continue
		}
		if f.align > 1 {
			if rem := cursor % f.align; rem != 0 {
				cursor += f.align - rem
			}
		}
		if cursor+f.size > length {
			return 0, length, false
		}
		if f.bit == bitDBMAntennaSignal {
			return int8(frame[cursor]), length, true
		}
		cursor += f.size
	}

	return 0, length, false
}

// StripRadiotap returns the 802.11 payload following the radiotap header,
// given the header length ExtractRSSI already computed.
func StripRadiotap(frame []byte, radiotapLen int) ([]byte, error) {
	if radiotapLen <= 0 || radiotapLen > len(frame) {
		return nil, fmt.Errorf("radiotap: invalid header length %d for frame of %d bytes", radiotapLen, len(frame))
	}
	return frame[radiotapLen:], nil
}
