package bridge

import (
	"time"

	"github.com/aetheris-systems/airbridge/internal/hostmetrics"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

// Beacon is the wall-clock-driven status emitter: a 200ms link-status
// frame and a separate 1000ms RC-packet-rate sampler.
type Beacon struct {
	statusSeq TxSequence

	hostSampler *hostmetrics.Sampler
	uplink      *Uplink

	lastRSSI int8

	statusStart    time.Time
	rcWindowStart  time.Time
	rcPacketsTmp   uint8

	emit func(port transport.LogicalPort, seq uint8, payload []byte)
}

// NewBeacon wires the beacon to the uplink pipeline it samples the RC
// packet-rate counter from, and to an emit callback the loop fans out to
// every adapter on the status port.
func NewBeacon(uplink *Uplink, emit func(port transport.LogicalPort, seq uint8, payload []byte)) *Beacon {
	now := startTime()
	return &Beacon{
		hostSampler:   hostmetrics.New(),
		uplink:        uplink,
		statusStart:   now,
		rcWindowStart: now,
		emit:          emit,
	}
}

// ObserveRSSI stashes the RSSI of the most recently received RC-port frame
// (duplicates included) for inclusion in the next status frame.
func (b *Beacon) ObserveRSSI(rssi int8) {
	b.lastRSSI = rssi
}

// Tick is called once per loop pass, after I/O servicing, with the
// current wall-clock time. It runs two independent cadences — the RC
// packet-rate window and the status-frame period. It emits at most one
// status frame per call, and only when the status period has elapsed; the
// packet-rate window only refreshes the sample the next frame carries.
func (b *Beacon) Tick(now time.Time) {
	if now.Sub(b.rcWindowStart) >= rcWindowPeriod {
		b.rcPacketsTmp = b.uplink.TakeRCPacketCount()
		b.rcWindowStart = b.rcWindowStart.Add(rcWindowPeriod)
		if now.Sub(b.rcWindowStart) >= rcWindowPeriod {
			b.rcWindowStart = now
		}
	}

	if now.Sub(b.statusStart) >= beaconPeriod {
		b.emitStatus()
		b.statusStart = b.statusStart.Add(beaconPeriod)
		if now.Sub(b.statusStart) >= beaconPeriod {
			b.statusStart = now
		}
	}
}

func (b *Beacon) emitStatus() {
	reading := b.hostSampler.Sample()

	frame := RcStatusFrame{
		RSSIRCUAV:   b.lastRSSI,
		RecvPackSec: b.rcPacketsTmp,
		CPUUsageUAV: clampUint8(reading.CPUUsagePercent),
		CPUTempUAV:  clampUint8(reading.CPUTempCelsius),
		LowVoltage:  reading.LowVoltage,
	}

	seq := b.statusSeq.Advance()
	b.emit(transport.PortStatus, seq, frame.Encode())
}

func clampUint8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// startTime exists so tests can construct a Beacon without depending on
// wall-clock time at construction — production callers get time.Now.
var startTime = time.Now
