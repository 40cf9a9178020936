// Package bridge implements the air-side multiplexing engine: the event
// loop, the diversity-reception duplicate suppressor, the per-protocol
// serial downlink pipeline, the Ground→FC uplink pipeline, and the
// link-status beacon. It is the single subject of this repository — every
// other package exists to be called through a narrow interface from here.
package bridge

import (
	"context"
	"time"

	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/serialport"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

// Loop is the single-threaded cooperative event loop. Exactly one
// goroutine — the one running Run — ever touches Uplink, Downlink, or
// Beacon state; adapter and serial reader goroutines only ever forward
// bytes/frames onto channels this loop drains.
type Loop struct {
	adapters []*AdapterEndpoint

	rcFrames      chan AdapterFrame
	controlFrames chan AdapterFrame
	serialBytes   chan byte
	serialErrs    chan error

	controlSerial serialport.Port

	uplink   *Uplink
	downlink *Downlink
	beacon   *Beacon
}

// New assembles a Loop from already-opened endpoints and pipelines. The
// caller (cmd/airbridge) is responsible for opening adapters and serial
// endpoints, with whatever retry/fatal handling each demands, before
// calling New.
func New(adapters []*AdapterEndpoint, controlSerial serialport.Port, uplink *Uplink, downlink *Downlink, beacon *Beacon) *Loop {
	return &Loop{
		adapters:      adapters,
		rcFrames:      make(chan AdapterFrame, 256),
		controlFrames: make(chan AdapterFrame, 256),
		serialBytes:   make(chan byte, 4096),
		serialErrs:    make(chan error, 8),
		controlSerial: controlSerial,
		uplink:        uplink,
		downlink:      downlink,
		beacon:        beacon,
	}
}

// AddAdapter registers an already-constructed AdapterEndpoint with the
// loop, for ownership (Close on shutdown) and FanOut targeting. Adapter
// construction must use RCChannel/ControlChannel to feed this same loop's
// fan-in channels before calling AddAdapter, since NewAdapterEndpoint
// starts its reader goroutine immediately.
func (l *Loop) AddAdapter(a *AdapterEndpoint) { l.adapters = append(l.adapters, a) }

// RCChannel exposes the shared RC-frame fan-in channel so adapter
// construction can wire NewAdapterEndpoint directly to this loop.
func (l *Loop) RCChannel() chan<- AdapterFrame { return l.rcFrames }

// ControlChannel exposes the shared control-frame fan-in channel.
func (l *Loop) ControlChannel() chan<- AdapterFrame { return l.controlFrames }

// Run blocks until ctx is canceled, servicing readiness and the beacon
// tick. On cancellation it returns after the in-flight pass completes and
// closes every adapter and the control serial endpoint: in-flight writes
// complete, no partial state needs unwinding.
func (l *Loop) Run(ctx context.Context) error {
	go l.readSerial()

	ticker := time.NewTicker(beaconPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()

		case err := <-l.serialErrs:
			logging.WithKind(ErrSerialOpenFailure).Warnf("control serial read: %v", err)

		case <-ticker.C:
			l.servicePass()

		case af := <-l.rcFrames:
			l.uplink.ProcessRC(af.Frame)
			l.beacon.ObserveRSSI(af.Frame.RSSI)
			l.servicePass()

		case af := <-l.controlFrames:
			l.uplink.ProcessControl(af.Frame)
			l.servicePass()

		case b := <-l.serialBytes:
			if !l.downlink.FeedByte(b) {
				l.drainSerialBytesOnly()
			}
			l.servicePass()
		}
	}
}

// servicePass drains every currently pending readiness source in
// priority order — RC uplinks, then control uplinks, then serial
// downlink — and then unconditionally runs the beacon tick.
func (l *Loop) servicePass() {
	l.drainRemaining()
	l.beacon.Tick(time.Now())
}

// drainRemaining empties whatever is currently buffered on each channel,
// in priority order, without blocking — a readiness pass services at most
// one batch of ready descriptors and never waits mid-pass for more to
// arrive.
func (l *Loop) drainRemaining() {
	for {
		select {
		case af := <-l.rcFrames:
			l.uplink.ProcessRC(af.Frame)
			l.beacon.ObserveRSSI(af.Frame.RSSI)
			continue
		default:
		}
		break
	}

	for {
		select {
		case af := <-l.controlFrames:
			l.uplink.ProcessControl(af.Frame)
			continue
		default:
		}
		break
	}

	for {
		select {
		case b := <-l.serialBytes:
			if !l.downlink.FeedByte(b) {
				// Parser desync: discard the rest of this pass's buffered
				// bytes, resuming fresh next pass.
				l.drainSerialBytesOnly()
			}
			continue
		default:
		}
		break
	}
}

func (l *Loop) drainSerialBytesOnly() {
	for {
		select {
		case <-l.serialBytes:
			continue
		default:
			return
		}
	}
}

// readSerial feeds the shared serial byte channel, one byte at a time,
// matching the control serial's one-byte read granularity. Read errors
// are reported once and the goroutine exits; recovering from a lost
// flight controller connection requires a fresh Loop, with an external
// process-level watchdog owning the restart.
func (l *Loop) readSerial() {
	buf := make([]byte, 1)
	for {
		n, err := l.controlSerial.Read(buf)
		if err != nil {
			select {
			case l.serialErrs <- err:
			default:
			}
			return
		}
		if n == 0 {
			continue
		}
		l.serialBytes <- buf[0]
	}
}

func (l *Loop) shutdown() {
	for _, a := range l.adapters {
		if err := a.Close(); err != nil {
			logging.Log.Warnf("closing adapter %s: %v", a.Name, err)
		}
	}
	if err := l.controlSerial.Close(); err != nil {
		logging.Log.Warnf("closing control serial: %v", err)
	}
}

// Adapters exposes FanOut targets for the downlink/beacon emit callbacks
// constructed by cmd/airbridge.
func (l *Loop) Adapters() []*AdapterEndpoint { return l.adapters }

// FanOut sends payload on port/seq to every adapter's transport, logging
// (not aborting) on a per-adapter send failure so one bad adapter never
// stops delivery to the others.
func FanOut(adapters []*AdapterEndpoint, port transport.LogicalPort, seq uint8, payload []byte) {
	for _, a := range adapters {
		if err := a.Radio.Send(port, seq, payload, a.Opts); err != nil {
			logging.WithKind(ErrRadioReadFailure).Warnf("adapter %s send on port %s: %v", a.Name, port, err)
		}
	}
}
