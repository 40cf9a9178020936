// Package serialport opens and manages the flight-controller and RC serial
// lines with retry-forever open semantics and a byte/frame granularity
// contract.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/aetheris-systems/airbridge/internal/logging"
)

// AllowedBauds are the only baud rates the bridge accepts, per the
// operator-configuration table; 115200 is the default.
var AllowedBauds = []int{2400, 4800, 9600, 19200, 38400, 57600, 115200}

// Port is the narrow surface the bridge needs from an open serial line:
// byte-granularity reads and frame-granularity writes, 8N1 raw already
// configured by Open.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Open configures and opens path at baud, 8N1, no flow control, no
// canonical processing — the raw mode the bridge requires for both the
// flight-controller line and a dedicated SUMD RC line.
func Open(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}
	return port, nil
}

// OpenWithRetry retries Open with a one-second backoff forever, logging
// every failed attempt, per the bridge's "the flight controller may boot
// later than the companion" failure semantics. stop, if non-nil, is
// checked between attempts so shutdown during the retry loop is possible.
func OpenWithRetry(path string, baud int, stop <-chan struct{}) (Port, error) {
	attempt := 0
	for {
		port, err := Open(path, baud)
		if err == nil {
			return port, nil
		}
		attempt++
		logging.WithKind(kindSerialOpenFailure{}).
			WithField("path", path).
			WithField("attempt", attempt).
			Warnf("serial open failed, retrying in 1s: %v", err)

		select {
		case <-time.After(time.Second):
		case <-stop:
			return nil, fmt.Errorf("serialport: open %s: %w", path, err)
		}
	}
}

// kindSerialOpenFailure satisfies logging.WithKind's fmt.Stringer
// parameter without importing the bridge package's ErrorKind enum here,
// avoiding an import cycle between serialport and bridge.
type kindSerialOpenFailure struct{}

func (kindSerialOpenFailure) String() string { return "serial_open_failure" }

// ValidateBaud rejects any baud rate outside AllowedBauds rather than
// accepting arbitrary integers.
func ValidateBaud(baud int) error {
	for _, b := range AllowedBauds {
		if b == baud {
			return nil
		}
	}
	return fmt.Errorf("serialport: unsupported baud rate %d", baud)
}

// ListPorts enumerates USB serial devices; the bridge exposes it as a
// startup -list-ports diagnostic.
func ListPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate: %w", err)
	}
	var names []string
	for _, p := range ports {
		if p.IsUSB {
			names = append(names, p.Name)
		}
	}
	return names, nil
}
