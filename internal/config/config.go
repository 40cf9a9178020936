// Package config validates the single configuration record the bridge
// reads once at startup, built from a flat set of command-line flags
// rather than a YAML/env layering system.
package config

import (
	"errors"
	"fmt"

	"github.com/aetheris-systems/airbridge/internal/serialport"
)

// Protocol selects the flight-controller serial wire protocol.
type Protocol int

const (
	ProtocolMSPv1 Protocol = iota + 1
	ProtocolMSPv2
	ProtocolMAVLinkV1
	ProtocolMAVLinkV2
	ProtocolMAVLinkTransparent
)

func (p Protocol) String() string {
	switch p {
	case ProtocolMSPv1:
		return "MSPv1"
	case ProtocolMSPv2:
		return "MSPv2"
	case ProtocolMAVLinkV1:
		return "MAVLinkV1"
	case ProtocolMAVLinkV2:
		return "MAVLinkV2"
	case ProtocolMAVLinkTransparent:
		return "MAVLinkTransparent"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// MaxAdapters bounds the adapter list.
const MaxAdapters = 4

// DefaultBaud is the control-serial default baud rate.
const DefaultBaud = 115200

// DefaultChunkSize is the default transparent-mode frame payload length.
const DefaultChunkSize = 64

// BeaconPeriodMS is the fixed status-beacon cadence; not operator
// configurable.
const BeaconPeriodMS = 200

// Config is the validated, enumerated record the loop consumes; nothing
// downstream re-parses raw flags.
type Config struct {
	Adapters []string

	ControlSerialPath string
	RCSerialPath      string

	Mode string // radio mode selector, "m" = monitor (default)

	CommID uint8

	SerialProtocol Protocol
	ChunkSize      int
	UseSUMD        bool
	Baud           int

	FrameType     int // 1 = RTS, 2 = DATA
	BitrateMbps   int // 1..54
	Offset80211   bool

	LogLevel string
	LogFile  string
}

// Default returns a Config populated with every field's documented
// default, as if no flags were supplied.
func Default() Config {
	return Config{
		Mode:           "m",
		SerialProtocol: ProtocolMAVLinkTransparent,
		ChunkSize:      DefaultChunkSize,
		Baud:           DefaultBaud,
		FrameType:      2,
		BitrateMbps:    18,
		LogLevel:       "info",
	}
}

// Validate checks every field against the operator-configuration
// constraints, returning every violation joined together so an operator
// sees all of them at once rather than one-at-a-time.
func (c Config) Validate() error {
	var errs []error

	if len(c.Adapters) == 0 {
		errs = append(errs, errors.New("config: at least one adapter is required"))
	}
	if len(c.Adapters) > MaxAdapters {
		errs = append(errs, fmt.Errorf("config: at most %d adapters allowed, got %d", MaxAdapters, len(c.Adapters)))
	}
	if c.ControlSerialPath == "" {
		errs = append(errs, errors.New("config: control_serial_path is required"))
	}
	if c.UseSUMD && c.RCSerialPath == "" {
		errs = append(errs, errors.New("config: rc_serial_path is required when use_sumd is set"))
	}
	if err := serialport.ValidateBaud(c.Baud); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if c.SerialProtocol < ProtocolMSPv1 || c.SerialProtocol > ProtocolMAVLinkTransparent {
		errs = append(errs, fmt.Errorf("config: unknown serial_protocol %d", int(c.SerialProtocol)))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 1024 {
		errs = append(errs, fmt.Errorf("config: chunk_size %d out of range", c.ChunkSize))
	}
	if c.FrameType != 1 && c.FrameType != 2 {
		errs = append(errs, fmt.Errorf("config: frame_type must be 1 (RTS) or 2 (DATA), got %d", c.FrameType))
	}
	if c.BitrateMbps < 1 || c.BitrateMbps > 54 {
		errs = append(errs, fmt.Errorf("config: bitrate_option %d out of range 1..54", c.BitrateMbps))
	}

	return errors.Join(errs...)
}
