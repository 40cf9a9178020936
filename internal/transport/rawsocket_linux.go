//go:build linux

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// proprietary link header: magic byte, logical port, 8-bit sequence,
// 16-bit little-endian payload length. The full raw-radio transport —
// driver-specific 802.11 injection details and the optional payload-offset
// mode — is intentionally kept to the minimum needed to exercise the
// bridge's port/sequence contract; it is treated as an external collaborator
// per the bridge's scope, not as the interesting engineering.
const (
	linkMagic      = 0xDB
	linkHeaderSize = 5
)

// rawSocket is the production Radio backed by an AF_PACKET socket bound to
// one network interface in monitor mode.
type rawSocket struct {
	name string
	fd   int
	addr unix.SockaddrLinklayer
}

// OpenRawSocket binds an AF_PACKET raw socket to ifaceName. mode is kept
// for parity with the operator-configuration "mode" field (default "m" for
// monitor); non-monitor modes are not supported by this bridge.
func OpenRawSocket(ifaceName string, mode string) (Radio, error) {
	iface, err := interfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("transport: interface %s: %w", ifaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind %s: %w", ifaceName, err)
	}

	return &rawSocket{name: ifaceName, fd: fd, addr: addr}, nil
}

func (r *rawSocket) Name() string { return r.name }

func (r *rawSocket) Receive() (ReceivedFrame, error) {
	buf := make([]byte, 65535)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return ReceivedFrame{}, fmt.Errorf("transport: recvfrom %s: %w", r.name, err)
	}
	if n == 0 {
		return ReceivedFrame{}, io.EOF
	}
	frame := buf[:n]

	rssi, radiotapLen, _ := ExtractRSSI(frame)
	body := frame
	if radiotapLen > 0 {
		if stripped, err := StripRadiotap(frame, radiotapLen); err == nil {
			body = stripped
		}
	}

	port, seq, payload, err := decodeLinkHeader(body)
	if err != nil {
		return ReceivedFrame{}, fmt.Errorf("transport: %s: %w", r.name, err)
	}

	return ReceivedFrame{
		Port:        port,
		Sequence:    seq,
		Payload:     payload,
		RSSI:        rssi,
		RadiotapLen: radiotapLen,
	}, nil
}

func (r *rawSocket) Send(port LogicalPort, sequence uint8, payload []byte, _ FramingOptions) error {
	frame := make([]byte, linkHeaderSize+len(payload))
	frame[0] = linkMagic
	frame[1] = byte(port)
	frame[2] = sequence
	binary.LittleEndian.PutUint16(frame[3:5], uint16(len(payload)))
	copy(frame[linkHeaderSize:], payload)

	if err := unix.Sendto(r.fd, frame, 0, &r.addr); err != nil {
		return fmt.Errorf("transport: sendto %s: %w", r.name, err)
	}
	return nil
}

func (r *rawSocket) Close() error {
	return unix.Close(r.fd)
}

func decodeLinkHeader(b []byte) (LogicalPort, uint8, []byte, error) {
	if len(b) < linkHeaderSize {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	if b[0] != linkMagic {
		return 0, 0, nil, fmt.Errorf("bad link magic 0x%02x", b[0])
	}
	port := LogicalPort(b[1])
	seq := b[2]
	length := int(binary.LittleEndian.Uint16(b[3:5]))
	if linkHeaderSize+length > len(b) {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	return port, seq, b[linkHeaderSize : linkHeaderSize+length], nil
}

func htons(i uint16) uint16 {
	return (i<<8)&0xff00 | (i>>8)&0x00ff
}

func interfaceByName(name string) (*net.Interface, error) {
	return net.InterfaceByName(name)
}
