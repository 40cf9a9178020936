// Package fake provides an in-memory transport.Radio for driving the
// bridge's event loop from test scenarios without real hardware, matching
// the shape of transport.Radio so it is a drop-in substitute.
package fake

import (
	"fmt"
	"io"
	"sync"

	"github.com/aetheris-systems/airbridge/internal/transport"
)

// Radio is a test double: Inject feeds it frames as if they had arrived
// over the air; Sent records every frame the bridge transmitted.
type Radio struct {
	name string

	mu     sync.Mutex
	inbox  []transport.ReceivedFrame
	cond   *sync.Cond
	closed bool

	sentMu sync.Mutex
	Sent   []SentFrame
}

// SentFrame captures one outbound Send call for assertions.
type SentFrame struct {
	Port     transport.LogicalPort
	Sequence uint8
	Payload  []byte
}

// New creates a named fake radio.
func New(name string) *Radio {
	r := &Radio{name: name}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Radio) Name() string { return r.name }

// Inject enqueues a frame to be returned by the next Receive call,
// simulating an over-the-air arrival (including duplicate deliveries from
// diversity reception).
func (r *Radio) Inject(f transport.ReceivedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = append(r.inbox, f)
	r.cond.Signal()
}

func (r *Radio) Receive() (transport.ReceivedFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.inbox) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.inbox) == 0 {
		return transport.ReceivedFrame{}, fmt.Errorf("fake radio %s: %w", r.name, io.EOF)
	}
	f := r.inbox[0]
	r.inbox = r.inbox[1:]
	return f, nil
}

func (r *Radio) Send(port transport.LogicalPort, sequence uint8, payload []byte, _ transport.FramingOptions) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.sentMu.Lock()
	r.Sent = append(r.Sent, SentFrame{Port: port, Sequence: sequence, Payload: cp})
	r.sentMu.Unlock()
	return nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}

// SentOn returns every frame sent on the given logical port, in order.
func (r *Radio) SentOn(port transport.LogicalPort) []SentFrame {
	r.sentMu.Lock()
	defer r.sentMu.Unlock()
	var out []SentFrame
	for _, f := range r.Sent {
		if f.Port == port {
			out = append(out, f)
		}
	}
	return out
}
