// Package monitor is a read-only observability side-channel for the
// bridge's status beacon: a tiny HTTP ingest endpoint the bridge process
// posts status frames to, and a websocket hub that fans each one out to
// connected ground-side viewers, gated by internal/monitorauth. It is
// never on the bridge's hot loop: pushes are fire-and-forget from
// cmd/airbridge.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/monitorauth"
)

// StatusSample is one status-beacon emission, decoded from the wire
// payload for human-readable display.
type StatusSample struct {
	Timestamp   time.Time `json:"timestamp"`
	Sequence    uint8     `json:"sequence"`
	RSSI        int8      `json:"rssi_rc_uav"`
	RecvPackSec uint8     `json:"recv_pack_sec"`
	CPUUsage    uint8     `json:"cpu_usage_uav"`
	CPUTemp     uint8     `json:"cpu_temp_uav"`
	LowVoltage  bool      `json:"uav_is_low_v"`
}

// DecodeStatusSample parses a raw 6-byte status-frame payload into a
// StatusSample.
func DecodeStatusSample(seq uint8, payload []byte) (StatusSample, error) {
	if len(payload) < 6 {
		return StatusSample{}, fmt.Errorf("monitor: status payload too short: %d bytes", len(payload))
	}
	return StatusSample{
		Timestamp:   time.Now(),
		Sequence:    seq,
		RSSI:        int8(payload[0]),
		RecvPackSec: payload[1],
		CPUUsage:    payload[2],
		CPUTemp:     payload[3],
		LowVoltage:  payload[4] != 0,
	}, nil
}

// Hub broadcasts StatusSamples to every connected websocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	broadcast chan StatusSample
	upgrader  websocket.Upgrader

	secret string
}

type client struct {
	conn *websocket.Conn
	send chan StatusSample
}

// NewHub creates a Hub whose websocket endpoint requires a bearer token
// signed with secret (internal/monitorauth). An empty secret disables the
// check — only acceptable when the monitor binds to loopback only.
func NewHub(secret string) *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan StatusSample, 64),
		secret:    secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish enqueues a sample for broadcast, dropping the oldest buffered
// sample if the broadcast channel is full rather than blocking the
// caller.
func (h *Hub) Publish(s StatusSample) {
	select {
	case h.broadcast <- s:
	default:
		select {
		case <-h.broadcast:
		default:
		}
		h.broadcast <- s
	}
}

// Run fans out published samples to every connected client until ctx is
// canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case s := <-h.broadcast:
			h.send(s)
		}
	}
}

func (h *Hub) send(s StatusSample) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- s:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		close(c.send)
		delete(h.clients, c)
	}
}

// HandleWS upgrades the connection and streams StatusSamples to it, after
// checking the bearer token in the "Authorization: Bearer <token>" header.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		if err := checkBearer(r, h.secret); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("monitor: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan StatusSample, 32)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.conn.Close()
	}()
	for s := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(s); err != nil {
			return
		}
	}
}

func checkBearer(r *http.Request, secret string) error {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return fmt.Errorf("missing bearer token")
	}
	return monitorauth.Validate(auth[len(prefix):], secret)
}

// IngestClient is the fire-and-forget HTTP client cmd/airbridge uses to
// mirror status frames to a running airbridge-monitor's ingest endpoint.
// It never blocks the event loop: PushAsync spawns a short-lived goroutine
// per sample with a bounded timeout and drops the sample on any error.
type IngestClient struct {
	url    string
	client *http.Client
}

// NewIngestClient builds a client posting to url (e.g.
// "http://127.0.0.1:8095/ingest").
func NewIngestClient(url string) *IngestClient {
	return &IngestClient{url: url, client: &http.Client{Timeout: 500 * time.Millisecond}}
}

// PushAsync posts one status-frame payload without blocking the caller.
func (c *IngestClient) PushAsync(seq uint8, payload []byte) {
	go func() {
		sample, err := DecodeStatusSample(seq, payload)
		if err != nil {
			return
		}
		body, err := json.Marshal(sample)
		if err != nil {
			return
		}
		resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}

// IngestHandler returns an http.HandlerFunc that decodes posted
// StatusSamples and republishes them to hub; airbridge-monitor mounts this
// on a loopback-only listener separate from the public websocket port.
func IngestHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var s StatusSample
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.Publish(s)
		w.WriteHeader(http.StatusAccepted)
	}
}
