// Package proximity implements the session oriented channel used to hand
// transaction payloads to a single nearby peer while the ledger is offline.
// The channel is lossy: transmission failures are reported as a false return,
// not an error, and connection loss drops the link back to the enabled state.
package proximity

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"go.uber.org/zap"
)

type State int

const (
	StateDisabled State = iota
	StateEnabling
	StateEnabled
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateConnected:
		return "connected"
	default:
		return "disabled"
	}
}

// DefaultSendTimeout bounds how long Send waits for the peer's acknowledgment.
const DefaultSendTimeout = 10 * time.Second

const inboundBufferSize = 64

type frameType string

const (
	framePayload frameType = "payload"
	frameAck     frameType = "ack"
)

// frame is the wire unit. Payload frames carry a transfer intent; ack frames
// confirm receipt of the payload with the matching nonce.
type frame struct {
	Type    frameType                `json:"type"`
	Payload *entities.OfflinePayload `json:"payload,omitempty"`
	Nonce   uint32                   `json:"nonce,omitempty"`
}

type Config struct {
	// ListenAddr is the local endpoint peers dial. Empty means the proximity
	// capability is absent on this device.
	ListenAddr  string
	SendTimeout time.Duration
}

type Link struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	listener net.Listener
	conn     net.Conn

	sendMu sync.Mutex // serializes sends and lets Disable wait for in-flight ones

	inbound      chan entities.OfflinePayload
	acks         chan uint32
	disconnected chan struct{}
}

func NewLink(cfg Config, logger *zap.SugaredLogger) *Link {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Link{
		cfg:          cfg,
		logger:       logger,
		inbound:      make(chan entities.OfflinePayload, inboundBufferSize),
		acks:         make(chan uint32, inboundBufferSize),
		disconnected: make(chan struct{}, 1),
	}
}

// Enable acquires the proximity capability and starts accepting peer
// sessions. It returns false, never an error, when the capability is absent
// or cannot be acquired: that is an expected environment condition, not an
// application failure.
func (l *Link) Enable() bool {
	l.mu.Lock()
	switch l.state {
	case StateEnabled, StateConnected:
		l.mu.Unlock()
		return true
	case StateEnabling:
		// a concurrent Enable is still acquiring the capability
		l.mu.Unlock()
		return false
	}
	if l.cfg.ListenAddr == "" {
		l.mu.Unlock()
		l.logger.Infow("proximity capability absent, transport stays disabled")
		return false
	}
	l.state = StateEnabling
	l.mu.Unlock()

	listener, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		l.logger.Warnw("enabling proximity transport failed", "error", err)
		l.mu.Lock()
		l.state = StateDisabled
		l.mu.Unlock()
		return false
	}

	l.mu.Lock()
	l.listener = listener
	l.state = StateEnabled
	l.mu.Unlock()

	go l.acceptLoop(listener)
	l.logger.Infow("proximity transport enabled", "addr", listener.Addr().String())
	return true
}

// Disable tears down any active session and releases the capability. It is
// idempotent. An in-flight Send resolves before teardown completes.
func (l *Link) Disable() {
	l.sendMu.Lock() // wait for any in-flight send to resolve
	defer l.sendMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	if l.listener != nil {
		_ = l.listener.Close()
		l.listener = nil
	}
	l.state = StateDisabled
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether a peer session is currently attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateConnected
}

// Addr returns the listen address, or empty while not enabled.
func (l *Link) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Connect dials a peer and moves the link to the connected state. Valid only
// while enabled.
func (l *Link) Connect(ctx context.Context, addr string) error {
	l.mu.Lock()
	if l.state != StateEnabled {
		state := l.state
		l.mu.Unlock()
		if state == StateDisabled || state == StateEnabling {
			return entities.ErrTransportUnavailable
		}
		return nil // already connected
	}
	l.mu.Unlock()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	l.attach(conn)
	return nil
}

// Receive returns the stream of inbound payloads. Delivery is asynchronous
// relative to the peer's send; the reconciler drains this channel.
func (l *Link) Receive() <-chan entities.OfflinePayload {
	return l.inbound
}

// Disconnected signals connection loss. Notifications are coalesced.
func (l *Link) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Send transmits one payload and waits for the peer's acknowledgment. It is
// valid only while connected and returns false on any transmission failure,
// including missing the send timeout. It never blocks past that timeout.
func (l *Link) Send(ctx context.Context, payload entities.OfflinePayload) bool {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()
	if state != StateConnected || conn == nil {
		return false
	}

	deadline := time.Now().Add(l.cfg.SendTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	data, err := json.Marshal(frame{Type: framePayload, Payload: &payload, Nonce: payload.Nonce})
	if err != nil {
		l.logger.Errorw("marshalling payload frame", "error", err)
		return false
	}
	data = append(data, '\n')

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return false
	}
	if _, err := conn.Write(data); err != nil {
		l.logger.Warnw("writing payload frame failed", "nonce", payload.Nonce, "error", err)
		return false
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case nonce := <-l.acks:
			if nonce == payload.Nonce {
				return true
			}
			// stale ack from an earlier timed out send, keep waiting
		case <-timer.C:
			l.logger.Warnw("payload not acknowledged in time", "nonce", payload.Nonce)
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (l *Link) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return // listener closed by Disable
		}
		l.attach(conn)
	}
}

// attach installs the session. A second session while one is active replaces
// it; the link talks to a single peer at a time.
func (l *Link) attach(conn net.Conn) {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = conn
	l.state = StateConnected
	l.mu.Unlock()

	l.logger.Infow("peer session established", "peer", conn.RemoteAddr().String())
	go l.readLoop(conn)
}

func (l *Link) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			l.logger.Warnw("discarding malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case framePayload:
			if f.Payload == nil {
				continue
			}
			select {
			case l.inbound <- *f.Payload:
			default:
				l.logger.Warnw("inbound buffer full, dropping payload", "nonce", f.Nonce)
				continue
			}
			l.writeAck(conn, f.Nonce)
		case frameAck:
			select {
			case l.acks <- f.Nonce:
			default:
			}
		}
	}
	l.detach(conn)
}

func (l *Link) writeAck(conn net.Conn, nonce uint32) {
	data, err := json.Marshal(frame{Type: frameAck, Nonce: nonce})
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.SendTimeout))
	if _, err := conn.Write(data); err != nil {
		l.logger.Warnw("writing ack failed", "nonce", nonce, "error", err)
	}
}

// detach handles connection loss: back to enabled, surface the disconnect.
// In-flight Send callers resolve through their timeout with a false return.
func (l *Link) detach(conn net.Conn) {
	_ = conn.Close()

	l.mu.Lock()
	if l.conn != conn { // replaced or already disabled
		l.mu.Unlock()
		return
	}
	l.conn = nil
	if l.state == StateConnected {
		l.state = StateEnabled
	}
	l.mu.Unlock()

	l.logger.Infow("peer session lost")
	select {
	case l.disconnected <- struct{}{}:
	default:
	}
}
