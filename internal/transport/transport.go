// Package transport runs sessions on a remote agent over UDP.
//
// The agent side listens, accepts one fuzzer at a time and serves EXEC
// requests with a local executor. The fuzzer side connects and implements
// engine.RawExecutor, so a remote target plugs into the engine behind a
// DecodingExecutor like any in-process one.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/protocol"
)

// Mode represents the transport operating mode.
type Mode int

const (
	// ModeListen binds to a port and waits for a fuzzer (agent side).
	ModeListen Mode = iota
	// ModeConnect actively connects to an agent (fuzzer side).
	ModeConnect
)

func (m Mode) String() string {
	switch m {
	case ModeListen:
		return "listen"
	case ModeConnect:
		return "connect"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Configuration constants.
const (
	// DefaultSocketBuffer is the UDP socket buffer size requested from the OS.
	DefaultSocketBuffer = 1 << 20
	// HandshakeTimeout is the timeout for one handshake attempt.
	HandshakeTimeout = 10 * time.Second
	// ReadTimeout bounds each blocking read so cancellation is noticed.
	ReadTimeout = 100 * time.Millisecond
	// DefaultReplyTimeout is how long the fuzzer waits for an execution result.
	DefaultReplyTimeout = 5 * time.Second
)

// Connect retries forever with backoff: 1s, 2s, 5s, 10s (then stays at 10s).
var connectBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Errors returned by transport operations.
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrChallengeInvalid = errors.New("challenge response invalid")
	ErrClosed           = errors.New("transport closed")
	ErrWrongMode        = errors.New("operation not valid in this mode")
	ErrPeerGone         = errors.New("peer disconnected")
	ErrReplyTimeout     = errors.New("no reply from agent")
	ErrRemote           = errors.New("remote execution failed")
	errReadTimeout      = errors.New("read timeout")
)

// Transport manages the UDP link between fuzzer and agent.
type Transport struct {
	conn         *net.UDPConn
	mode         Mode
	codec        *protocol.Codec
	logger       *logging.Logger
	replyTimeout time.Duration

	mu        sync.RWMutex
	peerAddr  *net.UDPAddr
	connected bool
	closed    bool

	// exchange serializes requests on the fuzzer side and reads on both.
	exchange sync.Mutex
	nextID   uint64
	readBuf  []byte
}

// Config holds transport configuration.
type Config struct {
	Mode Mode
	// LocalPort is the port to bind (listen mode) or the local port (connect
	// mode). 0 picks a free port.
	LocalPort uint16
	// PeerAddr is the agent address in "host:port" format (connect mode only).
	PeerAddr string
	Codec    *protocol.Codec
	// ReplyTimeout defaults to DefaultReplyTimeout.
	ReplyTimeout time.Duration
	Logger       *logging.Logger
}

// New creates a new transport with the given configuration.
func New(cfg Config) (*Transport, error) {
	if cfg.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if cfg.ReplyTimeout < 0 {
		return nil, errors.New("reply timeout must be >= 0")
	}
	t := &Transport{
		mode:         cfg.Mode,
		codec:        cfg.Codec,
		logger:       logging.OrDiscard(cfg.Logger).Named("transport"),
		replyTimeout: cfg.ReplyTimeout,
		readBuf:      make([]byte, protocol.MaxDatagram),
	}
	if t.replyTimeout == 0 {
		t.replyTimeout = DefaultReplyTimeout
	}

	var err error
	switch cfg.Mode {
	case ModeListen:
		err = t.bind(cfg.LocalPort)
		if err == nil {
			t.logger.Info("Listening on UDP %s", t.conn.LocalAddr())
		}
	case ModeConnect:
		if t.peerAddr, err = net.ResolveUDPAddr("udp", cfg.PeerAddr); err != nil {
			return nil, fmt.Errorf("failed to resolve agent address %q: %w", cfg.PeerAddr, err)
		}
		err = t.bind(cfg.LocalPort)
	default:
		return nil, fmt.Errorf("unknown mode: %d", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) bind(port uint16) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", port, err)
	}
	if err := conn.SetReadBuffer(DefaultSocketBuffer); err != nil {
		t.logger.Warn("Failed to set read buffer size: %v", err)
	}
	if err := conn.SetWriteBuffer(DefaultSocketBuffer); err != nil {
		t.logger.Warn("Failed to set write buffer size: %v", err)
	}
	t.conn = conn
	return nil
}

// read returns the next decodable message. It gives up with errReadTimeout
// at until (zero waits forever) and with ctx.Err() on cancellation. Callers
// must hold t.exchange.
func (t *Transport) read(ctx context.Context, until time.Time) (*protocol.Message, *net.UDPAddr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		deadline := time.Now().Add(ReadTimeout)
		if !until.IsZero() {
			if !time.Now().Before(until) {
				return nil, nil, errReadTimeout
			}
			if until.Before(deadline) {
				deadline = until
			}
		}
		_ = t.conn.SetReadDeadline(deadline)

		n, addr, err := t.conn.ReadFromUDP(t.readBuf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if t.isClosed() {
				return nil, nil, ErrClosed
			}
			return nil, nil, fmt.Errorf("read error: %w", err)
		}

		// Decoded fields alias the buffer.
		msg, err := t.codec.Decode(bytes.Clone(t.readBuf[:n]))
		if err != nil {
			if errors.Is(err, protocol.ErrMessageTooShort) && t.codec.IsSecure() {
				t.logger.Warn("Received unreadable message from %s (pre-shared key mismatch?)", addr)
			} else {
				t.logger.Debug("Received invalid message from %s: %v", addr, err)
			}
			continue
		}
		return msg, addr, nil
	}
}

func (t *Transport) send(data []byte, addr *net.UDPAddr) error {
	if t.isClosed() {
		return ErrClosed
	}
	_, err := t.conn.WriteToUDP(data, addr)
	return err
}

// WaitForPeer waits for a fuzzer to connect (listen mode). It returns once a
// valid HELLO was answered with HELLO_ACK.
func (t *Transport) WaitForPeer(ctx context.Context) error {
	if t.mode != ModeListen {
		return fmt.Errorf("%w: WaitForPeer needs listen mode", ErrWrongMode)
	}
	t.exchange.Lock()
	defer t.exchange.Unlock()

	t.logger.Info("Waiting for fuzzer connection...")
	for {
		msg, addr, err := t.read(ctx, time.Time{})
		if err != nil {
			return err
		}
		if msg.Type != protocol.MsgHello {
			// Tell a stale fuzzer to handshake again.
			_ = t.send(t.codec.EncodeBye(), addr)
			t.logger.Debug("Expected HELLO from %s, got %s, sent BYE", addr, protocol.MessageTypeName(msg.Type))
			continue
		}
		if err := t.accept(msg, addr); err != nil {
			return err
		}
		return nil
	}
}

// accept answers a HELLO and makes addr the peer.
func (t *Transport) accept(hello *protocol.Message, addr *net.UDPAddr) error {
	t.codec.ResetRecvNonce()
	if err := t.send(t.codec.EncodeHelloAck(hello.Challenge), addr); err != nil {
		return fmt.Errorf("failed to send HELLO_ACK: %w", err)
	}
	t.mu.Lock()
	t.peerAddr = addr
	t.connected = true
	t.mu.Unlock()
	t.logger.Info("Fuzzer connected: %s", addr)
	return nil
}

// Connect establishes a connection to the agent (connect mode), retrying
// with backoff until ctx is done.
func (t *Transport) Connect(ctx context.Context) error {
	if t.mode != ModeConnect {
		return fmt.Errorf("%w: Connect needs connect mode", ErrWrongMode)
	}
	for attempt := 0; ; attempt++ {
		err := t.attemptHandshake(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return err
		}

		delay := connectBackoff[min(attempt, len(connectBackoff)-1)]
		t.logger.Warn("Connection attempt %d failed: %v. Retrying in %v...", attempt+1, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (t *Transport) attemptHandshake(ctx context.Context) error {
	t.exchange.Lock()
	defer t.exchange.Unlock()

	hello, challenge, err := t.codec.EncodeHello()
	if err != nil {
		return fmt.Errorf("failed to encode HELLO: %w", err)
	}
	t.logger.Debug("Sending HELLO to %s", t.peerAddr)
	if err := t.send(hello, t.peerAddr); err != nil {
		return fmt.Errorf("failed to send HELLO: %w", err)
	}

	until := time.Now().Add(HandshakeTimeout)
	for {
		msg, addr, err := t.read(ctx, until)
		if errors.Is(err, errReadTimeout) {
			return fmt.Errorf("handshake timeout after %v", HandshakeTimeout)
		}
		if err != nil {
			return err
		}
		if !addrEqual(addr, t.peerAddr) {
			t.logger.Debug("Received packet from unexpected source %s", addr)
			continue
		}
		if msg.Type != protocol.MsgHelloAck {
			t.logger.Debug("Expected HELLO_ACK, got %s", protocol.MessageTypeName(msg.Type))
			continue
		}
		if !t.codec.VerifyChallengeResponse(challenge, msg.Response) {
			return ErrChallengeInvalid
		}

		t.codec.ResetRecvNonce()
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.logger.Info("Connected to agent %s", t.peerAddr)
		return nil
	}
}

// SendBye sends a graceful disconnect message.
func (t *Transport) SendBye() error {
	t.mu.RLock()
	if !t.connected || t.closed {
		t.mu.RUnlock()
		return nil
	}
	peer := t.peerAddr
	t.mu.RUnlock()
	return t.send(t.codec.EncodeBye(), peer)
}

// Close closes the transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	return t.conn.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Transport) disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// IsConnected returns true if the transport is connected to a peer.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// PeerAddr returns the peer's address.
func (t *Transport) PeerAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peerAddr
}

// LocalAddr returns the local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// addrEqual compares two UDP addresses.
func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
