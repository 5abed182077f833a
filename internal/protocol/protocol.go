// Package protocol implements the wire protocol between sessfuzz and a remote
// execution agent, with optional HMAC authentication.
//
// The fuzzer sends EXEC requests carrying an encoded session; the agent
// replays it against the instrumented target and answers with TRACE (the raw
// state id buffer) or FAIL. Every request carries an id so that late replies
// to timed-out requests can be told apart.
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sessfuzz/sessfuzz/internal/session"
)

// Protocol constants.
const (
	// ProtocolVersion is the current protocol version.
	ProtocolVersion uint16 = 1

	// Message types.
	MsgHello    byte = 0x01 // Initiate connection
	MsgHelloAck byte = 0x02 // Accept connection
	MsgBye      byte = 0x05 // Graceful disconnect
	MsgExec     byte = 0x10 // Run a session
	MsgTrace    byte = 0x11 // States observed by an execution
	MsgFail     byte = 0x12 // Execution failed

	// Size constants.
	NonceSize        = 8  // 8-byte nonce for replay protection
	HMACSize         = 32 // HMAC-SHA256 output size
	ChallengeSize    = 16 // 16-byte challenge in HELLO
	ChallengeRespLen = 32 // HMAC response to challenge
	RequestIDSize    = 8

	MinHeaderSize       = 1 // Type only (insecure mode)
	SecureHeaderSize    = 1 + NonceSize
	HelloPayloadSize    = 2 + ChallengeSize
	HelloAckPayloadSize = 2 + ChallengeRespLen

	// MaxDatagram is the largest UDP payload the protocol produces.
	MaxDatagram = 65507
	// MaxFailMessage bounds the error text carried by FAIL.
	MaxFailMessage = 1024
)

// Errors returned by protocol functions.
var (
	ErrMessageTooShort = errors.New("message too short")
	ErrMessageTooLarge = errors.New("message too large for one datagram")
	ErrInvalidHMAC     = errors.New("invalid HMAC signature")
	ErrReplayDetected  = errors.New("replay attack detected: nonce not increasing")
	ErrUnknownMsgType  = errors.New("unknown message type")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Codec handles encoding and decoding of protocol messages with optional HMAC authentication.
type Codec struct {
	key       []byte // nil = insecure mode
	sendNonce atomic.Uint64
	recvNonce atomic.Uint64
}

// NewCodec creates a new protocol codec.
// If key is nil or empty, the codec operates in insecure mode (no HMAC, no nonces).
func NewCodec(key []byte) *Codec {
	return &Codec{key: key}
}

// IsSecure returns true if the codec is operating in secure mode.
func (c *Codec) IsSecure() bool {
	return len(c.key) > 0
}

// overhead is the framing added around a payload.
func (c *Codec) overhead() int {
	if c.IsSecure() {
		return SecureHeaderSize + HMACSize
	}
	return MinHeaderSize
}

func (c *Codec) computeHMAC(data []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(data)
	return h.Sum(nil)
}

// encode creates a wire-format message.
// Format (secure):   [Type(1)][Nonce(8)][Payload(var)][HMAC(32)]
// Format (insecure): [Type(1)][Payload(var)]
func (c *Codec) encode(msgType byte, payload []byte) []byte {
	if !c.IsSecure() {
		msg := make([]byte, 1+len(payload))
		msg[0] = msgType
		copy(msg[1:], payload)
		return msg
	}

	msg := make([]byte, SecureHeaderSize, SecureHeaderSize+len(payload)+HMACSize)
	msg[0] = msgType
	binary.BigEndian.PutUint64(msg[1:SecureHeaderSize], c.sendNonce.Add(1))
	msg = append(msg, payload...)
	return append(msg, c.computeHMAC(msg)...)
}

// decode verifies the envelope and returns type and payload. The payload
// aliases data.
func (c *Codec) decode(data []byte) (byte, []byte, error) {
	if len(data) < MinHeaderSize {
		return 0, nil, ErrMessageTooShort
	}
	if !c.IsSecure() {
		return data[0], data[1:], nil
	}

	if len(data) < SecureHeaderSize+HMACSize {
		return 0, nil, ErrMessageTooShort
	}
	msgType := data[0]
	nonce := binary.BigEndian.Uint64(data[1:SecureHeaderSize])
	end := len(data) - HMACSize
	if !hmac.Equal(c.computeHMAC(data[:end]), data[end:]) {
		return 0, nil, ErrInvalidHMAC
	}

	// HELLO/HELLO_ACK are exempt so peers can reconnect after a restart.
	if msgType != MsgHello && msgType != MsgHelloAck {
		if nonce > 0 && nonce <= c.recvNonce.Load() {
			return 0, nil, ErrReplayDetected
		}
		c.recvNonce.Store(nonce)
	}
	return msgType, data[SecureHeaderSize:end], nil
}

// EncodeHello encodes a HELLO message with a challenge for authentication.
func (c *Codec) EncodeHello() ([]byte, []byte, error) {
	payload := make([]byte, HelloPayloadSize)
	binary.BigEndian.PutUint16(payload[0:2], ProtocolVersion)

	challenge := payload[2:]
	if _, err := rand.Read(challenge); err != nil {
		return nil, nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return c.encode(MsgHello, payload), challenge, nil
}

// EncodeHelloAck encodes a HELLO_ACK message with challenge response.
// The response is HMAC-SHA256(key, challenge) if in secure mode, or zeros if insecure.
func (c *Codec) EncodeHelloAck(challenge []byte) []byte {
	payload := make([]byte, HelloAckPayloadSize)
	binary.BigEndian.PutUint16(payload[0:2], ProtocolVersion)
	if c.IsSecure() && len(challenge) == ChallengeSize {
		copy(payload[2:], c.computeHMAC(challenge))
	}
	return c.encode(MsgHelloAck, payload)
}

// EncodeBye encodes a BYE message for graceful disconnect.
func (c *Codec) EncodeBye() []byte {
	return c.encode(MsgBye, nil)
}

func withID(id uint64, size int) []byte {
	buf := make([]byte, RequestIDSize, RequestIDSize+size)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (c *Codec) checkSize(payload int) error {
	if n := payload + c.overhead(); n > MaxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	return nil
}

// EncodeExec encodes a request to run in.
func (c *Codec) EncodeExec(id uint64, in *session.Input) ([]byte, error) {
	size := RequestIDSize + session.EncodedSize(in)
	if err := c.checkSize(size); err != nil {
		return nil, err
	}
	payload := append(withID(id, size-RequestIDSize), session.Encode(in)...)
	return c.encode(MsgExec, payload), nil
}

// EncodeTrace encodes the raw state trace answering request id.
func (c *Codec) EncodeTrace(id uint64, trace []byte) ([]byte, error) {
	if err := c.checkSize(RequestIDSize + len(trace)); err != nil {
		return nil, err
	}
	return c.encode(MsgTrace, append(withID(id, len(trace)), trace...)), nil
}

// EncodeFail encodes a failed execution of request id. Long messages are
// cut to MaxFailMessage bytes.
func (c *Codec) EncodeFail(id uint64, reason string) []byte {
	if len(reason) > MaxFailMessage {
		reason = reason[:MaxFailMessage]
	}
	return c.encode(MsgFail, append(withID(id, len(reason)), reason...))
}

// Message represents a decoded protocol message.
type Message struct {
	Type      byte
	Version   uint16         // For MsgHello, MsgHelloAck
	Challenge []byte         // For MsgHello (16 bytes)
	Response  []byte         // For MsgHelloAck (32 bytes)
	ID        uint64         // For MsgExec, MsgTrace, MsgFail
	Input     *session.Input // For MsgExec
	Trace     []byte         // For MsgTrace
	Reason    string         // For MsgFail
}

// Decode parses a wire-format message into a structured Message. Byte
// fields alias data.
func (c *Codec) Decode(data []byte) (*Message, error) {
	msgType, payload, err := c.decode(data)
	if err != nil {
		return nil, err
	}
	msg := &Message{Type: msgType}

	switch msgType {
	case MsgHello, MsgHelloAck:
		want := HelloPayloadSize
		if msgType == MsgHelloAck {
			want = HelloAckPayloadSize
		}
		if len(payload) < want {
			return nil, fmt.Errorf("%w: %s payload too small", ErrInvalidPayload, MessageTypeName(msgType))
		}
		msg.Version = binary.BigEndian.Uint16(payload[0:2])
		if msg.Version != ProtocolVersion {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ProtocolVersion, msg.Version)
		}
		if msgType == MsgHello {
			msg.Challenge = payload[2:want]
		} else {
			msg.Response = payload[2:want]
		}

	case MsgExec, MsgTrace, MsgFail:
		if len(payload) < RequestIDSize {
			return nil, fmt.Errorf("%w: %s without request id", ErrInvalidPayload, MessageTypeName(msgType))
		}
		msg.ID = binary.BigEndian.Uint64(payload)
		body := payload[RequestIDSize:]
		switch msgType {
		case MsgExec:
			if msg.Input, err = session.Decode(body); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		case MsgTrace:
			msg.Trace = body
		case MsgFail:
			msg.Reason = string(body)
		}

	case MsgBye:
		// No payload expected

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMsgType, msgType)
	}
	return msg, nil
}

// VerifyChallengeResponse verifies the challenge response in a HELLO_ACK.
func (c *Codec) VerifyChallengeResponse(challenge, response []byte) bool {
	if !c.IsSecure() {
		return true
	}
	if len(challenge) != ChallengeSize || len(response) != ChallengeRespLen {
		return false
	}
	return hmac.Equal(c.computeHMAC(challenge), response)
}

// ResetRecvNonce resets the receive nonce counter (used when reconnecting).
func (c *Codec) ResetRecvNonce() {
	c.recvNonce.Store(0)
}

// MessageTypeName returns a human-readable name for a message type.
func MessageTypeName(t byte) string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgBye:
		return "BYE"
	case MsgExec:
		return "EXEC"
	case MsgTrace:
		return "TRACE"
	case MsgFail:
		return "FAIL"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", t)
	}
}
