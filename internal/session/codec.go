package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Encoding constants.
//
// Wire format:
//
//	[Count(4)] { [TagLen(2)][Tag(var)][PayloadLen(4)][Payload(var)] } * Count
//
// All integers are big-endian.
const (
	CountSize      = 4
	TagLenSize     = 2
	PayloadLenSize = 4

	// MaxMessages bounds the message count accepted by Decode.
	MaxMessages = 1 << 16
	// MaxTagLen is the longest tag that can be encoded.
	MaxTagLen = 1<<16 - 1
)

// Errors returned by Decode.
var (
	ErrTruncated       = errors.New("encoded input truncated")
	ErrTrailingBytes   = errors.New("trailing bytes after encoded input")
	ErrTooManyMessages = errors.New("too many messages")
)

// EncodedSize returns the number of bytes Encode produces for in.
func EncodedSize(in *Input) int {
	n := CountSize
	for _, m := range in.msgs {
		n += TagLenSize + len(m.Tag) + PayloadLenSize + len(m.data)
	}
	return n
}

// Encode serializes in. Tags longer than MaxTagLen are truncated.
func Encode(in *Input) []byte {
	buf := make([]byte, 0, EncodedSize(in))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(in.msgs)))
	for _, m := range in.msgs {
		tag := string(m.Tag)
		if len(tag) > MaxTagLen {
			tag = tag[:MaxTagLen]
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(tag)))
		buf = append(buf, tag...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.data)))
		buf = append(buf, m.data...)
	}
	return buf
}

// Decode parses data produced by Encode. The returned input owns copies of the
// payloads and has no cached trace.
func Decode(data []byte) (*Input, error) {
	if len(data) < CountSize {
		return nil, fmt.Errorf("%w: missing message count", ErrTruncated)
	}
	count := binary.BigEndian.Uint32(data[:CountSize])
	if count > MaxMessages {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyMessages, count, MaxMessages)
	}

	msgs := make([]Message, 0, count)
	off := CountSize
	for i := uint32(0); i < count; i++ {
		if len(data)-off < TagLenSize {
			return nil, fmt.Errorf("%w: message %d tag length", ErrTruncated, i)
		}
		tagLen := int(binary.BigEndian.Uint16(data[off:]))
		off += TagLenSize
		if len(data)-off < tagLen {
			return nil, fmt.Errorf("%w: message %d tag", ErrTruncated, i)
		}
		tag := stategraph.Tag(data[off : off+tagLen])
		off += tagLen

		if len(data)-off < PayloadLenSize {
			return nil, fmt.Errorf("%w: message %d payload length", ErrTruncated, i)
		}
		payloadLen := binary.BigEndian.Uint32(data[off:])
		off += PayloadLenSize
		if uint64(len(data)-off) < uint64(payloadLen) {
			return nil, fmt.Errorf("%w: message %d payload", ErrTruncated, i)
		}
		msgs = append(msgs, NewMessage(tag, data[off:off+int(payloadLen)]))
		off += int(payloadLen)
	}

	if off != len(data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(data)-off)
	}
	return &Input{msgs: msgs}, nil
}
