package feedback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// ErrTraceFormat is returned when a raw instrumentation trace cannot be
// decoded with the configured state id width.
var ErrTraceFormat = errors.New("malformed state trace")

// DecodeTrace splits raw into big-endian state ids of width bytes. Widths up
// to 8 are taken verbatim; 16 and 32 byte ids are folded to 64 bits with
// FNV-1a. Format problems are reported as integration faults.
func DecodeTrace(raw []byte, width int) ([]stategraph.StateID, error) {
	if config.ValidateStateIDWidth(width) != nil {
		return nil, &config.Fault{
			Kind:  config.FaultIntegration,
			Field: "feedback.state_id_width",
			Err:   fmt.Errorf("%w: unsupported state id width %d", ErrTraceFormat, width),
		}
	}
	if len(raw)%width != 0 {
		return nil, &config.Fault{
			Kind:  config.FaultIntegration,
			Field: "trace",
			Err:   fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrTraceFormat, len(raw), width),
		}
	}

	trace := make([]stategraph.StateID, 0, len(raw)/width)
	for off := 0; off < len(raw); off += width {
		trace = append(trace, decodeID(raw[off:off+width]))
	}
	return trace, nil
}

func decodeID(b []byte) stategraph.StateID {
	switch len(b) {
	case 1:
		return stategraph.StateID(b[0])
	case 2:
		return stategraph.StateID(binary.BigEndian.Uint16(b))
	case 4:
		return stategraph.StateID(binary.BigEndian.Uint32(b))
	case 8:
		return stategraph.StateID(binary.BigEndian.Uint64(b))
	default:
		h := fnv.New64a()
		_, _ = h.Write(b)
		return stategraph.StateID(h.Sum64())
	}
}

// EncodeTrace is the inverse of DecodeTrace for widths up to 8. Targets
// written in Go use it to report their states.
func EncodeTrace(trace []stategraph.StateID, width int) ([]byte, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: cannot encode width %d", ErrTraceFormat, width)
	}
	buf := make([]byte, 0, len(trace)*width)
	for _, id := range trace {
		switch width {
		case 1:
			buf = append(buf, byte(id))
		case 2:
			buf = binary.BigEndian.AppendUint16(buf, uint16(id))
		case 4:
			buf = binary.BigEndian.AppendUint32(buf, uint32(id))
		case 8:
			buf = binary.BigEndian.AppendUint64(buf, uint64(id))
		}
	}
	return buf, nil
}
