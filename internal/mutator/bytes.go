package mutator

import (
	"bytes"
	"encoding/binary"
)

// maxByteAttempts bounds the random byte-level mutations tried before a
// change is forced.
const maxByteAttempts = 8

// maxRun is the longest byte run duplicated in one step.
const maxRun = 16

// maxDelta bounds arithmetic mutations, as in AFL.
const maxDelta = 35

// byteOp derives a new payload from data. others are the payloads of the
// other messages of the same session. Implementations never modify data.
type byteOp func(m *Mutator, data []byte, others [][]byte) ([]byte, bool)

var byteOps = []byteOp{
	flipBit,
	setByte,
	insertByte,
	deleteByte,
	duplicateRun,
	arith,
	substituteToken,
	crossoverInsert,
	crossoverReplace,
}

// mutatePayload returns a payload that differs from data and is at most
// maxMsg bytes long.
func (m *Mutator) mutatePayload(data []byte, others [][]byte) []byte {
	for attempt := 0; attempt < maxByteAttempts; attempt++ {
		op := byteOps[m.rnd.IntN(len(byteOps))]
		out, ok := op(m, data, others)
		if !ok {
			continue
		}
		if len(out) > m.maxMsg {
			out = out[:m.maxMsg]
		}
		if !bytes.Equal(out, data) {
			return out
		}
	}
	return m.forceChange(data)
}

// forceChange flips one bit, or produces a single random byte for an empty
// payload.
func (m *Mutator) forceChange(data []byte) []byte {
	if len(data) == 0 {
		return []byte{byte(m.rnd.IntN(256))}
	}
	out := clone(data)
	if len(out) > m.maxMsg {
		out = out[:m.maxMsg]
	}
	out[m.rnd.IntN(len(out))] ^= 1 << m.rnd.IntN(8)
	return out
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func insertAt(data []byte, pos int, chunk []byte) []byte {
	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:pos]...)
	out = append(out, chunk...)
	return append(out, data[pos:]...)
}

func flipBit(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	out := clone(data)
	out[m.rnd.IntN(len(out))] ^= 1 << m.rnd.IntN(8)
	return out, true
}

func setByte(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	out := clone(data)
	out[m.rnd.IntN(len(out))] = byte(m.rnd.IntN(256))
	return out, true
}

func insertByte(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	if len(data) >= m.maxMsg {
		return nil, false
	}
	return insertAt(data, m.rnd.IntN(len(data)+1), []byte{byte(m.rnd.IntN(256))}), true
}

func deleteByte(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	pos := m.rnd.IntN(len(data))
	out := make([]byte, 0, len(data)-1)
	out = append(out, data[:pos]...)
	return append(out, data[pos+1:]...), true
}

func duplicateRun(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	if len(data) == 0 || len(data) >= m.maxMsg {
		return nil, false
	}
	start := m.rnd.IntN(len(data))
	n := 1 + m.rnd.IntN(min(len(data)-start, maxRun))
	run := clone(data[start : start+n])
	return insertAt(data, m.rnd.IntN(len(data)+1), run), true
}

func arith(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	widths := []int{1, 2, 4}
	width := widths[m.rnd.IntN(len(widths))]
	if len(data) < width {
		return nil, false
	}
	out := clone(data)
	pos := m.rnd.IntN(len(out) - width + 1)
	delta := uint32(1 + m.rnd.IntN(maxDelta))
	if m.rnd.IntN(2) == 0 {
		delta = -delta
	}

	var order binary.ByteOrder = binary.BigEndian
	if m.rnd.IntN(2) == 0 {
		order = binary.LittleEndian
	}
	window := out[pos : pos+width]
	switch width {
	case 1:
		window[0] += byte(delta)
	case 2:
		order.PutUint16(window, order.Uint16(window)+uint16(delta))
	case 4:
		order.PutUint32(window, order.Uint32(window)+delta)
	}
	return out, true
}

func substituteToken(m *Mutator, data []byte, _ [][]byte) ([]byte, bool) {
	if len(m.tokens) == 0 {
		return nil, false
	}
	tok := m.tokens[m.rnd.IntN(len(m.tokens))]
	if len(tok) == 0 {
		return nil, false
	}
	if len(data) >= len(tok) && m.rnd.IntN(2) == 0 {
		out := clone(data)
		copy(out[m.rnd.IntN(len(data)-len(tok)+1):], tok)
		return out, true
	}
	return insertAt(data, m.rnd.IntN(len(data)+1), tok), true
}

// pickOther returns a random non-empty payload from others.
func (m *Mutator) pickOther(others [][]byte) ([]byte, bool) {
	var nonEmpty [][]byte
	for _, o := range others {
		if len(o) > 0 {
			nonEmpty = append(nonEmpty, o)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, false
	}
	return nonEmpty[m.rnd.IntN(len(nonEmpty))], true
}

func crossoverInsert(m *Mutator, data []byte, others [][]byte) ([]byte, bool) {
	if len(data) >= m.maxMsg {
		return nil, false
	}
	other, ok := m.pickOther(others)
	if !ok {
		return nil, false
	}
	from := m.rnd.IntN(len(other))
	n := 1 + m.rnd.IntN(len(other)-from)
	return insertAt(data, m.rnd.IntN(len(data)+1), other[from:from+n]), true
}

func crossoverReplace(m *Mutator, data []byte, others [][]byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	other, ok := m.pickOther(others)
	if !ok {
		return nil, false
	}
	from := m.rnd.IntN(len(other))
	to := m.rnd.IntN(len(data))
	n := 1 + m.rnd.IntN(min(len(other)-from, len(data)-to))
	out := clone(data)
	copy(out[to:to+n], other[from:from+n])
	return out, true
}
