// Package session implements the stateful test case: an ordered sequence of
// protocol messages replayed against the target in one execution.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Errors returned by session operations.
var (
	ErrInvalidRange = errors.New("invalid message range")
)

// Message is a single unit exchanged with the target. The payload is never
// modified after construction; mutators build new messages with WithData.
type Message struct {
	Tag  stategraph.Tag
	data []byte
}

// NewMessage creates a message holding a private copy of data.
func NewMessage(tag stategraph.Tag, data []byte) Message {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Message{Tag: tag, data: buf}
}

// Bytes returns the payload. The slice is shared and must not be modified.
func (m Message) Bytes() []byte {
	return m.data
}

// Len returns the payload length.
func (m Message) Len() int {
	return len(m.data)
}

// WithData returns a message with the same tag and a copy of data as payload.
func (m Message) WithData(data []byte) Message {
	return NewMessage(m.Tag, data)
}

// Equal reports whether both messages carry the same tag and payload.
func (m Message) Equal(o Message) bool {
	return m.Tag == o.Tag && bytes.Equal(m.data, o.data)
}

func (m Message) String() string {
	if m.Tag == stategraph.NoTag {
		return fmt.Sprintf("<%d bytes>", len(m.data))
	}
	return fmt.Sprintf("%s<%d bytes>", m.Tag, len(m.data))
}

// Input is one stateful test case. The message sequence is immutable; only the
// cached state trace changes after the input is stored in a corpus.
type Input struct {
	msgs  []Message
	trace atomic.Pointer[[]stategraph.StateID]
}

// New creates an input from msgs. The slice is copied; payloads are shared.
func New(msgs ...Message) *Input {
	in := &Input{msgs: make([]Message, len(msgs))}
	copy(in.msgs, msgs)
	return in
}

// Len returns the number of messages.
func (in *Input) Len() int {
	return len(in.msgs)
}

// At returns the i-th message.
func (in *Input) At(i int) Message {
	return in.msgs[i]
}

// Messages returns the messages in replay order. The returned slice is a copy.
func (in *Input) Messages() []Message {
	out := make([]Message, len(in.msgs))
	copy(out, in.msgs)
	return out
}

// Size returns the total payload size in bytes.
func (in *Input) Size() int {
	n := 0
	for _, m := range in.msgs {
		n += len(m.data)
	}
	return n
}

// Splice returns a new input where messages [start, end) are replaced by repl.
// The receiver is not modified. An empty range inserts; an empty repl deletes.
func (in *Input) Splice(start, end int, repl []Message) (*Input, error) {
	if start < 0 || end < start || end > len(in.msgs) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, start, end, len(in.msgs))
	}
	msgs := make([]Message, 0, len(in.msgs)-(end-start)+len(repl))
	msgs = append(msgs, in.msgs[:start]...)
	msgs = append(msgs, repl...)
	msgs = append(msgs, in.msgs[end:]...)
	return &Input{msgs: msgs}, nil
}

// Slice returns a copy of messages [start, end).
func (in *Input) Slice(start, end int) ([]Message, error) {
	if start < 0 || end < start || end > len(in.msgs) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, start, end, len(in.msgs))
	}
	out := make([]Message, end-start)
	copy(out, in.msgs[start:end])
	return out, nil
}

// Clone returns an input with the same messages and a copy of the cached trace.
func (in *Input) Clone() *Input {
	c := New(in.msgs...)
	if t := in.Trace(); t != nil {
		c.RecordTrace(t)
	}
	return c
}

// Equal reports whether both inputs hold the same message sequence.
func (in *Input) Equal(o *Input) bool {
	if len(in.msgs) != len(o.msgs) {
		return false
	}
	for i := range in.msgs {
		if !in.msgs[i].Equal(o.msgs[i]) {
			return false
		}
	}
	return true
}

// RecordTrace caches the states observed the last time this input ran.
// Concurrent writers race benignly: the last one wins.
func (in *Input) RecordTrace(observed []stategraph.StateID) {
	t := make([]stategraph.StateID, len(observed))
	copy(t, observed)
	in.trace.Store(&t)
}

// Trace returns the cached state trace, or nil if the input never ran.
func (in *Input) Trace() []stategraph.StateID {
	p := in.trace.Load()
	if p == nil {
		return nil
	}
	return *p
}

// StateBefore returns the state the session is in right before message i is
// sent, according to the cached trace. Position 0 is the entry point and, like
// positions the trace does not cover, reports false.
func (in *Input) StateBefore(i int) (stategraph.StateID, bool) {
	t := in.Trace()
	if i <= 0 || i-1 >= len(t) {
		return 0, false
	}
	return t[i-1], true
}

// Hash returns a stable hex name for the input derived from its encoding.
func (in *Input) Hash() string {
	h := fnv.New64a()
	_, _ = h.Write(Encode(in))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (in *Input) String() string {
	return fmt.Sprintf("Input{%d messages, %d bytes}", len(in.msgs), in.Size())
}
