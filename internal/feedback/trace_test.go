package feedback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

func TestDecodeTrace_Widths(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		width int
		want  []stategraph.StateID
	}{
		{"u8", []byte{1, 2, 0xff}, 1, []stategraph.StateID{1, 2, 255}},
		{"u16", []byte{0, 1, 0x12, 0x34}, 2, []stategraph.StateID{1, 0x1234}},
		{"u32", []byte{0, 0, 0, 7, 0xde, 0xad, 0xbe, 0xef}, 4, []stategraph.StateID{7, 0xdeadbeef}},
		{"u64", []byte{0, 0, 0, 0, 0, 0, 1, 0}, 8, []stategraph.StateID{256}},
		{"empty", nil, 4, []stategraph.StateID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTrace(tt.raw, tt.width)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTrace_WideIDsAreFolded(t *testing.T) {
	a := make([]byte, 16)
	b := make([]byte, 16)
	b[15] = 1

	got, err := DecodeTrace(append(append([]byte{}, a...), append(b, a...)...), 16)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, got[0], got[2])
	assert.NotEqual(t, got[0], got[1])

	wide, err := DecodeTrace(make([]byte, 64), 32)
	require.NoError(t, err)
	assert.Len(t, wide, 2)
}

func TestDecodeTrace_Errors(t *testing.T) {
	for _, tc := range []struct {
		raw   []byte
		width int
	}{
		{[]byte{1, 2, 3}, 2},
		{[]byte{1, 2, 3}, 3},
		{nil, 0},
		{[]byte{1}, 64},
	} {
		_, err := DecodeTrace(tc.raw, tc.width)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTraceFormat), "width %d: %v", tc.width, err)
		assert.True(t, config.IsIntegration(err), "width %d: %v", tc.width, err)
	}
}

func TestEncodeTrace_RoundTrip(t *testing.T) {
	trace := []stategraph.StateID{0, 1, 200}
	for _, width := range []int{1, 2, 4, 8} {
		raw, err := EncodeTrace(trace, width)
		require.NoError(t, err)
		assert.Len(t, raw, len(trace)*width)

		got, err := DecodeTrace(raw, width)
		require.NoError(t, err)
		assert.Equal(t, trace, got)
	}

	_, err := EncodeTrace(trace, 16)
	assert.ErrorIs(t, err, ErrTraceFormat)
}

func FuzzDecodeTrace(f *testing.F) {
	f.Add([]byte{1, 2, 3, 4}, 2)
	f.Add([]byte{}, 8)
	f.Fuzz(func(t *testing.T, raw []byte, width int) {
		trace, err := DecodeTrace(raw, width)
		if err != nil {
			return
		}
		if len(trace)*width != len(raw) {
			t.Errorf("decoded %d ids of width %d from %d bytes", len(trace), width, len(raw))
		}
	})
}
