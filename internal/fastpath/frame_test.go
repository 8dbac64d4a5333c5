package fastpath

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeActionFramesSingle(t *testing.T) {
	tests := []struct {
		name        string
		payloadSize int
		wantFrames  int
	}{
		{"Empty payload", 0, 1},
		{"Small payload", 64, 1},
		{"Exactly at limit", MaxFramePayload, 1},
		{"One byte over limit", MaxFramePayload + 1, 2},
		{"Two windows and change", 2*MaxFramePayload + 100, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0x41}, tt.payloadSize)
			frames := EncodeActionFrames(7, "a1", payload)
			assert.Len(t, frames, tt.wantFrames)
		})
	}
}

func TestActionFrameRoundTrip(t *testing.T) {
	payload := []byte("A")
	frames := EncodeActionFrames(42, "a1", payload)
	require.Len(t, frames, 1)

	f, err := DecodeFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, byte(ProtocolVersion), f.Version)
	assert.Equal(t, FrameAction, f.Kind)
	assert.Equal(t, uint64(42), f.Seq)
	assert.Equal(t, "a1", f.ActionID)
	assert.Equal(t, payload, f.Payload)
}

func TestChunkedFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, MaxFramePayload+1)
	frames := EncodeActionFrames(9, "big-action", payload)
	require.Len(t, frames, 2)

	var reassembled []byte
	for i, raw := range frames {
		f, err := DecodeFrame(raw)
		require.NoError(t, err)
		assert.Equal(t, FrameChunk, f.Kind)
		assert.Equal(t, uint64(9), f.Seq, "all chunks share the envelope sequence")
		assert.Equal(t, "big-action", f.ActionID)
		assert.Equal(t, uint64(i), f.ChunkIndex)
		assert.Equal(t, uint64(2), f.ChunkTotal)
		reassembled = append(reassembled, f.Payload...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestChunkSizes(t *testing.T) {
	payload := bytes.Repeat([]byte{0x43}, MaxFramePayload+1)
	frames := EncodeActionFrames(1, "x", payload)
	require.Len(t, frames, 2)

	first, err := DecodeFrame(frames[0])
	require.NoError(t, err)
	second, err := DecodeFrame(frames[1])
	require.NoError(t, err)

	assert.Len(t, first.Payload, MaxFramePayload)
	assert.Len(t, second.Payload, 1)
}

func TestSentinelFrame(t *testing.T) {
	f, err := DecodeFrame(EncodeSentinel("__ready__"))
	require.NoError(t, err)
	assert.Equal(t, FrameSentinel, f.Kind)
	assert.Equal(t, []byte("__ready__"), f.Payload)
	assert.Empty(t, f.ActionID)
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Too short", []byte{0x11}},
		{"Wrong version", append([]byte{0x21}, EncodeSentinel("x")[1:]...)},
		{"Truncated body", EncodeSentinel("hello")[:4]},
		{"Unknown kind", []byte{0x1f, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.data)
			assert.Error(t, err)
		})
	}
}
