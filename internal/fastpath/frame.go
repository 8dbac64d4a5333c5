// Package fastpath owns the manager-side WebRTC peer for each session:
// three named data channels, the readiness handshake, and the binary
// wire protocol carried on mgr-actions.
package fastpath

import (
	"encoding/binary"
	"fmt"
)

// Wire format on mgr-actions: a 1-byte header encoding version (high 4
// bits) and frame kind (low 4 bits), a uvarint sequence, a uvarint body
// length, then the body. Action bodies open with the ack-correlation id
// (uvarint length + bytes) followed by the opaque action payload; chunk
// bodies additionally carry their index and total before the slice.
const (
	ProtocolVersion = 1

	// MaxFramePayload is the largest action payload carried in a single
	// frame. Larger payloads are split into chunk frames; the split is
	// decided on the action payload size, so a payload of exactly this
	// size still travels as one frame.
	MaxFramePayload = 14336
)

// FrameKind is the low nibble of the header byte.
type FrameKind byte

const (
	FrameSentinel FrameKind = 0x0
	FrameAction   FrameKind = 0x1
	FrameChunk    FrameKind = 0x2
)

// Frame is one decoded wire frame.
type Frame struct {
	Version  byte
	Kind     FrameKind
	Seq      uint64
	ActionID string
	Payload  []byte

	// Chunk header, present only for FrameChunk.
	ChunkIndex uint64
	ChunkTotal uint64
}

func encodeRaw(kind FrameKind, seq uint64, body []byte) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(body))
	buf = append(buf, byte(ProtocolVersion<<4)|byte(kind&0x0f))
	buf = binary.AppendUvarint(buf, seq)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// EncodeActionFrames serializes one action, splitting into chunk frames
// when the payload exceeds MaxFramePayload. Every frame of a chunked
// envelope carries the same sequence and action id.
func EncodeActionFrames(seq uint64, actionID string, payload []byte) [][]byte {
	if len(payload) <= MaxFramePayload {
		body := appendString(nil, actionID)
		body = append(body, payload...)
		return [][]byte{encodeRaw(FrameAction, seq, body)}
	}

	total := uint64((len(payload) + MaxFramePayload - 1) / MaxFramePayload)
	frames := make([][]byte, 0, total)
	for i := uint64(0); i < total; i++ {
		lo := int(i) * MaxFramePayload
		hi := lo + MaxFramePayload
		if hi > len(payload) {
			hi = len(payload)
		}
		body := appendString(nil, actionID)
		body = binary.AppendUvarint(body, i)
		body = binary.AppendUvarint(body, total)
		body = append(body, payload[lo:hi]...)
		frames = append(frames, encodeRaw(FrameChunk, seq, body))
	}
	return frames
}

// EncodeSentinel serializes the plaintext readiness sentinel. Sentinel
// frames carry no action id.
func EncodeSentinel(text string) []byte {
	return encodeRaw(FrameSentinel, 0, []byte(text))
}

// DecodeFrame parses one wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < 3 {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	f := Frame{
		Version: data[0] >> 4,
		Kind:    FrameKind(data[0] & 0x0f),
	}
	if f.Version != ProtocolVersion {
		return Frame{}, fmt.Errorf("unsupported frame version %d", f.Version)
	}

	rest := data[1:]
	seq, n := binary.Uvarint(rest)
	if n <= 0 {
		return Frame{}, fmt.Errorf("malformed sequence varint")
	}
	rest = rest[n:]
	f.Seq = seq

	length, n := binary.Uvarint(rest)
	if n <= 0 {
		return Frame{}, fmt.Errorf("malformed length varint")
	}
	rest = rest[n:]
	if uint64(len(rest)) != length {
		return Frame{}, fmt.Errorf("body length mismatch: header %d, actual %d", length, len(rest))
	}

	switch f.Kind {
	case FrameSentinel:
		f.Payload = rest
		return f, nil
	case FrameAction, FrameChunk:
		idLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < idLen {
			return Frame{}, fmt.Errorf("malformed action id")
		}
		rest = rest[n:]
		f.ActionID = string(rest[:idLen])
		rest = rest[idLen:]
	default:
		return Frame{}, fmt.Errorf("unknown frame kind %d", f.Kind)
	}

	if f.Kind == FrameChunk {
		idx, n := binary.Uvarint(rest)
		if n <= 0 {
			return Frame{}, fmt.Errorf("malformed chunk index")
		}
		rest = rest[n:]
		total, n := binary.Uvarint(rest)
		if n <= 0 {
			return Frame{}, fmt.Errorf("malformed chunk total")
		}
		rest = rest[n:]
		f.ChunkIndex, f.ChunkTotal = idx, total
	}

	f.Payload = rest
	return f, nil
}
