// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "encoding/binary"

// Frames on every transport are a 4-byte big-endian payload length
// followed by the payload.

// frameHeaderSize is the length prefix size in bytes.
const frameHeaderSize = 4

// EncodeFrame prepends the length header to payload.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// frameAssembler incrementally extracts frames from a byte stream that
// may deliver partial or coalesced frames.
type frameAssembler struct {
	pending []byte
}

// add appends stream bytes and returns every complete payload now
// available, in order.
func (a *frameAssembler) add(data []byte) [][]byte {
	a.pending = append(a.pending, data...)

	var payloads [][]byte
	for {
		if len(a.pending) < frameHeaderSize {
			return payloads
		}
		length := int(binary.BigEndian.Uint32(a.pending))
		if len(a.pending) < frameHeaderSize+length {
			return payloads
		}
		payload := make([]byte, length)
		copy(payload, a.pending[frameHeaderSize:frameHeaderSize+length])
		payloads = append(payloads, payload)
		a.pending = a.pending[frameHeaderSize+length:]
	}
}

// reset drops any partial frame, for reuse across connections.
func (a *frameAssembler) reset() { a.pending = nil }
