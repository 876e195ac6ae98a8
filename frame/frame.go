// Package frame implements the wire framing used by framewire connections:
// a 4-byte big-endian length prefix followed by that many payload bytes.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the width of the length prefix in bytes.
const HeaderSize = 4

// DefaultMaxLength is used when a caller configures a max length of 0.
const DefaultMaxLength = 4 * 1024 * 1024

// ErrFrameTooLarge is returned by DecodeStream when a declared frame length
// exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame length exceeded native limit")

// Encode prepends the 4-byte big-endian length of payload and returns the
// framed bytes. The caller is trusted not to exceed the receiver's max
// frame length; Encode performs no bounds check.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// DecodeStream scans buf[offset:] for complete frames, returning the
// payloads found in wire order and the new offset to resume from. It stops
// as soon as fewer than HeaderSize bytes remain or the declared payload is
// not yet fully buffered, leaving those trailing bytes for the next call.
//
// maxLength bounds the accepted payload length; a declared length greater
// than maxLength is a fatal framing error (ErrFrameTooLarge) since the
// stream can no longer be resynchronized.
func DecodeStream(buf []byte, offset int, maxLength int) (frames [][]byte, newOffset int, err error) {
	for len(buf)-offset >= HeaderSize {
		n := binary.BigEndian.Uint32(buf[offset : offset+HeaderSize])
		if int64(n) > int64(maxLength) {
			return frames, offset, errors.Wrapf(ErrFrameTooLarge, "declared length %d exceeds max %d", n, maxLength)
		}

		if len(buf)-offset-HeaderSize < int(n) {
			// Incomplete frame; wait for more bytes.
			break
		}

		start := offset + HeaderSize
		end := start + int(n)
		payload := make([]byte, n)
		copy(payload, buf[start:end])
		frames = append(frames, payload)
		offset = end
	}

	return frames, offset, nil
}

// ShouldCompact reports whether the rx buffer should be compacted: once the
// consumed cursor passes the halfway point, retaining the whole buffer
// wastes memory proportional to however much has already been delivered.
func ShouldCompact(bufLen, offset int) bool {
	return offset > bufLen/2
}

// Compact returns a fresh buffer containing only the unconsumed tail
// buf[offset:], so the caller can reset its cursor to 0.
func Compact(buf []byte, offset int) []byte {
	tail := buf[offset:]
	out := make([]byte, len(tail))
	copy(out, tail)
	return out
}
