package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Each frame on the socket is a 4-byte big-endian length prefix followed by a
// UTF-8 JSON body. Length prefixing keeps body content from ever corrupting
// framing, no matter what the JSON contains.

// maxFrameLength bounds a single frame body. Bus messages are small
// notifications; anything larger is a protocol violation.
const maxFrameLength = 1 << 20

// frameHeaderLength is the fixed size of the length prefix.
const frameHeaderLength = 4

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameLength {
		return fmt.Errorf("frame body %d bytes exceeds maximum %d", len(body), maxFrameLength)
	}
	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. Returns an error if the
// stream is malformed or the body exceeds maxFrameLength.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return nil, fmt.Errorf("frame body %d bytes exceeds maximum %d", length, maxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
