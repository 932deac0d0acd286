package encryption

import (
	"bytes"
	"fmt"
)

// HeaderError means the container header could not be used. It is fatal to
// the task.
type HeaderError struct {
	Reason string
}

func (e *HeaderError) Error() string {
	return "invalid container header: " + e.Reason
}

// ParseHeader validates the container header and returns a copy of its base
// nonce.
func ParseHeader(header []byte) ([]byte, error) {
	if len(header) < HeaderMinSize {
		return nil, &HeaderError{Reason: fmt.Sprintf("short read: got %d bytes, need %d", len(header), HeaderMinSize)}
	}
	if !bytes.Equal(header[:MagicSize], Magic[:]) {
		return nil, &HeaderError{Reason: fmt.Sprintf("magic mismatch: %q", header[:MagicSize])}
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, header[MagicSize:HeaderMinSize])
	return nonce, nil
}

// BuildHeader returns a header of fileHeaderSize bytes carrying nonce.
func BuildHeader(nonce []byte, fileHeaderSize int64) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(nonce))
	}
	if fileHeaderSize < HeaderMinSize {
		return nil, fmt.Errorf("file header size %d is smaller than %d", fileHeaderSize, HeaderMinSize)
	}
	header := make([]byte, fileHeaderSize)
	copy(header, Magic[:])
	copy(header[MagicSize:], nonce)
	return header, nil
}
