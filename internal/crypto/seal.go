package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// SealStream writes a complete framed container for the plaintext read from r.
// It returns the number of container bytes written.
func SealStream(w io.Writer, r io.Reader, key, nonce []byte, f Framing) (int64, error) {
	c, err := NewBlockCipher(key, nonce, f)
	if err != nil {
		return 0, err
	}

	header, err := BuildHeader(nonce, f.FileHeaderSize)
	if err != nil {
		return 0, err
	}
	written, err := writeAll(w, header)
	if err != nil {
		return written, err
	}

	buf := make([]byte, f.BlockDataSize)
	for index := int64(0); ; index++ {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			block, err := c.SealBlock(index, buf[:n])
			if err != nil {
				return written, err
			}
			m, err := writeAll(w, block)
			written += m
			if err != nil {
				return written, err
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("failed to read plaintext: %w", readErr)
		}
	}
}

// SealBytes is SealStream over an in-memory plaintext.
func SealBytes(plain, key, nonce []byte, f Framing) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, EncryptedSize(int64(len(plain)), f)))
	if _, err := SealStream(out, bytes.NewReader(plain), key, nonce, f); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeAll(w io.Writer, p []byte) (int64, error) {
	n, err := w.Write(p)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write container: %w", err)
	}
	return int64(n), nil
}
