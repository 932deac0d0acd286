// Package encryption implements the framed container used for encrypted
// downloads: offset translation between plaintext and container bytes, header
// parsing, and per-block XChaCha20-Poly1305 sealing and opening.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize    // 256-bit data key
	NonceSize = chacha20poly1305.NonceSizeX // 192-bit base nonce stored in the header
	TagSize   = chacha20poly1305.Overhead   // Poly1305 tag stored in each block header
	MagicSize = 8

	// HeaderMinSize is magic + nonce. A container header may be larger; the
	// remaining bytes are reserved and ignored.
	HeaderMinSize = MagicSize + NonceSize
)

// Magic identifies a framed container.
var Magic = [MagicSize]byte{'R', 'S', 'F', 'R', 'A', 'M', 'E', '1'}

// GenerateKey generates a random 256-bit data key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce generates a random base nonce for a new container
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// EncodeBase64 encodes bytes to base64 string
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 string to bytes
func DecodeBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// DecodeKey decodes a base64 data key and checks its size.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := DecodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid data key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid data key size: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
