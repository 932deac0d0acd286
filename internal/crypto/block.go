package encryption

import (
	"crypto/cipher"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// IntegrityError reports an authentication failure or a plaintext length that
// does not match the plan. It is never retried as a network error.
type IntegrityError struct {
	Block  int64 // -1 when not tied to a block
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Block >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("integrity error in block %d: %s: %v", e.Block, e.Reason, e.Err)
		}
		return fmt.Sprintf("integrity error in block %d: %s", e.Block, e.Reason)
	}
	return "integrity error: " + e.Reason
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// BlockCipher seals and opens individual container blocks. A block on the wire
// is the Poly1305 tag followed by the ciphertext. It is safe for concurrent use.
type BlockCipher struct {
	mu      sync.RWMutex
	aead    cipher.AEAD
	nonce   []byte
	framing Framing
}

// NewBlockCipher creates a cipher for one container. The key and nonce are
// copied.
func NewBlockCipher(key, baseNonce []byte, f Framing) (*BlockCipher, error) {
	if len(baseNonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(baseNonce))
	}
	if err := ValidateFraming(f); err != nil {
		return nil, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonceCopy := make([]byte, NonceSize)
	copy(nonceCopy, baseNonce)

	return &BlockCipher{aead: aead, nonce: nonceCopy, framing: f}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}
	keyCopy := make([]byte, KeySize)
	copy(keyCopy, key)
	aead, err := chacha20poly1305.NewX(keyCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// Rekey replaces the key for blocks opened or sealed after it returns. The
// base nonce is unchanged.
func (c *BlockCipher) Rekey(key []byte) error {
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.aead = aead
	c.mu.Unlock()
	return nil
}

func (c *BlockCipher) current() cipher.AEAD {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aead
}

// ValidateFraming checks that f can be served by this cipher.
func ValidateFraming(f Framing) error {
	if !f.Framed() {
		return fmt.Errorf("framing constants must all be positive in framed mode")
	}
	if f.BlockHeaderSize != TagSize {
		return fmt.Errorf("block header size must be %d, got %d", TagSize, f.BlockHeaderSize)
	}
	if f.FileHeaderSize < HeaderMinSize {
		return fmt.Errorf("file header size must be at least %d, got %d", HeaderMinSize, f.FileHeaderSize)
	}
	return nil
}

// OpenBlock authenticates and decrypts one wire block.
func (c *BlockCipher) OpenBlock(index int64, block []byte) ([]byte, error) {
	hs := int(c.framing.BlockHeaderSize)
	if len(block) <= hs {
		return nil, &IntegrityError{Block: index, Reason: fmt.Sprintf("truncated block of %d bytes", len(block))}
	}

	sealed := make([]byte, 0, len(block))
	sealed = append(sealed, block[hs:]...)
	sealed = append(sealed, block[:hs]...)

	plain, err := c.current().Open(sealed[:0], BlockNonce(c.nonce, index), sealed, nil)
	if err != nil {
		return nil, &IntegrityError{Block: index, Reason: "authentication failed", Err: err}
	}
	return plain, nil
}

// SealBlock encrypts one block of at most BlockDataSize bytes into wire form.
func (c *BlockCipher) SealBlock(index int64, plain []byte) ([]byte, error) {
	if int64(len(plain)) > c.framing.BlockDataSize {
		return nil, fmt.Errorf("block %d: %d bytes exceeds block data size %d", index, len(plain), c.framing.BlockDataSize)
	}
	sealed := c.current().Seal(nil, BlockNonce(c.nonce, index), plain, nil)

	ctLen := len(sealed) - TagSize
	block := make([]byte, 0, len(sealed))
	block = append(block, sealed[ctLen:]...)
	block = append(block, sealed[:ctLen]...)
	return block, nil
}

// DecryptRange decrypts the container bytes of r and returns exactly length
// plaintext bytes, after dropping r.LeadingDiscard from the first block.
func (c *BlockCipher) DecryptRange(data []byte, r UnderlyingRange, length int64) ([]byte, error) {
	bs := c.framing.BlockSize()
	blocks := (int64(len(data)) + bs - 1) / bs
	out := make([]byte, 0, int64(len(data))-blocks*c.framing.BlockHeaderSize)

	for i := int64(0); i < blocks; i++ {
		start := i * bs
		end := start + bs
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		plain, err := c.OpenBlock(r.FirstBlockIndex+i, data[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}

	need := r.LeadingDiscard + length
	if int64(len(out)) < need {
		return nil, &IntegrityError{
			Block:  -1,
			Reason: fmt.Sprintf("produced %d plaintext bytes, expected %d", int64(len(out))-r.LeadingDiscard, length),
		}
	}
	return out[r.LeadingDiscard:need], nil
}
