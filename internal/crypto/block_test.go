package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlockNonce_Carry(t *testing.T) {
	base := make([]byte, NonceSize)
	base[0] = 0xff

	n := BlockNonce(base, 1)
	if n[0] != 0x00 || n[1] != 0x01 {
		t.Errorf("expected carry into byte 1, got % x", n[:4])
	}
	if base[0] != 0xff {
		t.Error("BlockNonce modified its input")
	}

	n = BlockNonce(make([]byte, NonceSize), 0x010203)
	if n[0] != 0x03 || n[1] != 0x02 || n[2] != 0x01 {
		t.Errorf("expected little-endian counter, got % x", n[:4])
	}

	full := bytes.Repeat([]byte{0xff}, NonceSize)
	if got := BlockNonce(full, 1); !bytes.Equal(got, make([]byte, NonceSize)) {
		t.Errorf("expected wrap to zero, got % x", got)
	}

	if got := BlockNonce(base, 0); !bytes.Equal(got, base) {
		t.Error("index 0 must return the base nonce")
	}
}

func TestParseHeader(t *testing.T) {
	nonce, _ := GenerateNonce()
	header, err := BuildHeader(nonce, 40)
	if err != nil {
		t.Fatalf("BuildHeader failed: %v", err)
	}

	got, err := ParseHeader(header)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if !bytes.Equal(got, nonce) {
		t.Error("ParseHeader returned a different nonce")
	}

	var headerErr *HeaderError
	if _, err := ParseHeader(header[:20]); !errors.As(err, &headerErr) {
		t.Errorf("short header: expected HeaderError, got %v", err)
	}

	bad := append([]byte(nil), header...)
	bad[0] = 'X'
	if _, err := ParseHeader(bad); !errors.As(err, &headerErr) {
		t.Errorf("bad magic: expected HeaderError, got %v", err)
	}
}

func TestBuildHeader_Invalid(t *testing.T) {
	if _, err := BuildHeader(make([]byte, 12), 32); err == nil {
		t.Error("expected error for short nonce")
	}
	if _, err := BuildHeader(make([]byte, NonceSize), 16); err == nil {
		t.Error("expected error for header smaller than magic+nonce")
	}
}

func TestNewBlockCipher_Invalid(t *testing.T) {
	key, _ := GenerateKey()
	nonce, _ := GenerateNonce()
	good := testFraming(64)

	if _, err := NewBlockCipher(key[:16], nonce, good); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewBlockCipher(key, nonce[:12], good); err == nil {
		t.Error("expected error for short nonce")
	}

	badTag := good
	badTag.BlockHeaderSize = 8
	if _, err := NewBlockCipher(key, nonce, badTag); err == nil {
		t.Error("expected error for block header size other than the tag size")
	}

	badHeader := good
	badHeader.FileHeaderSize = 16
	if _, err := NewBlockCipher(key, nonce, badHeader); err == nil {
		t.Error("expected error for small file header")
	}
}

// TestOpenBlock_Tampered verifies authentication failures surface as IntegrityError.
func TestOpenBlock_Tampered(t *testing.T) {
	key, _ := GenerateKey()
	nonce, _ := GenerateNonce()
	c, err := NewBlockCipher(key, nonce, testFraming(64))
	if err != nil {
		t.Fatalf("NewBlockCipher failed: %v", err)
	}

	block, err := c.SealBlock(5, []byte("hello framed world"))
	if err != nil {
		t.Fatalf("SealBlock failed: %v", err)
	}

	plain, err := c.OpenBlock(5, block)
	if err != nil || string(plain) != "hello framed world" {
		t.Fatalf("OpenBlock round trip failed: %q, %v", plain, err)
	}

	var integrityErr *IntegrityError
	if _, err := c.OpenBlock(6, block); !errors.As(err, &integrityErr) {
		t.Errorf("wrong block index: expected IntegrityError, got %v", err)
	}

	block[len(block)-1] ^= 0x01
	if _, err := c.OpenBlock(5, block); !errors.As(err, &integrityErr) {
		t.Errorf("tampered ciphertext: expected IntegrityError, got %v", err)
	}

	if _, err := c.OpenBlock(5, block[:TagSize]); !errors.As(err, &integrityErr) {
		t.Errorf("truncated block: expected IntegrityError, got %v", err)
	}
}

// TestDecryptRange_ShortData reports a length mismatch when blocks are missing.
func TestDecryptRange_ShortData(t *testing.T) {
	f := testFraming(64)
	key, _ := GenerateKey()
	nonce, _ := GenerateNonce()
	plain := bytes.Repeat([]byte{0x42}, 64*3)

	container, err := SealBytes(plain, key, nonce, f)
	if err != nil {
		t.Fatalf("SealBytes failed: %v", err)
	}
	c, _ := NewBlockCipher(key, nonce, f)

	r := Translate(0, 192, f)
	_, err = c.DecryptRange(container[r.Offset:r.Offset+2*f.BlockSize()], r, 192)

	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrityErr.Block != -1 {
		t.Errorf("length mismatch should not name a block, got %d", integrityErr.Block)
	}
}

func TestSealStream_Empty(t *testing.T) {
	f := testFraming(64)
	key, _ := GenerateKey()
	nonce, _ := GenerateNonce()

	var out bytes.Buffer
	n, err := SealStream(&out, bytes.NewReader(nil), key, nonce, f)
	if err != nil {
		t.Fatalf("SealStream failed: %v", err)
	}
	if n != f.FileHeaderSize || int64(out.Len()) != f.FileHeaderSize {
		t.Errorf("empty container should be header only, got %d bytes", n)
	}
}

func TestDecodeKey(t *testing.T) {
	key, _ := GenerateKey()
	got, err := DecodeKey(EncodeBase64(key))
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("DecodeKey round trip failed: %v", err)
	}
	if _, err := DecodeKey(EncodeBase64(key[:10])); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := DecodeKey("%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestRekey(t *testing.T) {
	oldKey, _ := GenerateKey()
	newKey, _ := GenerateKey()
	nonce, _ := GenerateNonce()
	c, err := NewBlockCipher(oldKey, nonce, testFraming(64))
	if err != nil {
		t.Fatalf("NewBlockCipher failed: %v", err)
	}
	sealer, _ := NewBlockCipher(newKey, nonce, testFraming(64))
	block, _ := sealer.SealBlock(0, []byte("rotated"))

	if _, err := c.OpenBlock(0, block); err == nil {
		t.Fatal("expected authentication failure under the old key")
	}
	if err := c.Rekey(newKey[:8]); err == nil {
		t.Error("expected error for short key")
	}
	if err := c.Rekey(newKey); err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	plain, err := c.OpenBlock(0, block)
	if err != nil || string(plain) != "rotated" {
		t.Fatalf("OpenBlock after rekey: %q, %v", plain, err)
	}
}
