package encryption

// BlockNonce returns base + index as a little-endian counter over the whole
// nonce, carrying across bytes. base is not modified.
func BlockNonce(base []byte, index int64) []byte {
	n := make([]byte, len(base))
	copy(n, base)

	carry := uint64(index)
	for i := 0; i < len(n) && carry > 0; i++ {
		sum := uint64(n[i]) + (carry & 0xff)
		n[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	return n
}
