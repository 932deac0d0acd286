package encryption

// Mode is the container mode of a remote object.
type Mode string

const (
	ModePlain  Mode = "plain"
	ModeFramed Mode = "framed"
)

// Unbounded as a length means "through the end of the object".
const Unbounded int64 = -1

// Framing holds the container layout constants of one object.
type Framing struct {
	Mode            Mode
	BlockDataSize   int64
	BlockHeaderSize int64
	FileHeaderSize  int64
}

// Framed reports whether offsets must be translated. Plain mode, or any
// non-positive constant, maps offsets one to one.
func (f Framing) Framed() bool {
	return f.Mode == ModeFramed && f.BlockDataSize > 0 && f.BlockHeaderSize > 0 && f.FileHeaderSize > 0
}

// BlockSize is the on-wire size of one full block (header + data).
func (f Framing) BlockSize() int64 {
	return f.BlockHeaderSize + f.BlockDataSize
}

// UnderlyingRange is the container byte range covering a plaintext range.
type UnderlyingRange struct {
	Offset          int64
	Length          int64 // Unbounded when the plaintext range runs to EOF
	LeadingDiscard  int64 // plaintext bytes to drop from the first block
	FirstBlockIndex int64
}

// End returns the exclusive end offset, or Unbounded.
func (r UnderlyingRange) End() int64 {
	if r.Length < 0 {
		return Unbounded
	}
	return r.Offset + r.Length
}

// Translate maps the plaintext range [offset, offset+length) to the container
// range that must be fetched to decrypt it. A negative length is unbounded.
// A zero length covers no blocks.
func Translate(offset, length int64, f Framing) UnderlyingRange {
	if !f.Framed() {
		return UnderlyingRange{Offset: offset, Length: length}
	}

	first := offset / f.BlockDataSize
	r := UnderlyingRange{
		Offset:          f.FileHeaderSize + first*f.BlockSize(),
		LeadingDiscard:  offset % f.BlockDataSize,
		FirstBlockIndex: first,
	}

	switch {
	case length < 0:
		r.Length = Unbounded
	case length == 0:
		r.Length = 0
	default:
		blocks := (r.LeadingDiscard + length + f.BlockDataSize - 1) / f.BlockDataSize
		r.Length = blocks * f.BlockSize()
	}
	return r
}

// EncryptedSize returns the container size for a plaintext of plainSize bytes.
// The final block carries only the remaining data bytes.
func EncryptedSize(plainSize int64, f Framing) int64 {
	if !f.Framed() {
		return plainSize
	}
	full := plainSize / f.BlockDataSize
	size := f.FileHeaderSize + full*f.BlockSize()
	if rem := plainSize % f.BlockDataSize; rem > 0 {
		size += f.BlockHeaderSize + rem
	}
	return size
}
