// Package transfer holds the per-task download plan: segments, their status,
// the pending queue and the task state machine.
package transfer

import (
	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
)

// SegmentStatus is the fetch status of one segment.
type SegmentStatus string

const (
	SegmentPending  SegmentStatus = "Pending"
	SegmentInFlight SegmentStatus = "InFlight"
	SegmentDone     SegmentStatus = "Done"
	SegmentFailed   SegmentStatus = "Failed"
)

// Segment is one contiguous logical range of the plaintext. Its mutable fields
// are changed only through Plan methods.
type Segment struct {
	Index  int
	Offset int64
	Length int64
	Range  encryption.UnderlyingRange

	Status     SegmentStatus
	RetryCount int
	LastError  error

	// Buffer holds the fetched container bytes until the pipeline takes them.
	Buffer []byte

	// Reused marks a segment satisfied from the resume store; its bytes are
	// loaded from there instead of the network.
	Reused bool
}

// End returns the exclusive plaintext end offset.
func (s *Segment) End() int64 {
	return s.Offset + s.Length
}
