package transfer

import (
	"fmt"
	"sync"

	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
)

// Plan is the segment layout of one task. All status changes go through its
// methods, which serialize on one mutex.
type Plan struct {
	mu sync.Mutex

	segments []*Segment

	TotalSize   int64
	SegmentSize int64
	Framing     encryption.Framing

	// EncryptedSize is the size of the whole remote object.
	EncryptedSize int64
	// EncryptedTotal is the sum of segment range lengths, the byte count
	// reported as download progress.
	EncryptedTotal int64
}

// NewPlan splits [0, totalSize) into segments of segmentSize bytes and maps
// each one to its container range. Ranges are clamped to the object size
// since the final block of a container is short.
func NewPlan(totalSize, segmentSize int64, f encryption.Framing) (*Plan, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("invalid total size %d", totalSize)
	}
	if segmentSize <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", segmentSize)
	}

	p := &Plan{
		TotalSize:     totalSize,
		SegmentSize:   segmentSize,
		Framing:       f,
		EncryptedSize: encryption.EncryptedSize(totalSize, f),
	}

	for offset, index := int64(0), 0; offset < totalSize; offset, index = offset+segmentSize, index+1 {
		length := segmentSize
		if offset+length > totalSize {
			length = totalSize - offset
		}

		r := encryption.Translate(offset, length, f)
		if end := r.End(); end > p.EncryptedSize {
			r.Length = p.EncryptedSize - r.Offset
		}

		p.segments = append(p.segments, &Segment{
			Index:  index,
			Offset: offset,
			Length: length,
			Range:  r,
			Status: SegmentPending,
		})
		p.EncryptedTotal += r.Length
	}
	return p, nil
}

// Len returns the number of segments.
func (p *Plan) Len() int {
	return len(p.segments)
}

// Segment returns segment i. Callers must not mutate it directly.
func (p *Plan) Segment(i int) *Segment {
	return p.segments[i]
}

// Snapshot returns a copy of segment i without its buffer.
func (p *Plan) Snapshot(i int) Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := *p.segments[i]
	s.Buffer = nil
	return s
}

// Status returns the status of segment i.
func (p *Plan) Status(i int) SegmentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.segments[i].Status
}

// MarkInFlight moves a pending or failed segment to InFlight.
func (p *Plan) MarkInFlight(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	if s.Status != SegmentPending && s.Status != SegmentFailed {
		return false
	}
	s.Status = SegmentInFlight
	return true
}

// MarkDone stores fetched bytes and marks the segment Done.
func (p *Plan) MarkDone(i int, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	s.Buffer = data
	s.Status = SegmentDone
	s.LastError = nil
}

// MarkReused marks a segment Done from the resume store.
func (p *Plan) MarkReused(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	s.Status = SegmentDone
	s.Reused = true
}

// MarkPending returns a segment to Pending, dropping any reuse flag.
func (p *Plan) MarkPending(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	s.Status = SegmentPending
	s.Reused = false
	s.Buffer = nil
}

// RecordRetry notes a failed attempt and returns the new retry count.
func (p *Plan) RecordRetry(i int, err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	s.RetryCount++
	s.LastError = err
	return s.RetryCount
}

// MarkFailed marks a segment Failed after its retry budget is spent.
func (p *Plan) MarkFailed(i int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	s.Status = SegmentFailed
	s.LastError = err
	s.Buffer = nil
}

// ResetForRetry clears the retry count of a failed segment and makes it Pending.
func (p *Plan) ResetForRetry(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	s.Status = SegmentPending
	s.RetryCount = 0
}

// TakeBuffer returns the segment's bytes and releases them from the plan.
func (p *Plan) TakeBuffer(i int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.segments[i]
	b := s.Buffer
	s.Buffer = nil
	return b
}

// Counts returns the number of segments in each status.
func (p *Plan) Counts() map[SegmentStatus]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[SegmentStatus]int, 4)
	for _, s := range p.segments {
		counts[s.Status]++
	}
	return counts
}

// Indices returns the indices of segments in the given status, ascending.
func (p *Plan) Indices(status SegmentStatus) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, s := range p.segments {
		if s.Status == status {
			out = append(out, s.Index)
		}
	}
	return out
}

// ReusedBytes returns the plaintext and container byte counts already
// satisfied by the resume store.
func (p *Plan) ReusedBytes() (plain, encrypted int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.segments {
		if s.Reused {
			plain += s.Length
			encrypted += s.Range.Length
		}
	}
	return plain, encrypted
}
