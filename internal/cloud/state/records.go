package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// SegmentRecord is one persisted segment. Only records whose Signature
// matches the live descriptor may be reused.
type SegmentRecord struct {
	CacheKey  string    `json:"cacheKey"`
	Index     int       `json:"index"`
	Signature string    `json:"signature"`
	Length    int64     `json:"length"`
	Timestamp time.Time `json:"timestamp"`

	Bytes []byte `json:"-"`
}

// Segment values are laid out as a 4-byte big-endian metadata length, the JSON
// metadata, then the raw container bytes.
const segmentMetaLenSize = 4

func encodeSegment(rec SegmentRecord, data []byte) ([]byte, error) {
	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal segment metadata: %w", err)
	}
	value := make([]byte, segmentMetaLenSize+len(meta)+len(data))
	binary.BigEndian.PutUint32(value, uint32(len(meta)))
	copy(value[segmentMetaLenSize:], meta)
	copy(value[segmentMetaLenSize+len(meta):], data)
	return value, nil
}

func decodeSegment(value []byte, withData bool) (SegmentRecord, []byte, error) {
	if len(value) < segmentMetaLenSize {
		return SegmentRecord{}, nil, fmt.Errorf("segment record too short")
	}
	metaLen := int(binary.BigEndian.Uint32(value))
	if segmentMetaLenSize+metaLen > len(value) {
		return SegmentRecord{}, nil, fmt.Errorf("segment metadata length %d exceeds record", metaLen)
	}

	var rec SegmentRecord
	if err := json.Unmarshal(value[segmentMetaLenSize:segmentMetaLenSize+metaLen], &rec); err != nil {
		return SegmentRecord{}, nil, fmt.Errorf("failed to decode segment metadata: %w", err)
	}

	data := value[segmentMetaLenSize+metaLen:]
	if int64(len(data)) != rec.Length {
		return SegmentRecord{}, nil, fmt.Errorf("segment %d holds %d bytes, expected %d", rec.Index, len(data), rec.Length)
	}
	if !withData {
		return rec, nil, nil
	}
	return rec, data, nil
}
