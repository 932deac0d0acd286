// Package state provides the resume store: a pebble database holding cached
// download descriptors and the container bytes of completed segments, so an
// interrupted download can resume across process restarts.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/models"
)

// Key prefixes
const (
	prefixSetting = "setting:"
	prefixInfo    = "info:"
	prefixSegment = "seg:"

	settingSession = "session"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("state: not found")

// Session identifies one activation of the engine. Opening the store with a
// session that differs from the persisted one purges all cached descriptors
// and segments once.
type Session struct {
	ID string
}

// NewSession returns a session with a fresh random id.
func NewSession() Session {
	return Session{ID: uuid.NewString()}
}

// Store is the resume store. Keyed operations for different cache keys are
// independent.
type Store struct {
	db      *pebble.DB
	ttl     time.Duration
	now     func() time.Time
	session Session
	purged  bool
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the descriptor cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store in dir and applies the session check.
func Open(dir string, session Session, opts ...Option) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open resume store: %w", err)
	}

	s := &Store{db: db, ttl: constants.InfoCacheTTL, now: time.Now, session: session}
	for _, opt := range opts {
		opt(s)
	}
	if s.session.ID == "" {
		s.session = NewSession()
	}

	if err := s.checkSession(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkSession() error {
	prev, err := s.GetSetting(settingSession)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && prev == s.session.ID {
		return nil
	}
	if err := s.PurgeAll(); err != nil {
		return err
	}
	s.purged = true
	return s.PutSetting(settingSession, s.session.ID)
}

// Session returns the session the store was opened with.
func (s *Store) Session() Session {
	return s.session
}

// Purged reports whether opening the store purged state from another session.
func (s *Store) Purged() bool {
	return s.purged
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CacheKey derives the per-task key from the logical path and the access
// signature of the request that produced the descriptor.
func CacheKey(logicalPath, accessSignature string) string {
	return hashHex(logicalPath) + "::" + hashHex(accessSignature)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// --- settings table ---

// GetSetting returns a stored setting or ErrNotFound.
func (s *Store) GetSetting(name string) (string, error) {
	value, err := s.get([]byte(prefixSetting + name))
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// PutSetting stores a setting.
func (s *Store) PutSetting(name, value string) error {
	if err := s.db.Set([]byte(prefixSetting+name), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", name, err)
	}
	return nil
}

// --- info cache ---

type infoRecord struct {
	Descriptor *models.Descriptor `json:"descriptor"`
	SavedAt    time.Time          `json:"savedAt"`
}

// Put caches the descriptor for key.
func (s *Store) Put(key string, d *models.Descriptor) error {
	data, err := json.Marshal(infoRecord{Descriptor: d, SavedAt: s.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	if err := s.db.Set([]byte(prefixInfo+key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save descriptor: %w", err)
	}
	return nil
}

// Get returns the cached descriptor for key. Entries older than the TTL are
// purged and reported as absent.
func (s *Store) Get(key string) (*models.Descriptor, bool, error) {
	data, err := s.get([]byte(prefixInfo + key))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rec infoRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Descriptor == nil {
		_ = s.db.Delete([]byte(prefixInfo+key), pebble.Sync)
		return nil, false, nil
	}
	if s.now().Sub(rec.SavedAt) > s.ttl {
		if err := s.db.Delete([]byte(prefixInfo+key), pebble.Sync); err != nil {
			return nil, false, fmt.Errorf("failed to purge expired descriptor: %w", err)
		}
		return nil, false, nil
	}
	return rec.Descriptor, true, nil
}

// --- segment cache ---

// PutSegment persists the verified container bytes of one segment.
func (s *Store) PutSegment(key string, index int, data []byte, signature string) error {
	rec := SegmentRecord{
		CacheKey:  key,
		Index:     index,
		Signature: signature,
		Length:    int64(len(data)),
		Timestamp: s.now(),
	}
	value, err := encodeSegment(rec, data)
	if err != nil {
		return err
	}
	if err := s.db.Set(segmentKey(key, index), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save segment %d: %w", index, err)
	}
	return nil
}

// ListSegments returns the metadata of every cached segment for key in index
// order. Bytes are not loaded; use LoadSegment.
func (s *Store) ListSegments(key string) ([]SegmentRecord, error) {
	prefix := segmentPrefix(key)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer iter.Close()

	var records []SegmentRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, _, err := decodeSegment(iter.Value(), false)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	return records, nil
}

// LoadSegment returns one cached segment including its bytes.
func (s *Store) LoadSegment(key string, index int) (SegmentRecord, error) {
	value, err := s.get(segmentKey(key, index))
	if err != nil {
		return SegmentRecord{}, err
	}
	rec, data, err := decodeSegment(value, true)
	if err != nil {
		return SegmentRecord{}, err
	}
	rec.Bytes = data
	return rec, nil
}

// DeleteAll removes the cached descriptor and every segment for key.
func (s *Store) DeleteAll(key string) error {
	prefix := segmentPrefix(key)
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	if err := batch.Delete([]byte(prefixInfo+key), nil); err != nil {
		return fmt.Errorf("failed to delete descriptor: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear resume state: %w", err)
	}
	return nil
}

// PurgeAll removes every cached descriptor and segment. Settings survive.
func (s *Store) PurgeAll() error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, prefix := range []string{prefixInfo, prefixSegment} {
		p := []byte(prefix)
		if err := batch.DeleteRange(p, keyUpperBound(p), nil); err != nil {
			return fmt.Errorf("failed to purge %s: %w", prefix, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to purge resume state: %w", err)
	}
	return nil
}

// get copies the value out before releasing pebble's buffer.
func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func segmentPrefix(key string) []byte {
	return []byte(prefixSegment + key + ":")
}

func segmentKey(key string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixSegment, key, index))
}

// keyUpperBound returns the smallest key greater than every key with prefix b.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
