package timeseries

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	oerrors "evmoracle/services/oracled/errors"
	"evmoracle/storage"
)

// DefaultCapacity bounds the number of points retained per pair.
const DefaultCapacity = 1024

var (
	metaPrefix  = []byte("ts/m/")
	pointPrefix = []byte("ts/p/")
)

// PricePoint is a single observation: nanoseconds since the Unix epoch and the
// fixed-point price.
type PricePoint struct {
	Timestamp uint64 `json:"timestamp"`
	Value     uint64 `json:"value"`
}

// Entry pairs a point with the series it is appended to.
type Entry struct {
	Pair  string
	Point PricePoint
}

// seriesMeta is persisted per pair. Points are stored under sequence numbers
// [Next-Size, Next).
type seriesMeta struct {
	Next uint64
	Size uint64
}

// Store keeps a bounded time series per pair. Every mutation is committed as a
// single storage batch before the in-memory rings are touched, so a crash can
// never leave a series partially written.
type Store struct {
	mu       sync.RWMutex
	db       storage.Database
	capacity int
	series   map[string]*ring
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity overrides DefaultCapacity. Non-positive values are ignored.
func WithCapacity(capacity int) Option {
	return func(s *Store) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// Open loads every persisted series from db.
func Open(db storage.Database, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("timeseries: database required")
	}
	s := &Store{db: db, capacity: DefaultCapacity, series: make(map[string]*ring)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Capacity returns the per-pair point bound.
func (s *Store) Capacity() int { return s.capacity }

// ValidatePair rejects keys that cannot be stored.
func ValidatePair(pair string) error {
	if pair == "" {
		return oerrors.InvalidArgument("pair name required")
	}
	if strings.IndexByte(pair, 0) >= 0 {
		return oerrors.InvalidArgument("pair name must not contain NUL bytes")
	}
	return nil
}

// AddPair creates an empty series.
func (s *Store) AddPair(pair string) error {
	if err := ValidatePair(pair); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.series[pair]; ok {
		return oerrors.ErrPairExists
	}
	encoded, err := rlp.EncodeToBytes(&seriesMeta{})
	if err != nil {
		return oerrors.Internal("encode series meta: %v", err)
	}
	if err := s.db.Put(metaKey(pair), encoded); err != nil {
		return fmt.Errorf("timeseries: persist pair: %w", err)
	}
	s.series[pair] = newRing(s.capacity, 0)
	return nil
}

// RemovePair deletes the series and all of its points.
func (s *Store) RemovePair(pair string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.series[pair]
	if !ok {
		return oerrors.ErrPairNotFound
	}
	batch := s.db.NewBatch()
	for seq := r.first(); seq < r.next; seq++ {
		batch.Delete(pointKey(pair, seq))
	}
	batch.Delete(metaKey(pair))
	if err := batch.Write(); err != nil {
		return fmt.Errorf("timeseries: remove pair: %w", err)
	}
	delete(s.series, pair)
	return nil
}

// Exists reports whether pair has been added.
func (s *Store) Exists(pair string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.series[pair]
	return ok
}

// Insert appends one point to pair.
func (s *Store) Insert(pair string, timestamp, value uint64) error {
	return s.InsertBatch([]Entry{{Pair: pair, Point: PricePoint{Timestamp: timestamp, Value: value}}})
}

// InsertBatch appends every entry in order within one durable batch. If any
// pair is unknown nothing is written.
func (s *Store) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if _, ok := s.series[entry.Pair]; !ok {
			return fmt.Errorf("%w: %s", oerrors.ErrPairNotExist, entry.Pair)
		}
	}
	return s.appendLocked(entries)
}

// InsertKnown appends the entries whose pair still exists and drops the rest.
// It returns how many entries were written.
func (s *Store) InsertKnown(entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if _, ok := s.series[entry.Pair]; ok {
			known = append(known, entry)
		}
	}
	if len(known) == 0 {
		return 0, nil
	}
	if err := s.appendLocked(known); err != nil {
		return 0, err
	}
	return len(known), nil
}

// appendLocked requires s.mu held and every entry's pair present.
func (s *Store) appendLocked(entries []Entry) error {
	staged := make(map[string]*seriesMeta, len(entries))
	for _, entry := range entries {
		if _, seen := staged[entry.Pair]; !seen {
			r := s.series[entry.Pair]
			staged[entry.Pair] = &seriesMeta{Next: r.next, Size: uint64(r.size)}
		}
	}

	batch := s.db.NewBatch()
	capacity := uint64(s.capacity)
	for _, entry := range entries {
		meta := staged[entry.Pair]
		encoded, err := rlp.EncodeToBytes(&entry.Point)
		if err != nil {
			return oerrors.Internal("encode point: %v", err)
		}
		batch.Put(pointKey(entry.Pair, meta.Next), encoded)
		if meta.Size == capacity {
			batch.Delete(pointKey(entry.Pair, meta.Next-capacity))
		} else {
			meta.Size++
		}
		meta.Next++
	}
	for pair, meta := range staged {
		encoded, err := rlp.EncodeToBytes(meta)
		if err != nil {
			return oerrors.Internal("encode series meta: %v", err)
		}
		batch.Put(metaKey(pair), encoded)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("timeseries: commit points: %w", err)
	}

	for _, entry := range entries {
		s.series[entry.Pair].push(entry.Point)
	}
	return nil
}

// Latest returns the most recently appended point. ok is false when the series
// is empty.
func (s *Store) Latest(pair string) (point PricePoint, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, exists := s.series[pair]
	if !exists {
		return PricePoint{}, false, oerrors.ErrPairNotExist
	}
	point, ok = r.latest()
	return point, ok, nil
}

// Recent returns up to n points, newest first.
func (s *Store) Recent(pair string, n int) ([]PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, exists := s.series[pair]
	if !exists {
		return nil, oerrors.ErrPairNotExist
	}
	return r.recent(n), nil
}

// Pairs returns the known pairs in ascending order.
func (s *Store) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairs := make([]string, 0, len(s.series))
	for pair := range s.series {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

func (s *Store) load() error {
	metas := make(map[string]seriesMeta)
	var decodeErr error
	err := s.db.Iterate(metaPrefix, func(key, value []byte) bool {
		var meta seriesMeta
		if err := rlp.DecodeBytes(value, &meta); err != nil {
			decodeErr = fmt.Errorf("decode series meta %q: %w", key, err)
			return false
		}
		metas[string(key[len(metaPrefix):])] = meta
		return true
	})
	if err != nil {
		return fmt.Errorf("timeseries: scan series: %w", err)
	}
	if decodeErr != nil {
		return oerrors.Internal("%v", decodeErr)
	}

	capacity := uint64(s.capacity)
	for pair, meta := range metas {
		if meta.Size > meta.Next {
			return oerrors.Internal("series %s: size %d exceeds next sequence %d", pair, meta.Size, meta.Next)
		}
		first := meta.Next - meta.Size
		// A smaller capacity than the one the data was written with drops the
		// oldest points durably before serving.
		if meta.Size > capacity {
			batch := s.db.NewBatch()
			keepFrom := meta.Next - capacity
			for seq := first; seq < keepFrom; seq++ {
				batch.Delete(pointKey(pair, seq))
			}
			trimmed := seriesMeta{Next: meta.Next, Size: capacity}
			encoded, err := rlp.EncodeToBytes(&trimmed)
			if err != nil {
				return oerrors.Internal("encode series meta: %v", err)
			}
			batch.Put(metaKey(pair), encoded)
			if err := batch.Write(); err != nil {
				return fmt.Errorf("timeseries: trim series %s: %w", pair, err)
			}
			first = keepFrom
		}
		r := newRing(s.capacity, first)
		for seq := first; seq < meta.Next; seq++ {
			raw, err := s.db.Get(pointKey(pair, seq))
			if errors.Is(err, storage.ErrNotFound) {
				return oerrors.Internal("series %s: point %d missing", pair, seq)
			}
			if err != nil {
				return fmt.Errorf("timeseries: load point: %w", err)
			}
			var point PricePoint
			if err := rlp.DecodeBytes(raw, &point); err != nil {
				return oerrors.Internal("series %s: decode point %d: %v", pair, seq, err)
			}
			r.push(point)
		}
		s.series[pair] = r
	}
	return nil
}

func metaKey(pair string) []byte {
	key := make([]byte, 0, len(metaPrefix)+len(pair))
	key = append(key, metaPrefix...)
	return append(key, pair...)
}

func pointKey(pair string, seq uint64) []byte {
	key := make([]byte, 0, len(pointPrefix)+len(pair)+9)
	key = append(key, pointPrefix...)
	key = append(key, pair...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}
