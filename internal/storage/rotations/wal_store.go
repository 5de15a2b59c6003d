// Package rotations persists the append-only rotation history ledger.
package rotations

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"gridpilot/internal/domain"
)

const (
	defaultRotationDir   = "./wal/rotations"
	rotationSegmentLimit = 1000
	rotationMaxSegments  = 100
	rotationKeyPrefix    = "rotation_"
)

// Record pairs a rotation record with its WAL index.
type Record struct {
	Index    uint64
	Rotation domain.RotationRecord
}

// WALStore persists rotation records in WAL segments.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed rotation store under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultRotationDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "rotation_",
		SegmentThreshold: rotationSegmentLimit,
		MaxSegments:      rotationMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init rotation WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the rotation record to the ledger.
func (s *WALStore) Append(record domain.RotationRecord) error {
	if s == nil || s.wal == nil {
		return errors.New("rotation store is not initialized")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal rotation record")
	}

	key := fmt.Sprintf("%s%s", rotationKeyPrefix, record.FromPair)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// RecordsAfter returns all rotation records written after the provided WAL index.
func (s *WALStore) RecordsAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("rotation store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "read rotation ledger index %d", idx)
		}
		if !strings.HasPrefix(key, rotationKeyPrefix) {
			// absent or foreign record
			continue
		}
		var rotation domain.RotationRecord
		if err := json.Unmarshal(payload, &rotation); err != nil {
			return nil, errors.Wrap(err, "decode rotation record")
		}
		records = append(records, Record{Index: idx, Rotation: rotation})
	}

	return records, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("rotation store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
