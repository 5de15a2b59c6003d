// Package orderlog persists the append-only order/trade ledger used for audit
// and metrics recomputation after restart.
package orderlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultLedgerDir   = "./wal/orders"
	ledgerSegmentLimit = 1000
	ledgerMaxSegments  = 100
	ledgerKeyPrefix    = "order_"
)

// Entry is one write-once ledger record. Status changes append new entries;
// existing records are never updated.
type Entry struct {
	OrderID    string          `json:"order_id"`
	Pair       string          `json:"pair"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Status     string          `json:"status"`
	Fee        decimal.Decimal `json:"fee"`
	Timestamp  time.Time       `json:"ts"`
}

// Record pairs an entry with its WAL index for incremental reads.
type Record struct {
	Index uint64
	Entry Entry
}

// WALStore persists ledger entries in WAL segments.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed ledger under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultLedgerDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: ledgerSegmentLimit,
		MaxSegments:      ledgerMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init order ledger WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the entry to the ledger.
func (s *WALStore) Append(entry Entry) error {
	if s == nil || s.wal == nil {
		return errors.New("order ledger is not initialized")
	}
	if entry.OrderID == "" {
		return fmt.Errorf("order ledger entry requires an order id")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal order ledger entry")
	}

	key := fmt.Sprintf("%s%s_%s", ledgerKeyPrefix, entry.OrderID, entry.Status)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EntriesAfter returns all ledger records written after the provided WAL index.
func (s *WALStore) EntriesAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("order ledger is not initialized")
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
			return nil, errors.Wrapf(err, "read order ledger index %d", idx)
		}
		if !strings.HasPrefix(key, ledgerKeyPrefix) {
			// absent or foreign record
			continue
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrap(err, "decode order ledger entry")
		}
		records = append(records, Record{Index: idx, Entry: entry})
	}

	return records, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("order ledger is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
