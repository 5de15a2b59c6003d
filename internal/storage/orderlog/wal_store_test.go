package orderlog

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func entry(orderID, status string) Entry {
	return Entry{
		OrderID:   orderID,
		Pair:      "BTC_USDT",
		Side:      "buy",
		Price:     decimal.NewFromInt(100),
		Size:      decimal.NewFromInt(1),
		Status:    status,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendAndReadBack(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(entry("o1", "open")))
	require.NoError(t, store.Append(entry("o1", "filled")))
	require.NoError(t, store.Append(entry("o2", "open")))

	records, err := store.EntriesAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "o1", records[0].Entry.OrderID)
	require.Equal(t, "open", records[0].Entry.Status)
	require.Equal(t, "filled", records[1].Entry.Status)
	require.Equal(t, "o2", records[2].Entry.OrderID)
}

func TestEntriesAfterIsIncremental(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(entry("o1", "open")))
	require.NoError(t, store.Append(entry("o2", "open")))

	records, err := store.EntriesAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	last := records[len(records)-1].Index

	require.NoError(t, store.Append(entry("o3", "open")))

	tail, err := store.EntriesAfter(last)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "o3", tail[0].Entry.OrderID)

	empty, err := store.EntriesAfter(tail[0].Index)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestAppendRequiresOrderID(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.Error(t, store.Append(Entry{Status: "open"}))
}

func TestUninitializedStore(t *testing.T) {
	var store *WALStore
	require.Error(t, store.Append(entry("o1", "open")))
	_, err := store.EntriesAfter(0)
	require.Error(t, err)
	require.Error(t, store.Close())
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewWALStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Append(entry("o1", "open")))
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.EntriesAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "o1", records[0].Entry.OrderID)
}
