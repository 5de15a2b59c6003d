package rotations

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridpilot/internal/domain"
)

func record(pair, profit string) domain.RotationRecord {
	return domain.RotationRecord{
		FromPair:       pair,
		ProfitRealized: decimal.RequireFromString(profit),
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendAndReadBack(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(record("BTC_USDT", "3.5")))
	require.NoError(t, store.Append(record("ETH_USDT", "4.2")))

	records, err := store.RecordsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "BTC_USDT", records[0].Rotation.FromPair)
	require.True(t, records[0].Rotation.ProfitRealized.Equal(decimal.RequireFromString("3.5")))
	require.Equal(t, "ETH_USDT", records[1].Rotation.FromPair)
}

func TestRecordsAfterIsIncremental(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(record("BTC_USDT", "3")))

	records, err := store.RecordsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	tail, err := store.RecordsAfter(records[0].Index)
	require.NoError(t, err)
	require.Empty(t, tail)
}

func TestUninitializedStore(t *testing.T) {
	var store *WALStore
	require.Error(t, store.Append(record("BTC_USDT", "1")))
	_, err := store.RecordsAfter(0)
	require.Error(t, err)
}
