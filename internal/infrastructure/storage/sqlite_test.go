package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/flowtrade/internal/domain"
	"github.com/vitos/flowtrade/internal/infrastructure/storage"
)

func newTestSQLiteStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndListFills(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	first := &domain.Fill{
		Symbol:   "TQQQ",
		OrderID:  "ord-1",
		Tier:     domain.TierSmallFlow,
		Price:    98,
		Notional: 1000,
		Units:    1,
		FilledAt: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveFill(ctx, first))
	assert.NotZero(t, first.ID)

	second := &domain.Fill{
		Symbol:   "TQQQ",
		OrderID:  "ord-2",
		Tier:     domain.TierLargeFlow,
		Price:    95,
		Notional: 3000,
		Units:    3,
		FilledAt: time.Date(2025, 6, 2, 14, 35, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveFill(ctx, second))

	fills, err := store.ListFills(ctx, 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)

	// Newest first.
	assert.Equal(t, "ord-2", fills[0].OrderID)
	assert.Equal(t, domain.TierLargeFlow, fills[0].Tier)
	assert.Equal(t, "ord-1", fills[1].OrderID)
	assert.Equal(t, 98.0, fills[1].Price)

	limited, err := store.ListFills(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ord-2", limited[0].OrderID)
}

func TestSaveAndListRoundTrips(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	trip := &domain.RoundTrip{
		Symbol:      "TQQQ",
		AvgBuyPrice: 96.5,
		Quantity:    40,
		SellPrice:   97.47,
		ClosedAt:    time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveRoundTrip(ctx, trip))
	assert.NotZero(t, trip.ID)

	trips, err := store.ListRoundTrips(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trips, 1)

	got := trips[0]
	assert.Equal(t, "TQQQ", got.Symbol)
	assert.Equal(t, 96.5, got.AvgBuyPrice)
	assert.Equal(t, 40.0, got.Quantity)
	assert.Equal(t, 97.47, got.SellPrice)
	assert.True(t, got.ClosedAt.Equal(trip.ClosedAt))
}

func TestListOnEmptyStore(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	fills, err := store.ListFills(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, fills)

	trips, err := store.ListRoundTrips(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trips)
}
