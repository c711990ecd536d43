package usecase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/flowtrade/internal/usecase"
)

func backtestCandles(closes ...float64) []usecase.Candle {
	t0 := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	out := make([]usecase.Candle, len(closes))
	for i, c := range closes {
		out[i] = usecase.Candle{
			Time:  t0.Add(time.Duration(i) * time.Minute),
			Open:  c,
			High:  c,
			Low:   c,
			Close: c,
		}
	}
	return out
}

func TestRunBacktestDipAndRecovery(t *testing.T) {
	setting := testSetting()
	cfg := usecase.BacktestConfig{InitialCash: 5000, BuyFeePct: 0.0005, SellFeePct: 0.0005}

	// Ladder forms at 100, the dip to 97 fills the small flow rung at 98, the
	// recovery to 100 clears the take-profit target and closes the position.
	rows, err := usecase.RunBacktest(setting, backtestCandles(100, 97, 100), cfg)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "hold", rows[0].Signal)
	assert.Equal(t, 5000.0, rows[0].Cash, "orders on the book cost nothing")

	assert.Contains(t, rows[1].Signal, "buy")
	assert.Equal(t, 4000.0, rows[1].Cash)
	assert.Equal(t, 1000.0, rows[1].TotalBuy)
	assert.InDelta(t, 98.0, rows[1].AvgPrice, 0.1)
	assert.Greater(t, rows[1].TradeFee, 0.0)

	last := rows[2]
	assert.Contains(t, last.Signal, "sell")
	assert.Greater(t, last.RealizedPnL, 0.0, "bought at 98, sold at 100")
	assert.Zero(t, last.TotalBuy, "ladder wiped after the full exit")
	assert.Greater(t, last.PortfolioValue, cfg.InitialCash)
	assert.Greater(t, last.CumulativeFee, rows[1].CumulativeFee)
}

func TestRunBacktestHoldsThroughSidewaysMarket(t *testing.T) {
	setting := testSetting()
	cfg := usecase.BacktestConfig{InitialCash: 5000, BuyFeePct: 0.0005, SellFeePct: 0.0005}

	rows, err := usecase.RunBacktest(setting, backtestCandles(100, 100.5, 99.5, 100), cfg)
	require.NoError(t, err)

	for _, row := range rows {
		assert.Equal(t, "hold", row.Signal)
		assert.Equal(t, 5000.0, row.Cash)
	}
}

func TestRunBacktestCrashAveragesDown(t *testing.T) {
	setting := testSetting()
	cfg := usecase.BacktestConfig{InitialCash: 10000, BuyFeePct: 0.0005, SellFeePct: 0.0005}

	// Both rungs fill on the way down and the average lands between them.
	rows, err := usecase.RunBacktest(setting, backtestCandles(100, 95, 94), cfg)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	last := rows[2]
	assert.Equal(t, 4000.0, last.TotalBuy, "one small and one large unit bought")
	assert.Greater(t, last.AvgPrice, 94.0)
	assert.Less(t, last.AvgPrice, 98.0)
	assert.Less(t, last.GapPct, 0.0, "position is under water")
	assert.Zero(t, last.RealizedPnL)
}

func TestRunBacktestSkipsBuysWithoutCash(t *testing.T) {
	setting := testSetting()
	cfg := usecase.BacktestConfig{InitialCash: 500, BuyFeePct: 0.0005, SellFeePct: 0.0005}

	rows, err := usecase.RunBacktest(setting, backtestCandles(100, 97, 94), cfg)
	require.NoError(t, err)

	for _, row := range rows {
		assert.Equal(t, "hold", row.Signal)
		assert.Equal(t, 500.0, row.Cash)
	}
}

func TestRunBacktestSellRatchetsOnGapUp(t *testing.T) {
	setting := testSetting()
	setting.Symbol = "SOXL"
	cfg := usecase.BacktestConfig{InitialCash: 5000, BuyFeePct: 0, SellFeePct: 0}

	// Filled at 49 with a 1 percent take-profit, the gap up to 50 lifts the
	// sell target to the market and the whole position exits there.
	rows, err := usecase.RunBacktest(setting, backtestCandles(50, 49, 48.5, 50), cfg)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	last := rows[3]
	assert.Contains(t, last.Signal, "sell")
	assert.InDelta(t, 20.4, last.RealizedPnL, 0.1) // (50-49) * (1000/49)
	assert.InDelta(t, 5020.4, last.PortfolioValue, 0.1)

	assert.InDelta(t, 5000.0, rows[0].PortfolioValue, 0.01)
	assert.Contains(t, rows[1].Signal, "buy")
}
