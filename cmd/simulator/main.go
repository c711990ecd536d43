package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vitos/flowtrade/internal/domain"
	"github.com/vitos/flowtrade/internal/infrastructure/exchange"
	"github.com/vitos/flowtrade/internal/usecase"
)

const (
	fetchBatch = 200
	fetchPause = 300 * time.Millisecond
)

func main() {
	var (
		marketCode    = flag.String("market", "KRW-BTC", "market code to replay")
		start         = flag.String("start", "", "replay start (YYYY-MM-DD)")
		end           = flag.String("end", "", "replay end (YYYY-MM-DD)")
		unit          = flag.Int("unit", 5, "candle unit in minutes")
		unitSize      = flag.Float64("unit-size", 100000, "notional per ladder unit")
		smallPct      = flag.Float64("small-pct", 0.02, "small flow drop fraction")
		smallUnits    = flag.Float64("small-units", 1, "units per small flow buy")
		largePct      = flag.Float64("large-pct", 0.05, "large flow drop fraction")
		largeUnits    = flag.Float64("large-units", 3, "units per large flow buy")
		takeProfitPct = flag.Float64("take-profit-pct", 0.01, "take profit fraction")
		initialCash   = flag.Float64("cash", 5_000_000, "starting cash")
		feePct        = flag.Float64("fee-pct", 0.0005, "per-side fee fraction")
		output        = flag.String("out", "", "result CSV path")
	)
	flag.Parse()

	startAt, endAt, err := parseRange(*start, *end)
	if err != nil {
		fmt.Printf("Bad time range: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Fetching %s candles %s to %s (%dm bars)\n",
		*marketCode, startAt.Format("2006-01-02"), endAt.Format("2006-01-02"), *unit)

	candles, err := fetchCandles(context.Background(), *marketCode, *unit, startAt, endAt)
	if err != nil {
		fmt.Printf("Candle fetch failed: %v\n", err)
		os.Exit(1)
	}
	if len(candles) == 0 {
		fmt.Println("No candles in range.")
		os.Exit(1)
	}
	fmt.Printf("Replaying %d candles\n", len(candles))

	setting := domain.Setting{
		Symbol:         *marketCode,
		UnitSize:       *unitSize,
		SmallFlowPct:   *smallPct,
		SmallFlowUnits: *smallUnits,
		LargeFlowPct:   *largePct,
		LargeFlowUnits: *largeUnits,
		TakeProfitPct:  *takeProfitPct,
		MarketCode:     *marketCode,
	}

	rows, err := usecase.RunBacktest(setting, candles, usecase.BacktestConfig{
		InitialCash: *initialCash,
		BuyFeePct:   *feePct,
		SellFeePct:  *feePct,
	})
	if err != nil {
		fmt.Printf("Replay failed: %v\n", err)
		os.Exit(1)
	}

	outPath := *output
	if outPath == "" {
		outPath = fmt.Sprintf("sim_%s_%s.csv", *marketCode, time.Now().Format("20060102_150405"))
	}
	if err := writeResult(outPath, rows); err != nil {
		fmt.Printf("Result write failed: %v\n", err)
		os.Exit(1)
	}

	last := rows[len(rows)-1]
	fmt.Printf("Done. final portfolio=%.2f realized_pnl=%.2f fees=%.2f -> %s\n",
		last.PortfolioValue, last.RealizedPnL, last.CumulativeFee, outPath)
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("-start and -end are required")
	}
	startAt, err := time.Parse("2006-01-02", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endAt, err := time.Parse("2006-01-02", end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !endAt.After(startAt) {
		return time.Time{}, time.Time{}, fmt.Errorf("end must be after start")
	}
	return startAt, endAt, nil
}

// fetchCandles pages forward through the range in 200-bar batches, pausing
// between requests to stay under the public rate limit.
func fetchCandles(ctx context.Context, marketCode string, unit int, start, end time.Time) ([]usecase.Candle, error) {
	client := exchange.NewUpbitCandleClient("")

	var out []usecase.Candle
	cursor := start
	for cursor.Before(end) {
		to := cursor.Add(time.Duration(unit*fetchBatch) * time.Minute)
		if to.After(end) {
			to = end
		}

		batch, err := client.MinuteCandles(ctx, marketCode, unit, fetchBatch, to)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for _, c := range batch {
			if c.Time.Before(cursor) || !c.Time.Before(end) {
				continue
			}
			out = append(out, usecase.Candle{
				Time:  c.Time,
				Open:  c.Open,
				High:  c.High,
				Low:   c.Low,
				Close: c.Close,
			})
		}

		next := batch[len(batch)-1].Time.Add(time.Duration(unit) * time.Minute)
		if !next.After(cursor) {
			break
		}
		cursor = next
		time.Sleep(fetchPause)
	}
	return out, nil
}

func writeResult(path string, rows []usecase.BacktestRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"time", "open", "high", "close", "signal", "trade_amount",
		"avg_price", "gap_pct", "total_buy", "realized_pnl", "cash",
		"trade_fee", "cumulative_fee", "portfolio_value"}
	if err := w.Write(header); err != nil {
		return err
	}

	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, r := range rows {
		rec := []string{
			r.Time.Format(time.RFC3339),
			ff(r.Open), ff(r.High), ff(r.Close),
			r.Signal,
			ff(r.TradeAmount), ff(r.AvgPrice), ff(r.GapPct),
			ff(r.TotalBuy), ff(r.RealizedPnL), ff(r.Cash),
			ff(r.TradeFee), ff(r.CumulativeFee), ff(r.PortfolioValue),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Error()
}
