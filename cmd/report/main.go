package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/flowtrade/internal/domain"
	"github.com/vitos/flowtrade/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "trades.db", "path to the trade history database")
	limit := flag.Int("limit", 50, "number of recent rows to show per table")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Printf("Cannot open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	fills, err := store.ListFills(ctx, *limit)
	if err != nil {
		fmt.Printf("Error listing fills: %v\n", err)
		os.Exit(1)
	}
	printFills(fills)

	trips, err := store.ListRoundTrips(ctx, *limit)
	if err != nil {
		fmt.Printf("Error listing round trips: %v\n", err)
		os.Exit(1)
	}
	printRoundTrips(trips)
}

func printFills(fills []*domain.Fill) {
	fmt.Printf("=== Recent buy fills (%d) ===\n", len(fills))
	if len(fills) == 0 {
		fmt.Println("  none")
		return
	}
	fmt.Printf("%-20s %-8s %-12s %12s %12s\n", "filled_at", "symbol", "tier", "price", "notional")
	bySymbol := make(map[string]float64)
	for _, f := range fills {
		fmt.Printf("%-20s %-8s %-12s %12.2f %12.2f\n",
			f.FilledAt.Format("2006-01-02 15:04:05"), f.Symbol, f.Tier, f.Price, f.Notional)
		bySymbol[f.Symbol] += f.Notional
	}
	for symbol, total := range bySymbol {
		fmt.Printf("  %s: %.2f bought\n", symbol, total)
	}
}

func printRoundTrips(trips []*domain.RoundTrip) {
	fmt.Printf("\n=== Completed round trips (%d) ===\n", len(trips))
	if len(trips) == 0 {
		fmt.Println("  none")
		return
	}
	fmt.Printf("%-20s %-8s %12s %12s %12s %12s\n",
		"closed_at", "symbol", "avg_buy", "sell", "quantity", "pnl")
	var totalPnL float64
	for _, t := range trips {
		pnl := (t.SellPrice - t.AvgBuyPrice) * t.Quantity
		totalPnL += pnl
		fmt.Printf("%-20s %-8s %12.2f %12.2f %12.2f %12.2f\n",
			t.ClosedAt.Format("2006-01-02 15:04:05"), t.Symbol,
			t.AvgBuyPrice, t.SellPrice, t.Quantity, pnl)
	}
	fmt.Printf("\nTotal realized PnL: %.2f\n", totalPnL)
}
