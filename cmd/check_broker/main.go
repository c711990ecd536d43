package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/config"
	"github.com/vitos/flowtrade/internal/domain"
	"github.com/vitos/flowtrade/internal/infrastructure/exchange"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.CredentialsFromEnv(cfg.Broker.Name)
	if err != nil {
		fmt.Printf("Failed to read credentials: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing %s interaction...\n", cfg.Broker.Name)
	fmt.Printf("API Key: %s...\n", creds.AccessKey[:4])

	log := zap.NewNop()
	var broker domain.Broker
	switch cfg.Broker.Name {
	case "upbit":
		broker = exchange.NewUpbitBroker(creds.AccessKey, creds.SecretKey, "", "", cfg.Broker.Markets, log)
	case "binance":
		broker = exchange.NewBinanceBroker(creds.AccessKey, creds.SecretKey, cfg.Broker.Markets, cfg.Broker.Leverage, log)
	case "dbsec":
		broker = exchange.NewDBSecBroker(creds.AccessKey, creds.SecretKey, "", cfg.Data.TokenFile, cfg.Broker.Markets, log)
	case "kis":
		account, err := config.KISAccountFromEnv()
		if err != nil {
			fmt.Printf("Failed to read account: %v\n", err)
			os.Exit(1)
		}
		broker, err = exchange.NewKISBroker(creds.AccessKey, creds.SecretKey, account, "", cfg.Data.TokenFile, cfg.Broker.Markets, log)
		if err != nil {
			fmt.Printf("Failed to init broker: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown broker %q\n", cfg.Broker.Name)
		os.Exit(1)
	}

	ctx := context.Background()

	for symbol, marketCode := range cfg.Broker.Markets {
		ask, err := broker.GetAskPrice(ctx, symbol, marketCode)
		if err != nil {
			fmt.Printf("FAIL ask quote %s: %v\n", symbol, err)
			continue
		}
		bid, err := broker.GetBidPrice(ctx, symbol, marketCode)
		if err != nil {
			fmt.Printf("FAIL bid quote %s: %v\n", symbol, err)
			continue
		}
		fmt.Printf("OK   quote %s: bid=%f ask=%f\n", symbol, bid, ask)

		open, err := broker.IsMarketOpen(ctx, symbol)
		if err != nil {
			fmt.Printf("FAIL market-open probe %s: %v\n", symbol, err)
		} else {
			fmt.Printf("OK   market open %s: %v\n", symbol, open)
		}
	}

	holdings, err := broker.GetHoldings(ctx)
	if err != nil {
		fmt.Printf("FAIL holdings: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK   holdings: %d positions\n", len(holdings))
	for symbol, h := range holdings {
		fmt.Printf("     %s: balance=%f locked=%f avg=%f\n",
			symbol, h.Balance, h.Locked, h.AvgBuyPrice)
	}
}
