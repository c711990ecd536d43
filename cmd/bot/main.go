package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/config"
	"github.com/vitos/flowtrade/internal/domain"
	"github.com/vitos/flowtrade/internal/infrastructure/exchange"
	"github.com/vitos/flowtrade/internal/infrastructure/logger"
	"github.com/vitos/flowtrade/internal/infrastructure/storage"
	"github.com/vitos/flowtrade/internal/usecase"
	"github.com/vitos/flowtrade/internal/web"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewCSVLedgerStore(cfg.Data.LedgerDir)
	if err != nil {
		log.Fatal("Ledger tables unusable", zap.Error(err))
	}

	history, err := storage.NewSQLiteStore(cfg.Data.HistoryDB)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer history.Close()

	broker, err := buildBroker(cfg, log)
	if err != nil {
		log.Fatal("Failed to init broker", zap.Error(err))
	}

	executor := usecase.NewOrderExecutor(broker, log)
	tick, buyFlow, marketPoll, cancelRecheck, retry := cfg.Durations()
	reconciler := usecase.NewReconciler(broker, store, history, executor, log, usecase.ReconcilerConfig{
		TickInterval:       tick,
		BuyFlowInterval:    buyFlow,
		MarketPollInterval: marketPoll,
		CancelRecheckDelay: cancelRecheck,
		RetryDelay:         retry,
		SpreadLimitPct:     cfg.Reconciler.SpreadLimitPct,
		ProbeSymbol:        cfg.Reconciler.ProbeSymbol,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Web.Port > 0 {
		webServer := web.NewServer(cfg.Web.Port, store, history, broker, log)
		go func() {
			if werr := webServer.Start(); werr != nil {
				log.Error("Web server failed", zap.Error(werr))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if werr := webServer.Shutdown(shutdownCtx); werr != nil {
				log.Warn("Web server shutdown failed", zap.Error(werr))
			}
		}()
	}

	if err := reconciler.Run(ctx); err != nil {
		log.Error("Trading loop terminated", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Shutting down")
}

func buildBroker(cfg *config.Config, log *zap.Logger) (domain.Broker, error) {
	creds, err := config.CredentialsFromEnv(cfg.Broker.Name)
	if err != nil {
		return nil, err
	}

	switch cfg.Broker.Name {
	case "upbit":
		b := exchange.NewUpbitBroker(creds.AccessKey, creds.SecretKey, "", "", cfg.Broker.Markets, log)
		if err := b.ConnectWS(); err != nil {
			log.Warn("Websocket unavailable, quotes fall back to REST", zap.Error(err))
		}
		return b, nil
	case "binance":
		return exchange.NewBinanceBroker(creds.AccessKey, creds.SecretKey, cfg.Broker.Markets, cfg.Broker.Leverage, log), nil
	case "dbsec":
		return exchange.NewDBSecBroker(creds.AccessKey, creds.SecretKey, "", cfg.Data.TokenFile, cfg.Broker.Markets, log), nil
	case "kis":
		account, err := config.KISAccountFromEnv()
		if err != nil {
			return nil, err
		}
		return exchange.NewKISBroker(creds.AccessKey, creds.SecretKey, account, "", cfg.Data.TokenFile, cfg.Broker.Markets, log)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Name)
	}
}
