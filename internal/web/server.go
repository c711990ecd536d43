package web

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

// Server exposes a read-only JSON view of the ledgers and trade history for
// operators. It never places or cancels orders; the reconciliation loop owns
// all trading decisions.
type Server struct {
	router *http.ServeMux
	server *http.Server
	store  domain.LedgerStore
	trades domain.TradeRepository
	broker domain.Broker
	logger *zap.Logger
}

func NewServer(
	port int,
	store domain.LedgerStore,
	trades domain.TradeRepository,
	broker domain.Broker,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router: http.NewServeMux(),
		store:  store,
		trades: trades,
		broker: broker,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Ledgers
	s.router.HandleFunc("GET /api/settings", s.handleSettings)
	s.router.HandleFunc("GET /api/buy-intents", s.handleBuyIntents)
	s.router.HandleFunc("GET /api/sell-intents", s.handleSellIntents)

	// Trade history
	s.router.HandleFunc("GET /api/fills", s.handleFills)
	s.router.HandleFunc("GET /api/round-trips", s.handleRoundTrips)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
