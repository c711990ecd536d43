package domain

import "context"

// OrderType selects between limit and market execution.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderRequest describes one order submission. Price carries the reference
// price even for market orders so adapters that need a notional (e.g. spot
// market buys) can derive one.
type OrderRequest struct {
	Symbol     string
	MarketCode string
	Side       Side
	Type       OrderType
	Price      float64
	Quantity   float64
}

// CancelResult reports which order ids a bulk cancel actually terminated.
type CancelResult struct {
	Succeeded []string
	Failed    []string
}

// Broker abstracts one venue. Implementations classify their own error
// payloads: a rejection while the venue is closed must surface as
// *MarketClosedError and a refused amend as *AmendRejectedError, so callers
// never match on message text.
type Broker interface {
	Name() string

	// GetHoldings returns the live position snapshot for every held symbol.
	GetHoldings(ctx context.Context) (map[string]Holding, error)

	// GetAskPrice and GetBidPrice return the best quote for the symbol.
	GetAskPrice(ctx context.Context, symbol, marketCode string) (float64, error)
	GetBidPrice(ctx context.Context, symbol, marketCode string) (float64, error)

	// SubmitOrder places an order and returns the broker order id.
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrders cancels the given order ids for one symbol.
	CancelOrders(ctx context.Context, orderIDs []string, symbol string) (CancelResult, error)

	// AmendOrder replaces an open order with a new price/quantity and returns
	// the replacement order id. Implementations may internally cancel and
	// resubmit with an enforced minimum delay.
	AmendOrder(ctx context.Context, prevOrderID, symbol string, price, quantity float64, side Side) (string, error)

	// GetOrderStatuses resolves order ids to wait/done/cancel. Ids a partial
	// or rate-limited response omits are absent from the returned map;
	// callers leave absent ids untouched.
	GetOrderStatuses(ctx context.Context, orderIDs []string, symbol string) (map[string]Status, error)

	// OpenOrderIDs lists every order the venue reports as open for a symbol.
	OpenOrderIDs(ctx context.Context, symbol string) ([]string, error)

	// IsMarketOpen reports whether the venue currently accepts orders for the
	// symbol. Always true for 24/7 crypto venues.
	IsMarketOpen(ctx context.Context, symbol string) (bool, error)
}

// LedgerStore persists the three flat tables. Every save is atomic
// (write-temp-then-rename); a crash mid-cycle never yields a torn table.
type LedgerStore interface {
	LoadSettings() ([]Setting, error)
	LoadBuyIntents() ([]*BuyIntent, error)
	SaveBuyIntents(intents []*BuyIntent) error
	LoadSellIntents() ([]*SellIntent, error)
	SaveSellIntents(intents []*SellIntent) error
}

// TradeRepository records detected fills and completed round trips for later
// inspection.
type TradeRepository interface {
	SaveFill(ctx context.Context, fill *Fill) error
	SaveRoundTrip(ctx context.Context, trip *RoundTrip) error
	ListFills(ctx context.Context, limit int) ([]*Fill, error)
	ListRoundTrips(ctx context.Context, limit int) ([]*RoundTrip, error)
}
