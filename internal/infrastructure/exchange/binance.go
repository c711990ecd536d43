package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

// amendReplaceDelay separates the cancel from the replacement order so the
// venue releases the margin reserved by the canceled order first.
const amendReplaceDelay = 2 * time.Second

type binanceFilters struct {
	tickSize float64
	stepSize float64
	tickDec  int
	stepDec  int
}

// BinanceBroker trades USDT-margined futures through the official REST API.
// Prices and quantities are floored to the venue's tick and step sizes before
// submission.
type BinanceBroker struct {
	client *futures.Client
	logger *zap.Logger

	// symbol ("BTC") to contract symbol ("BTCUSDT")
	markets map[string]string
	// symbol to configured leverage, applied before the first order
	leverage map[string]int

	filters   map[string]binanceFilters
	filtersMu sync.Mutex

	leverageSet map[string]bool
	leverageMu  sync.Mutex
}

func NewBinanceBroker(apiKey, secretKey string, markets map[string]string, leverage map[string]int, logger *zap.Logger) *BinanceBroker {
	return &BinanceBroker{
		client:      futures.NewClient(apiKey, secretKey),
		logger:      logger,
		markets:     markets,
		leverage:    leverage,
		filters:     make(map[string]binanceFilters),
		leverageSet: make(map[string]bool),
	}
}

func (b *BinanceBroker) Name() string { return "binance" }

// IsMarketOpen always reports true: futures trade around the clock.
func (b *BinanceBroker) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	return true, nil
}

func (b *BinanceBroker) contract(symbol string) (string, error) {
	c, ok := b.markets[symbol]
	if !ok {
		return "", fmt.Errorf("binance: no contract for symbol %q", symbol)
	}
	return c, nil
}

// --- exchange filters ---

func (b *BinanceBroker) symbolFilters(ctx context.Context, contract string) (binanceFilters, error) {
	b.filtersMu.Lock()
	if f, ok := b.filters[contract]; ok {
		b.filtersMu.Unlock()
		return f, nil
	}
	b.filtersMu.Unlock()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return binanceFilters{}, err
	}

	b.filtersMu.Lock()
	defer b.filtersMu.Unlock()
	for _, s := range info.Symbols {
		f := binanceFilters{tickSize: 1, stepSize: 1}
		if pf := s.PriceFilter(); pf != nil {
			f.tickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
			f.tickDec = stepDecimals(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.stepSize, _ = strconv.ParseFloat(lf.StepSize, 64)
			f.stepDec = stepDecimals(lf.StepSize)
		}
		b.filters[s.Symbol] = f
	}

	f, ok := b.filters[contract]
	if !ok {
		return binanceFilters{}, fmt.Errorf("binance: contract %q not in exchange info", contract)
	}
	return f, nil
}

// stepDecimals counts the significant decimal places of a filter step such
// as "0.00100000".
func stepDecimals(step string) int {
	dot := strings.Index(step, ".")
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(step[dot+1:], "0")
	return len(frac)
}

func floorToStep(value, step float64, decimals int) string {
	if step > 0 {
		value = math.Floor(value/step) * step
	}
	return strconv.FormatFloat(value, 'f', decimals, 64)
}

func (b *BinanceBroker) ensureLeverage(ctx context.Context, contract string, leverage int) {
	if leverage <= 0 {
		return
	}
	b.leverageMu.Lock()
	done := b.leverageSet[contract]
	if !done {
		b.leverageSet[contract] = true
	}
	b.leverageMu.Unlock()
	if done {
		return
	}

	// Fails when the leverage is already at the requested value; harmless.
	_, err := b.client.NewChangeLeverageService().Symbol(contract).Leverage(leverage).Do(ctx)
	if err != nil {
		b.logger.Warn("leverage change failed",
			zap.String("contract", contract),
			zap.Int("leverage", leverage),
			zap.Error(err))
	}
}

// --- account ---

func (b *BinanceBroker) GetHoldings(ctx context.Context) (map[string]domain.Holding, error) {
	positions, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]string, len(b.markets))
	for symbol, contract := range b.markets {
		bySymbol[contract] = symbol
	}

	holdings := make(map[string]domain.Holding)
	for _, p := range positions {
		symbol, ok := bySymbol[p.Symbol]
		if !ok {
			continue
		}
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		lev, _ := strconv.Atoi(p.Leverage)

		side := domain.PositionLong
		if amt < 0 {
			side = domain.PositionShort
		}
		holdings[symbol] = domain.Holding{
			Balance:          math.Abs(amt),
			AvgBuyPrice:      entry,
			Side:             side,
			Leverage:         lev,
			LiquidationPrice: liq,
		}
	}
	return holdings, nil
}

// --- quotes ---

func (b *BinanceBroker) GetAskPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	_, ask, err := b.bookTicker(ctx, marketCode)
	return ask, err
}

func (b *BinanceBroker) GetBidPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	bid, _, err := b.bookTicker(ctx, marketCode)
	return bid, err
}

func (b *BinanceBroker) bookTicker(ctx context.Context, contract string) (bid, ask float64, err error) {
	tickers, err := b.client.NewListBookTickersService().Symbol(contract).Do(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(tickers) == 0 {
		return 0, 0, fmt.Errorf("binance: no book ticker for %s", contract)
	}
	bid, _ = strconv.ParseFloat(tickers[0].BidPrice, 64)
	ask, _ = strconv.ParseFloat(tickers[0].AskPrice, 64)
	if bid <= 0 || ask <= 0 {
		return 0, 0, fmt.Errorf("binance: empty book for %s", contract)
	}
	return bid, ask, nil
}

// --- orders ---

func (b *BinanceBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	filters, err := b.symbolFilters(ctx, req.MarketCode)
	if err != nil {
		return "", err
	}

	b.ensureLeverage(ctx, req.MarketCode, b.leverage[req.Symbol])

	qty := floorToStep(req.Quantity, filters.stepSize, filters.stepDec)
	if parsed, _ := strconv.ParseFloat(qty, 64); parsed <= 0 {
		return "", fmt.Errorf("binance: quantity %v rounds to zero for %s", req.Quantity, req.MarketCode)
	}

	side := futures.SideTypeBuy
	if req.Side == domain.SideSell {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.MarketCode).
		Side(side).
		Quantity(qty)

	if req.Type == domain.OrderMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		price := floorToStep(req.Price, filters.tickSize, filters.tickDec)
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(price)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance order %s %s: %w", req.Side, req.MarketCode, err)
	}
	return strconv.FormatInt(res.OrderID, 10), nil
}

// AmendOrder cancels and resubmits: the futures API has no in-place amend.
// The delay between the two legs lets the reserved margin settle. Only a
// cancel the venue rejected through an API error becomes AmendRejectedError;
// a transport failure leaves the old order's fate unknown and surfaces as a
// plain error so the caller resyncs instead of placing a duplicate.
func (b *BinanceBroker) AmendOrder(ctx context.Context, prevOrderID, symbol string, price, quantity float64, side domain.Side) (string, error) {
	contract, err := b.contract(symbol)
	if err != nil {
		return "", err
	}
	orderID, err := strconv.ParseInt(prevOrderID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("binance: bad order id %q: %w", prevOrderID, err)
	}

	if _, err := b.client.NewCancelOrderService().Symbol(contract).OrderID(orderID).Do(ctx); err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return "", &domain.AmendRejectedError{
				Broker:  b.Name(),
				Code:    strconv.FormatInt(apiErr.Code, 10),
				Message: fmt.Sprintf("cancel of %s: %s", prevOrderID, apiErr.Message),
			}
		}
		return "", fmt.Errorf("binance cancel of %s: %w", prevOrderID, err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(amendReplaceDelay):
	}

	return b.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		MarketCode: contract,
		Side:       side,
		Type:       domain.OrderLimit,
		Price:      price,
		Quantity:   quantity,
	})
}

func (b *BinanceBroker) CancelOrders(ctx context.Context, orderIDs []string, symbol string) (domain.CancelResult, error) {
	var res domain.CancelResult
	contract, err := b.contract(symbol)
	if err != nil {
		return res, err
	}

	for _, id := range orderIDs {
		orderID, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			res.Failed = append(res.Failed, id)
			continue
		}
		if _, cerr := b.client.NewCancelOrderService().Symbol(contract).OrderID(orderID).Do(ctx); cerr != nil {
			b.logger.Warn("cancel failed",
				zap.String("contract", contract),
				zap.String("order_id", id),
				zap.Error(cerr))
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

func (b *BinanceBroker) GetOrderStatuses(ctx context.Context, orderIDs []string, symbol string) (map[string]domain.Status, error) {
	contract, err := b.contract(symbol)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]domain.Status, len(orderIDs))
	for _, id := range orderIDs {
		orderID, perr := strconv.ParseInt(id, 10, 64)
		if perr != nil {
			continue
		}
		order, gerr := b.client.NewGetOrderService().Symbol(contract).OrderID(orderID).Do(ctx)
		if gerr != nil {
			// Left out of the map: the caller treats unknown as untouched.
			b.logger.Warn("order lookup failed",
				zap.String("contract", contract),
				zap.String("order_id", id),
				zap.Error(gerr))
			continue
		}
		statuses[id] = binanceStatus(order.Status)
	}
	return statuses, nil
}

func binanceStatus(s futures.OrderStatusType) domain.Status {
	switch s {
	case futures.OrderStatusTypeFilled:
		return domain.StatusDone
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return domain.StatusCancel
	default: // NEW, PARTIALLY_FILLED
		return domain.StatusWait
	}
}

func (b *BinanceBroker) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	contract, err := b.contract(symbol)
	if err != nil {
		return nil, err
	}

	orders, err := b.client.NewListOpenOrdersService().Symbol(contract).Do(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}
