package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

// stubBroker answers from scripted fields and records cancels.
type stubBroker struct {
	holdings map[string]domain.Holding
	statuses []map[string]domain.Status // one element per GetOrderStatuses call, last reused
	openIDs  map[string][]string
	bid, ask float64

	statusCalls int
	canceled    [][]string
	submitted   []domain.OrderRequest
}

func (s *stubBroker) Name() string { return "stub" }

func (s *stubBroker) GetHoldings(ctx context.Context) (map[string]domain.Holding, error) {
	return s.holdings, nil
}

func (s *stubBroker) GetAskPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	return s.ask, nil
}

func (s *stubBroker) GetBidPrice(ctx context.Context, symbol, marketCode string) (float64, error) {
	return s.bid, nil
}

func (s *stubBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	s.submitted = append(s.submitted, req)
	return "stub-order", nil
}

func (s *stubBroker) CancelOrders(ctx context.Context, orderIDs []string, symbol string) (domain.CancelResult, error) {
	s.canceled = append(s.canceled, orderIDs)
	return domain.CancelResult{Succeeded: orderIDs}, nil
}

func (s *stubBroker) AmendOrder(ctx context.Context, prevOrderID, symbol string, price, quantity float64, side domain.Side) (string, error) {
	return "stub-amended", nil
}

func (s *stubBroker) GetOrderStatuses(ctx context.Context, orderIDs []string, symbol string) (map[string]domain.Status, error) {
	call := s.statusCalls
	s.statusCalls++
	if len(s.statuses) == 0 {
		return map[string]domain.Status{}, nil
	}
	if call >= len(s.statuses) {
		call = len(s.statuses) - 1
	}
	return s.statuses[call], nil
}

func (s *stubBroker) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	return s.openIDs[symbol], nil
}

func (s *stubBroker) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	return true, nil
}

// memStore keeps the three tables in memory and counts saves.
type memStore struct {
	settings []domain.Setting
	buys     []*domain.BuyIntent
	sells    []*domain.SellIntent

	buySaves  int
	sellSaves int
}

func (m *memStore) LoadSettings() ([]domain.Setting, error)        { return m.settings, nil }
func (m *memStore) LoadBuyIntents() ([]*domain.BuyIntent, error)   { return m.buys, nil }
func (m *memStore) LoadSellIntents() ([]*domain.SellIntent, error) { return m.sells, nil }

func (m *memStore) SaveBuyIntents(intents []*domain.BuyIntent) error {
	m.buys = intents
	m.buySaves++
	return nil
}

func (m *memStore) SaveSellIntents(sells []*domain.SellIntent) error {
	m.sells = sells
	m.sellSaves++
	return nil
}

type memTrades struct {
	fills []*domain.Fill
	trips []*domain.RoundTrip
}

func (m *memTrades) SaveFill(ctx context.Context, fill *domain.Fill) error {
	m.fills = append(m.fills, fill)
	return nil
}

func (m *memTrades) SaveRoundTrip(ctx context.Context, trip *domain.RoundTrip) error {
	m.trips = append(m.trips, trip)
	return nil
}

func (m *memTrades) ListFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	return m.fills, nil
}

func (m *memTrades) ListRoundTrips(ctx context.Context, limit int) ([]*domain.RoundTrip, error) {
	return m.trips, nil
}

func newTestReconciler(broker domain.Broker, store *memStore, trades *memTrades) *Reconciler {
	logger := zap.NewNop()
	r := NewReconciler(broker, store, trades, NewOrderExecutor(broker, logger), logger, ReconcilerConfig{
		CancelRecheckDelay: time.Millisecond,
	})
	r.settings = store.settings
	codes := make(map[string]string)
	for _, s := range store.settings {
		codes[s.Symbol] = s.MarketCode
	}
	r.marketCodes = codes
	return r
}

func pendingBuy(symbol, id string) *domain.BuyIntent {
	return &domain.BuyIntent{
		Symbol: symbol, TargetPrice: 100, Notional: 1000, Units: 1,
		Tier: domain.TierSmallFlow, OrderID: id, Status: domain.StatusWait,
	}
}

func TestDetectBuyFillsMarksDone(t *testing.T) {
	row := pendingBuy("TQQQ", "ord-1")
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		buys:     []*domain.BuyIntent{row},
	}
	broker := &stubBroker{
		statuses: []map[string]domain.Status{{"ord-1": domain.StatusDone}},
	}
	trades := &memTrades{}
	r := newTestReconciler(broker, store, trades)

	fills, err := r.detectBuyFills(context.Background())
	require.NoError(t, err)

	require.Len(t, fills, 1)
	assert.Equal(t, "TQQQ", fills[0].Symbol)
	assert.Equal(t, domain.StatusDone, row.Status)
	assert.Equal(t, 1, store.buySaves)

	require.Len(t, trades.fills, 1)
	assert.Equal(t, "ord-1", trades.fills[0].OrderID)
	assert.Equal(t, 100.0, trades.fills[0].Price)
}

func TestDetectBuyFillsFalseCancelResolvesToFill(t *testing.T) {
	row := pendingBuy("TQQQ", "ord-1")
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		buys:     []*domain.BuyIntent{row},
	}
	broker := &stubBroker{
		statuses: []map[string]domain.Status{
			{"ord-1": domain.StatusCancel},
			{"ord-1": domain.StatusDone},
		},
	}
	trades := &memTrades{}
	r := newTestReconciler(broker, store, trades)

	fills, err := r.detectBuyFills(context.Background())
	require.NoError(t, err)

	require.Len(t, fills, 1)
	assert.Equal(t, domain.StatusDone, row.Status)
	assert.Equal(t, 2, broker.statusCalls, "cancel must be re-verified")
}

func TestDetectBuyFillsConfirmedCancelPersists(t *testing.T) {
	row := pendingBuy("TQQQ", "ord-1")
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		buys:     []*domain.BuyIntent{row},
	}
	broker := &stubBroker{
		statuses: []map[string]domain.Status{
			{"ord-1": domain.StatusCancel},
			{"ord-1": domain.StatusCancel},
		},
	}
	trades := &memTrades{}
	r := newTestReconciler(broker, store, trades)

	fills, err := r.detectBuyFills(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fills)
	assert.Equal(t, domain.StatusCancel, row.Status)
	assert.Empty(t, trades.fills)
}

func TestDetectBuyFillsLeavesMissingIDsUntouched(t *testing.T) {
	row := pendingBuy("TQQQ", "ord-1")
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		buys:     []*domain.BuyIntent{row},
	}
	broker := &stubBroker{
		statuses: []map[string]domain.Status{{}},
	}
	r := newTestReconciler(broker, store, &memTrades{})

	fills, err := r.detectBuyFills(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fills)
	assert.Equal(t, domain.StatusWait, row.Status)
	assert.Equal(t, 0, store.buySaves, "nothing changed, nothing written")
}

func TestReconcileSellStatusesRecordsRoundTripAndPurges(t *testing.T) {
	sell := &domain.SellIntent{
		Symbol: "TQQQ", AvgBuyPrice: 100, Quantity: 10, TargetPrice: 101,
		OrderID: "sell-1", Status: domain.StatusWait,
	}
	buy := pendingBuy("TQQQ", "buy-1")
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		buys:     []*domain.BuyIntent{buy},
		sells:    []*domain.SellIntent{sell},
	}
	// Sell reports done; the position is gone afterwards.
	broker := &stubBroker{
		statuses: []map[string]domain.Status{{"sell-1": domain.StatusDone}},
		holdings: map[string]domain.Holding{},
	}
	trades := &memTrades{}
	r := newTestReconciler(broker, store, trades)

	sells, err := r.reconcileSellStatuses(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sells)
	assert.Empty(t, store.buys, "buy ladder purged with the exit")

	require.Len(t, trades.trips, 1)
	assert.Equal(t, 101.0, trades.trips[0].SellPrice)
	assert.Equal(t, 10.0, trades.trips[0].Quantity)

	// The still-open buy order was canceled during the purge.
	require.Len(t, broker.canceled, 1)
	assert.Equal(t, []string{"buy-1"}, broker.canceled[0])
}

func TestReconcileSellStatusesKeepsRowsWhileHeld(t *testing.T) {
	sell := &domain.SellIntent{
		Symbol: "TQQQ", AvgBuyPrice: 100, Quantity: 10, TargetPrice: 101,
		OrderID: "sell-1", Status: domain.StatusWait,
	}
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		sells:    []*domain.SellIntent{sell},
	}
	broker := &stubBroker{
		statuses: []map[string]domain.Status{{"sell-1": domain.StatusWait}},
		holdings: map[string]domain.Holding{
			"TQQQ": {Balance: 10, AvgBuyPrice: 100, Side: domain.PositionLong},
		},
	}
	r := newTestReconciler(broker, store, &memTrades{})

	sells, err := r.reconcileSellStatuses(context.Background())
	require.NoError(t, err)

	require.Len(t, sells, 1)
	assert.Equal(t, 0, store.sellSaves)
	assert.Empty(t, broker.canceled)
}

func TestSellFlowRestrictedPassLeavesOtherHeldSymbolsAlone(t *testing.T) {
	// SOXL's take-profit row came back from disk in "update" state with no
	// live order. A fill on TQQQ restricts the immediate pass to TQQQ; the
	// SOXL row must survive it untouched and get its order on the next
	// unrestricted pass.
	soxl := &domain.SellIntent{Symbol: "SOXL", AvgBuyPrice: 100, Quantity: 5,
		TargetPrice: 101, Status: domain.StatusUpdate}
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ"), testReconcilerSetting("SOXL")},
		sells:    []*domain.SellIntent{soxl},
	}
	broker := &stubBroker{
		holdings: map[string]domain.Holding{
			"TQQQ": {Balance: 10, AvgBuyPrice: 100, Side: domain.PositionLong},
			"SOXL": {Balance: 5, AvgBuyPrice: 100, Side: domain.PositionLong},
		},
		bid: 99.5,
		ask: 100,
	}
	r := newTestReconciler(broker, store, &memTrades{})

	err := r.sellFlow(context.Background(), map[string]bool{"TQQQ": true})
	require.NoError(t, err)

	require.Len(t, broker.submitted, 1)
	assert.Equal(t, "TQQQ", broker.submitted[0].Symbol)
	assert.Equal(t, domain.StatusUpdate, soxl.Status)
	assert.Empty(t, soxl.OrderID)

	err = r.sellFlow(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, broker.submitted, 2)
	assert.Equal(t, "SOXL", broker.submitted[1].Symbol)
	assert.Equal(t, 5.0, broker.submitted[1].Quantity)
	assert.Equal(t, domain.StatusWait, soxl.Status)
}

func TestCancelOrphanOrders(t *testing.T) {
	buy := pendingBuy("TQQQ", "buy-1")
	sell := &domain.SellIntent{
		Symbol: "TQQQ", OrderID: "sell-1", Status: domain.StatusWait,
		AvgBuyPrice: 100, Quantity: 10, TargetPrice: 101,
	}
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
		buys:     []*domain.BuyIntent{buy},
		sells:    []*domain.SellIntent{sell},
	}
	broker := &stubBroker{
		openIDs: map[string][]string{"TQQQ": {"buy-1", "sell-1", "manual-9"}},
	}
	r := newTestReconciler(broker, store, &memTrades{})

	err := r.cancelOrphanOrders(context.Background())
	require.NoError(t, err)

	require.Len(t, broker.canceled, 1)
	assert.Equal(t, []string{"manual-9"}, broker.canceled[0])
}

func TestCloseMarketCleanup(t *testing.T) {
	held := []*domain.BuyIntent{
		{Symbol: "TQQQ", TargetPrice: 100, Notional: 1000, Units: 1,
			Tier: domain.TierInitial, OrderID: "init-1", Status: domain.StatusDone},
		{Symbol: "TQQQ", TargetPrice: 98, Notional: 1000, Units: 1,
			Tier: domain.TierSmallFlow, OrderID: "ord-1", Status: domain.StatusWait},
	}
	gone := &domain.BuyIntent{Symbol: "SOXL", TargetPrice: 50, Notional: 1000, Units: 1,
		Tier: domain.TierSmallFlow, OrderID: "ord-2", Status: domain.StatusWait}

	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ"), testReconcilerSetting("SOXL")},
		buys:     append(held, gone),
	}
	broker := &stubBroker{
		holdings: map[string]domain.Holding{
			"TQQQ": {Balance: 10, AvgBuyPrice: 100, Side: domain.PositionLong},
		},
	}
	r := newTestReconciler(broker, store, &memTrades{})

	err := r.closeMarketCleanup(context.Background())
	require.NoError(t, err)

	require.Len(t, store.buys, 2, "rows for unheld symbols dropped")

	initial := store.buys[0]
	assert.Equal(t, domain.TierInitial, initial.Tier)
	assert.Equal(t, "init-1", initial.OrderID, "initial row survives untouched")
	assert.Equal(t, domain.StatusDone, initial.Status)

	flow := store.buys[1]
	assert.Empty(t, flow.OrderID, "flow rows reset for the next session")
	assert.Equal(t, domain.StatusNone, flow.Status)
}

func TestReenterSoldOutPlacesInitialOnce(t *testing.T) {
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
	}
	broker := &stubBroker{
		holdings: map[string]domain.Holding{},
		bid:      99.5,
		ask:      100,
	}
	r := newTestReconciler(broker, store, &memTrades{})

	err := r.reenterSoldOut(context.Background())
	require.NoError(t, err)

	require.Len(t, store.buys, 1)
	row := store.buys[0]
	assert.Equal(t, domain.TierInitial, row.Tier)
	assert.Equal(t, 100.0, row.TargetPrice)
	assert.Equal(t, domain.StatusWait, row.Status)
	assert.NotEmpty(t, row.OrderID)
	require.Len(t, broker.submitted, 1)
	assert.Equal(t, domain.OrderMarket, broker.submitted[0].Type)

	// The pending initial suppresses a second entry.
	err = r.reenterSoldOut(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.buys, 1)
	assert.Len(t, broker.submitted, 1)
}

func TestReenterSoldOutSkipsHeldSymbols(t *testing.T) {
	store := &memStore{
		settings: []domain.Setting{testReconcilerSetting("TQQQ")},
	}
	broker := &stubBroker{
		holdings: map[string]domain.Holding{
			"TQQQ": {Balance: 5, AvgBuyPrice: 100, Side: domain.PositionLong},
		},
		bid: 99.5,
		ask: 100,
	}
	r := newTestReconciler(broker, store, &memTrades{})

	err := r.reenterSoldOut(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.buys)
	assert.Empty(t, broker.submitted)
}

func TestTradableQuoteSpreadGuard(t *testing.T) {
	store := &memStore{settings: []domain.Setting{testReconcilerSetting("TQQQ")}}
	broker := &stubBroker{bid: 90, ask: 100}
	r := newTestReconciler(broker, store, &memTrades{})

	_, _, ok := r.tradableQuote(context.Background(), "TQQQ", "FN")
	assert.False(t, ok, "a 10 percent spread blocks buying")

	broker.bid = 99.9
	broker.ask = 100
	bid, ask, ok := r.tradableQuote(context.Background(), "TQQQ", "FN")
	require.True(t, ok)
	assert.Equal(t, 99.9, bid)
	assert.Equal(t, 100.0, ask)
}

func testReconcilerSetting(symbol string) domain.Setting {
	return domain.Setting{
		Symbol:         symbol,
		UnitSize:       1000,
		SmallFlowPct:   0.02,
		SmallFlowUnits: 1,
		LargeFlowPct:   0.05,
		LargeFlowUnits: 3,
		TakeProfitPct:  0.01,
		MarketCode:     "FN",
	}
}
