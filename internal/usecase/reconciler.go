package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

// ReconcilerConfig tunes the loop cadences and safety delays. The cancel
// re-verify delay works around brokers that report a transient false
// "cancel" before settling to "done"; it is a heuristic with no guaranteed
// upper bound, hence configurable.
type ReconcilerConfig struct {
	TickInterval       time.Duration // pause between OPEN ticks
	BuyFlowInterval    time.Duration // full buy-generation cadence
	MarketPollInterval time.Duration // open-probe cadence while CLOSED
	CancelRecheckDelay time.Duration // wait before trusting a "cancel"
	RetryDelay         time.Duration // pause before retrying a failed tick
	SpreadLimitPct     float64       // skip buys when (ask-bid)/mid exceeds this
	ProbeSymbol        string        // symbol used for the market-open probe
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BuyFlowInterval <= 0 {
		c.BuyFlowInterval = time.Minute
	}
	if c.MarketPollInterval <= 0 {
		c.MarketPollInterval = time.Minute
	}
	if c.CancelRecheckDelay <= 0 {
		c.CancelRecheckDelay = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.SpreadLimitPct <= 0 {
		c.SpreadLimitPct = 0.04
	}
}

// Reconciler drives the trading loop: a two-state machine (OPEN/CLOSED) that
// keeps the ledgers, the broker's order book and the live position in
// agreement. All work happens on the calling goroutine; every broker call
// blocks the loop.
type Reconciler struct {
	broker   domain.Broker
	store    domain.LedgerStore
	trades   domain.TradeRepository
	executor *OrderExecutor
	logger   *zap.Logger
	cfg      ReconcilerConfig

	settings    []domain.Setting
	marketCodes map[string]string

	open              bool
	lastBuyFlow       time.Time
	closedCleanupDone bool
}

func NewReconciler(broker domain.Broker, store domain.LedgerStore, trades domain.TradeRepository, executor *OrderExecutor, logger *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		broker:   broker,
		store:    store,
		trades:   trades,
		executor: executor,
		logger:   logger,
		cfg:      cfg,
	}
}

// fatalError wraps failures the loop must not retry: ledger corruption,
// schema errors and hard execution failures. The process exits and external
// supervision restarts it.
type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func markFatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f) || domain.IsInvariant(err)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run executes the loop until ctx is canceled or a fatal error occurs. The
// returned error is nil on cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.reloadSettings(); err != nil {
		return err
	}

	r.open = true
	r.lastBuyFlow = time.Now()
	r.logger.Info("reconciliation loop started",
		zap.String("broker", r.broker.Name()),
		zap.Int("symbols", len(r.settings)))

	for {
		if ctx.Err() != nil {
			return nil
		}

		if r.open {
			if err := r.openTick(ctx); err != nil {
				switch {
				case domain.IsMarketClosed(err):
					r.logger.Info("market closed, suspending trading", zap.Error(err))
					r.open = false
					if !r.closedCleanupDone {
						if cerr := r.closeMarketCleanup(ctx); cerr != nil {
							r.logger.Error("close-side cleanup failed", zap.Error(cerr))
						}
						r.closedCleanupDone = true
					}
				case isFatal(err):
					r.logger.Error("fatal error, terminating", zap.Error(err))
					return err
				default:
					r.logger.Warn("tick failed, retrying", zap.Error(err))
					sleepCtx(ctx, r.cfg.RetryDelay)
				}
			}
			continue
		}

		// CLOSED: probe for reopen.
		openNow, err := r.broker.IsMarketOpen(ctx, r.probeSymbol())
		if err != nil {
			r.logger.Warn("market-open probe failed", zap.Error(err))
			sleepCtx(ctx, r.cfg.MarketPollInterval)
			continue
		}
		if !openNow {
			sleepCtx(ctx, r.cfg.MarketPollInterval)
			continue
		}

		r.logger.Info("market open detected, resuming trading")
		r.open = true
		r.closedCleanupDone = false
		r.lastBuyFlow = time.Now()
		if err := r.reloadSettings(); err != nil {
			return err
		}
		// Fall through with no sleep so the first OPEN tick runs immediately.
	}
}

func (r *Reconciler) probeSymbol() string {
	if r.cfg.ProbeSymbol != "" {
		return r.cfg.ProbeSymbol
	}
	if len(r.settings) > 0 {
		return r.settings[0].Symbol
	}
	return ""
}

func (r *Reconciler) reloadSettings() error {
	settings, err := r.store.LoadSettings()
	if err != nil {
		return markFatal(err)
	}
	codes := make(map[string]string, len(settings))
	for _, s := range settings {
		codes[s.Symbol] = s.MarketCode
	}
	r.settings = settings
	r.marketCodes = codes
	return nil
}

// openTick runs one pass of the OPEN state. Fill detection strictly precedes
// the immediate sell pass; the 60-second buy flow interleaves on the same
// timeline.
func (r *Reconciler) openTick(ctx context.Context) error {
	if err := r.reenterSoldOut(ctx); err != nil {
		return err
	}

	if time.Since(r.lastBuyFlow) >= r.cfg.BuyFlowInterval {
		if err := r.buyFlow(ctx); err != nil {
			return err
		}
		r.lastBuyFlow = time.Now()
	}

	fills, err := r.detectBuyFills(ctx)
	if err != nil {
		return err
	}
	if len(fills) > 0 {
		if err := r.sellFlow(ctx, fillSymbols(fills)); err != nil {
			return err
		}
	}

	if err := r.periodicSellCheck(ctx); err != nil {
		return err
	}

	if err := r.cancelOrphanOrders(ctx); err != nil {
		r.logger.Warn("orphan order cleanup failed", zap.Error(err))
	}

	sleepCtx(ctx, r.cfg.TickInterval)
	return nil
}

// reenterSoldOut places a fresh 1-unit initial buy for every configured
// symbol with zero holdings and no pending initial order: the re-entry after
// a full exit.
func (r *Reconciler) reenterSoldOut(ctx context.Context) error {
	holdings, err := r.broker.GetHoldings(ctx)
	if err != nil {
		return err
	}

	intents, err := r.store.LoadBuyIntents()
	if err != nil {
		return markFatal(err)
	}

	changed := false
	for _, setting := range r.settings {
		symbol := setting.Symbol
		if holdings[symbol].Balance > 0 {
			continue
		}

		if hasPendingInitial(intents, symbol) {
			continue
		}

		_, ask, ok := r.tradableQuote(ctx, symbol, setting.MarketCode)
		if !ok {
			continue
		}

		before := len(intents)
		intents, err = GenerateBuyIntents([]domain.Setting{setting}, intents,
			map[string]float64{symbol: ask}, ModeInitialOnly)
		if err != nil {
			return markFatal(err)
		}
		if len(intents) == before {
			continue
		}

		r.logger.Info("sold out, re-entering with initial unit",
			zap.String("symbol", symbol), zap.Float64("price", ask))

		if err := r.executor.ExecuteBuys(ctx, intents[before:], r.marketCodes); err != nil {
			if domain.IsMarketClosed(err) {
				return err
			}
			r.logger.Error("initial re-entry failed", zap.String("symbol", symbol), zap.Error(err))
		}
		changed = true
	}

	if changed {
		if err := r.store.SaveBuyIntents(intents); err != nil {
			return markFatal(err)
		}
	}
	return nil
}

func hasPendingInitial(intents []*domain.BuyIntent, symbol string) bool {
	for _, it := range intents {
		if it.Symbol == symbol && it.Tier == domain.TierInitial &&
			it.OrderID != "" && it.Status.Pending() {
			return true
		}
	}
	return false
}

// buyFlow is the periodic full pass: reload settings, collect prices,
// regenerate the ladder and execute every row flagged for action.
func (r *Reconciler) buyFlow(ctx context.Context) error {
	if err := r.reloadSettings(); err != nil {
		return err
	}

	prices := make(map[string]float64)
	var priced []domain.Setting
	for _, setting := range r.settings {
		bid, _, ok := r.tradableQuote(ctx, setting.Symbol, setting.MarketCode)
		if !ok {
			continue
		}
		prices[setting.Symbol] = bid
		priced = append(priced, setting)
	}
	if len(prices) == 0 {
		r.logger.Info("no tradable quotes, skipping buy flow")
		return nil
	}

	intents, err := r.store.LoadBuyIntents()
	if err != nil {
		return markFatal(err)
	}

	intents, err = GenerateBuyIntents(priced, intents, prices, ModeNormal)
	if err != nil {
		return markFatal(err)
	}

	execErr := r.executor.ExecuteBuys(ctx, intents, r.marketCodes)

	// Persist regardless: rows the executor did reach carry fresh order ids.
	if err := r.store.SaveBuyIntents(intents); err != nil {
		return markFatal(err)
	}

	if execErr != nil {
		if domain.IsMarketClosed(execErr) {
			return execErr
		}
		return markFatal(execErr)
	}
	return nil
}

// tradableQuote fetches bid and ask and applies the spread guard: a spread
// wider than the limit means a thin or distorted book and buys are held off
// until it normalizes.
func (r *Reconciler) tradableQuote(ctx context.Context, symbol, marketCode string) (bid, ask float64, ok bool) {
	bid, err := r.broker.GetBidPrice(ctx, symbol, marketCode)
	if err != nil {
		r.logger.Warn("bid quote failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, 0, false
	}
	ask, err = r.broker.GetAskPrice(ctx, symbol, marketCode)
	if err != nil {
		r.logger.Warn("ask quote failed", zap.String("symbol", symbol), zap.Error(err))
		return 0, 0, false
	}

	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0, 0, false
	}
	spread := (ask - bid) / mid
	if spread >= r.cfg.SpreadLimitPct {
		r.logger.Info("spread too wide, holding off buys",
			zap.String("symbol", symbol),
			zap.Float64("bid", bid),
			zap.Float64("ask", ask),
			zap.Float64("spread_pct", spread))
		return 0, 0, false
	}
	return bid, ask, true
}

// fillEvent describes one buy order that transitioned to done.
type fillEvent struct {
	Symbol  string
	OrderID string
	Tier    domain.Tier
	Price   float64
}

func fillSymbols(fills []fillEvent) map[string]bool {
	out := make(map[string]bool, len(fills))
	for _, f := range fills {
		out[f.Symbol] = true
	}
	return out
}

// detectBuyFills polls the status of every pending buy order and applies
// transitions. A first-seen "cancel" is re-verified once after a short delay
// before being trusted; ids missing from a response are left untouched so a
// partial or rate-limited response never deletes a live order.
func (r *Reconciler) detectBuyFills(ctx context.Context) ([]fillEvent, error) {
	intents, err := r.store.LoadBuyIntents()
	if err != nil {
		return nil, markFatal(err)
	}

	pendingBySymbol := make(map[string][]*domain.BuyIntent)
	for _, it := range intents {
		if it.OrderID != "" && it.Status.Pending() {
			pendingBySymbol[it.Symbol] = append(pendingBySymbol[it.Symbol], it)
		}
	}
	if len(pendingBySymbol) == 0 {
		return nil, nil
	}

	var fills []fillEvent
	changed := false

	for symbol, rows := range pendingBySymbol {
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.OrderID)
		}

		statuses, err := r.broker.GetOrderStatuses(ctx, ids, symbol)
		if err != nil {
			r.logger.Warn("order status query failed",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		for _, row := range rows {
			state, ok := statuses[row.OrderID]
			if !ok {
				continue
			}

			switch state {
			case domain.StatusDone:
				r.markBuyFilled(ctx, row, &fills)
				changed = true

			case domain.StatusCancel:
				// Some brokers report a transient cancel before settling to
				// done. Wait, ask again, and only persist what the re-check
				// confirms.
				sleepCtx(ctx, r.cfg.CancelRecheckDelay)
				recheck, rerr := r.broker.GetOrderStatuses(ctx, []string{row.OrderID}, symbol)
				if rerr != nil {
					r.logger.Warn("cancel re-verify failed",
						zap.String("symbol", symbol),
						zap.String("order_id", row.OrderID),
						zap.Error(rerr))
					row.Status = domain.StatusCancel
					changed = true
					continue
				}
				if recheck[row.OrderID] == domain.StatusDone {
					r.logger.Info("false cancel resolved to fill",
						zap.String("symbol", symbol),
						zap.String("order_id", row.OrderID))
					r.markBuyFilled(ctx, row, &fills)
				} else {
					row.Status = domain.StatusCancel
				}
				changed = true
			}
			// "wait" and ids absent from the response: leave untouched.
		}
	}

	if changed {
		if err := r.store.SaveBuyIntents(intents); err != nil {
			return nil, markFatal(err)
		}
	}
	return fills, nil
}

func (r *Reconciler) markBuyFilled(ctx context.Context, row *domain.BuyIntent, fills *[]fillEvent) {
	row.Status = domain.StatusDone
	r.logger.Info("buy order filled",
		zap.String("symbol", row.Symbol),
		zap.String("tier", string(row.Tier)),
		zap.String("order_id", row.OrderID),
		zap.Float64("price", row.TargetPrice))

	*fills = append(*fills, fillEvent{
		Symbol:  row.Symbol,
		OrderID: row.OrderID,
		Tier:    row.Tier,
		Price:   row.TargetPrice,
	})

	if r.trades != nil {
		fill := &domain.Fill{
			Symbol:   row.Symbol,
			OrderID:  row.OrderID,
			Tier:     row.Tier,
			Price:    row.TargetPrice,
			Notional: row.Notional,
			Units:    row.Units,
			FilledAt: time.Now(),
		}
		if err := r.trades.SaveFill(ctx, fill); err != nil {
			r.logger.Warn("fill history write failed", zap.Error(err))
		}
	}
}

// holdingsForSell returns long positions with a positive balance plus their
// current ask prices, restricted to configured symbols.
func (r *Reconciler) holdingsForSell(ctx context.Context) (map[string]domain.Holding, map[string]float64, error) {
	all, err := r.broker.GetHoldings(ctx)
	if err != nil {
		return nil, nil, err
	}

	holdings := make(map[string]domain.Holding)
	prices := make(map[string]float64)
	for _, setting := range r.settings {
		h, ok := all[setting.Symbol]
		if !ok || h.Balance <= 0 || (h.Side != "" && h.Side != domain.PositionLong) {
			continue
		}
		price, perr := r.broker.GetAskPrice(ctx, setting.Symbol, setting.MarketCode)
		if perr != nil {
			r.logger.Warn("ask quote failed for held symbol",
				zap.String("symbol", setting.Symbol), zap.Error(perr))
			continue
		}
		holdings[setting.Symbol] = h
		prices[setting.Symbol] = price
	}
	return holdings, prices, nil
}

// sellFlow regenerates and executes the sell side. When restrict is non-nil
// only the named symbols are touched — used by the immediate post-fill pass
// so a fill never waits for the periodic check.
func (r *Reconciler) sellFlow(ctx context.Context, restrict map[string]bool) error {
	sells, err := r.reconcileSellStatuses(ctx)
	if err != nil {
		return err
	}

	holdings, prices, err := r.holdingsForSell(ctx)
	if err != nil {
		return err
	}

	if restrict != nil {
		for symbol := range holdings {
			if !restrict[symbol] {
				delete(holdings, symbol)
				delete(prices, symbol)
			}
		}
	}
	if len(holdings) == 0 {
		return nil
	}

	sells = GenerateSellIntents(r.settings, holdings, prices, sells)

	execErr := r.executor.ExecuteSells(ctx, sells, holdings, r.marketCodes)

	if err := r.store.SaveSellIntents(sells); err != nil {
		return markFatal(err)
	}

	if execErr != nil {
		if domain.IsMarketClosed(execErr) {
			return execErr
		}
		return markFatal(execErr)
	}
	return nil
}

// periodicSellCheck reconciles resolved sell orders, purges fully exited
// symbols and ensures every held symbol carries an active take-profit order.
func (r *Reconciler) periodicSellCheck(ctx context.Context) error {
	return r.sellFlow(ctx, nil)
}
