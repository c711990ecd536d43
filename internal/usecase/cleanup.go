package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

// reconcileSellStatuses polls pending sell orders, removes resolved rows and
// purges symbols whose position dropped to zero. It persists and returns the
// surviving sell ledger.
func (r *Reconciler) reconcileSellStatuses(ctx context.Context) ([]*domain.SellIntent, error) {
	sells, err := r.store.LoadSellIntents()
	if err != nil {
		return nil, markFatal(err)
	}
	if len(sells) == 0 {
		return sells, nil
	}

	// Candidate symbols for the zero-position purge are captured before
	// resolved rows are dropped: a filled sell is exactly the case where the
	// position may now be zero.
	symbols := make(map[string]bool)
	for _, row := range sells {
		symbols[row.Symbol] = true
	}

	changed := false
	kept := sells[:0]
	for _, row := range sells {
		if row.OrderID == "" || !row.Status.Pending() {
			kept = append(kept, row)
			continue
		}

		statuses, serr := r.broker.GetOrderStatuses(ctx, []string{row.OrderID}, row.Symbol)
		if serr != nil {
			r.logger.Warn("sell status query failed",
				zap.String("symbol", row.Symbol), zap.Error(serr))
			kept = append(kept, row)
			continue
		}

		switch statuses[row.OrderID] {
		case domain.StatusDone:
			r.logger.Info("sell order filled",
				zap.String("symbol", row.Symbol),
				zap.String("order_id", row.OrderID),
				zap.Float64("price", row.TargetPrice),
				zap.Float64("quantity", row.Quantity))
			r.recordRoundTrip(ctx, row)
			changed = true
		case domain.StatusCancel:
			r.logger.Info("sell order canceled, dropping row",
				zap.String("symbol", row.Symbol),
				zap.String("order_id", row.OrderID))
			changed = true
		default:
			kept = append(kept, row)
		}
	}
	sells = kept

	sells, purged, err := r.purgeExitedSymbols(ctx, sells, symbols)
	if err != nil {
		return nil, err
	}

	if changed || purged {
		if err := r.store.SaveSellIntents(sells); err != nil {
			return nil, markFatal(err)
		}
	}
	return sells, nil
}

func (r *Reconciler) recordRoundTrip(ctx context.Context, row *domain.SellIntent) {
	if r.trades == nil {
		return
	}
	trip := &domain.RoundTrip{
		Symbol:      row.Symbol,
		AvgBuyPrice: row.AvgBuyPrice,
		Quantity:    row.Quantity,
		SellPrice:   row.TargetPrice,
		ClosedAt:    time.Now(),
	}
	if err := r.trades.SaveRoundTrip(ctx, trip); err != nil {
		r.logger.Warn("round trip history write failed", zap.Error(err))
	}
}

// purgeExitedSymbols clears all ledger state for the given symbols whose
// position is now zero: pending orders on both sides are canceled and every
// row for the symbol is removed, so the next tick starts the symbol from a
// clean slate.
func (r *Reconciler) purgeExitedSymbols(ctx context.Context, sells []*domain.SellIntent, symbols map[string]bool) ([]*domain.SellIntent, bool, error) {
	if len(symbols) == 0 {
		return sells, false, nil
	}

	holdings, err := r.broker.GetHoldings(ctx)
	if err != nil {
		return sells, false, err
	}

	exited := make(map[string]bool)
	for symbol := range symbols {
		if holdings[symbol].TotalQuantity() <= 0 {
			exited[symbol] = true
		}
	}
	if len(exited) == 0 {
		return sells, false, nil
	}

	intents, err := r.store.LoadBuyIntents()
	if err != nil {
		return nil, false, markFatal(err)
	}

	for symbol := range exited {
		r.logger.Info("position fully exited, purging ledgers", zap.String("symbol", symbol))

		var cancel []string
		for _, it := range intents {
			if it.Symbol == symbol && it.OrderID != "" && it.Status.Pending() {
				cancel = append(cancel, it.OrderID)
			}
		}
		for _, row := range sells {
			if row.Symbol == symbol && row.OrderID != "" && row.Status.Pending() {
				cancel = append(cancel, row.OrderID)
			}
		}
		if len(cancel) > 0 {
			res, cerr := r.broker.CancelOrders(ctx, cancel, symbol)
			if cerr != nil {
				r.logger.Warn("purge cancel failed", zap.String("symbol", symbol), zap.Error(cerr))
			} else if len(res.Failed) > 0 {
				r.logger.Warn("purge cancel partially failed",
					zap.String("symbol", symbol),
					zap.Strings("failed", res.Failed))
			}
		}

		intents = dropBuySymbol(intents, symbol)
		sells = dropSellSymbol(sells, symbol)
	}

	if err := r.store.SaveBuyIntents(intents); err != nil {
		return nil, false, markFatal(err)
	}
	return sells, true, nil
}

func dropBuySymbol(intents []*domain.BuyIntent, symbol string) []*domain.BuyIntent {
	kept := intents[:0]
	for _, it := range intents {
		if it.Symbol != symbol {
			kept = append(kept, it)
		}
	}
	return kept
}

func dropSellSymbol(sells []*domain.SellIntent, symbol string) []*domain.SellIntent {
	kept := sells[:0]
	for _, row := range sells {
		if row.Symbol != symbol {
			kept = append(kept, row)
		}
	}
	return kept
}

// cancelOrphanOrders cancels open orders at the broker that neither ledger
// tracks. Orphans appear after a crash between order submission and the
// ledger write, or from manual trading on the same account.
func (r *Reconciler) cancelOrphanOrders(ctx context.Context) error {
	intents, err := r.store.LoadBuyIntents()
	if err != nil {
		return markFatal(err)
	}
	sells, err := r.store.LoadSellIntents()
	if err != nil {
		return markFatal(err)
	}

	tracked := make(map[string]bool)
	for _, it := range intents {
		if it.OrderID != "" {
			tracked[it.OrderID] = true
		}
	}
	for _, row := range sells {
		if row.OrderID != "" {
			tracked[row.OrderID] = true
		}
	}

	for _, setting := range r.settings {
		open, oerr := r.broker.OpenOrderIDs(ctx, setting.Symbol)
		if oerr != nil {
			r.logger.Warn("open order listing failed",
				zap.String("symbol", setting.Symbol), zap.Error(oerr))
			continue
		}

		var orphans []string
		for _, id := range open {
			if !tracked[id] {
				orphans = append(orphans, id)
			}
		}
		if len(orphans) == 0 {
			continue
		}

		r.logger.Info("canceling untracked orders",
			zap.String("symbol", setting.Symbol),
			zap.Strings("order_ids", orphans))
		res, cerr := r.broker.CancelOrders(ctx, orphans, setting.Symbol)
		if cerr != nil {
			r.logger.Warn("orphan cancel failed",
				zap.String("symbol", setting.Symbol), zap.Error(cerr))
			continue
		}
		if len(res.Failed) > 0 {
			r.logger.Warn("orphan cancel partially failed",
				zap.String("symbol", setting.Symbol),
				zap.Strings("failed", res.Failed))
		}
	}
	return nil
}

// closeMarketCleanup runs once on the OPEN to CLOSED transition. Held symbols
// keep their initial row untouched while flow rows lose their order id and
// status, so the next session regenerates the ladder from current prices.
// Rows for symbols no longer held are removed entirely.
func (r *Reconciler) closeMarketCleanup(ctx context.Context) error {
	holdings, err := r.broker.GetHoldings(ctx)
	if err != nil {
		return err
	}

	intents, err := r.store.LoadBuyIntents()
	if err != nil {
		return markFatal(err)
	}

	kept := intents[:0]
	for _, it := range intents {
		if holdings[it.Symbol].TotalQuantity() <= 0 {
			continue
		}
		if it.Tier.IsFlow() {
			it.OrderID = ""
			it.Status = domain.StatusNone
		}
		kept = append(kept, it)
	}

	if err := r.store.SaveBuyIntents(kept); err != nil {
		return markFatal(err)
	}
	r.logger.Info("close-side cleanup complete", zap.Int("rows_kept", len(kept)))
	return nil
}
