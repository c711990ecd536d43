package usecase

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/vitos/flowtrade/internal/domain"
)

// OrderExecutor turns intent rows flagged "update" into broker orders and
// writes the resulting order id/status back into the rows. It classifies
// broker failures per row: a closed market aborts the pass immediately, any
// other failure is recorded and the remaining rows are still processed.
type OrderExecutor struct {
	broker domain.Broker
	logger *zap.Logger
}

func NewOrderExecutor(broker domain.Broker, logger *zap.Logger) *OrderExecutor {
	return &OrderExecutor{broker: broker, logger: logger}
}

// ExecuteBuys submits or amends every buy row with status "update".
// marketCodes maps symbol to the venue code from the setting table. Returns
// an aggregate error if any row failed; the caller decides whether that is
// fatal.
func (e *OrderExecutor) ExecuteBuys(ctx context.Context, intents []*domain.BuyIntent, marketCodes map[string]string) error {
	failed := 0

	for _, row := range intents {
		if row.Status != domain.StatusUpdate {
			continue
		}

		qty := math.Floor(row.Notional / row.TargetPrice)
		if qty <= 0 {
			e.logger.Warn("buy notional too small for one unit, skipping",
				zap.String("symbol", row.Symbol),
				zap.String("tier", string(row.Tier)),
				zap.Float64("price", row.TargetPrice),
				zap.Float64("notional", row.Notional))
			continue
		}

		var err error
		if row.OrderID != "" {
			err = e.amendBuy(ctx, row, qty)
		} else {
			err = e.submitBuy(ctx, row, marketCodes[row.Symbol], qty)
		}

		if err != nil {
			if domain.IsMarketClosed(err) {
				return err
			}
			e.logger.Error("buy order failed",
				zap.String("symbol", row.Symbol),
				zap.String("tier", string(row.Tier)),
				zap.Error(err))
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d buy orders failed", failed)
	}
	return nil
}

func (e *OrderExecutor) amendBuy(ctx context.Context, row *domain.BuyIntent, qty float64) error {
	e.logger.Info("amending buy order",
		zap.String("symbol", row.Symbol),
		zap.String("tier", string(row.Tier)),
		zap.String("order_id", row.OrderID),
		zap.Float64("price", row.TargetPrice),
		zap.Float64("qty", qty))

	newID, err := e.broker.AmendOrder(ctx, row.OrderID, row.Symbol, row.TargetPrice, qty, domain.SideBuy)
	if err != nil {
		return err
	}
	if newID == "" {
		return fmt.Errorf("amend buy for %s returned no order id", row.Symbol)
	}
	row.OrderID = newID
	row.Status = domain.StatusWait
	return nil
}

func (e *OrderExecutor) submitBuy(ctx context.Context, row *domain.BuyIntent, marketCode string, qty float64) error {
	req := domain.OrderRequest{
		Symbol:     row.Symbol,
		MarketCode: marketCode,
		Side:       domain.SideBuy,
		Type:       domain.OrderLimit,
		Price:      row.TargetPrice,
		Quantity:   qty,
	}

	var id string
	var err error

	if row.Tier == domain.TierInitial {
		// Initial entries chase the market. Try a market order first; pre and
		// post-market sessions refuse those, so fall back to a limit at the
		// target price.
		req.Type = domain.OrderMarket
		id, err = e.broker.SubmitOrder(ctx, req)
		if err != nil {
			if domain.IsMarketClosed(err) {
				return err
			}
			e.logger.Warn("market order refused, retrying as limit",
				zap.String("symbol", row.Symbol), zap.Error(err))
			req.Type = domain.OrderLimit
			id, err = e.broker.SubmitOrder(ctx, req)
		}
	} else {
		id, err = e.broker.SubmitOrder(ctx, req)
	}

	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("buy order for %s returned no order id", row.Symbol)
	}

	e.logger.Info("buy order placed",
		zap.String("symbol", row.Symbol),
		zap.String("tier", string(row.Tier)),
		zap.String("order_id", id),
		zap.Float64("price", row.TargetPrice),
		zap.Float64("qty", qty))

	row.OrderID = id
	row.Status = domain.StatusWait
	return nil
}

// ExecuteSells submits or amends every sell row with status "update". The
// sellable quantity comes from the live holdings, floored to whole units; a
// zero balance marks the row done. Rows whose symbol is absent from the
// holdings snapshot are skipped entirely: restricted passes and quote
// failures hand in partial snapshots, and absence there says nothing about
// the position. An amend the broker refuses falls back to
// cancel-plus-fresh-order.
func (e *OrderExecutor) ExecuteSells(ctx context.Context, sells []*domain.SellIntent, holdings map[string]domain.Holding, marketCodes map[string]string) error {
	failed := 0

	for _, row := range sells {
		if row.Status != domain.StatusUpdate {
			continue
		}

		holding, ok := holdings[row.Symbol]
		if !ok {
			continue
		}

		qty := math.Floor(holding.Balance)
		if qty <= 0 {
			e.logger.Info("nothing to sell, marking row done",
				zap.String("symbol", row.Symbol))
			row.Status = domain.StatusDone
			continue
		}

		var err error
		if row.OrderID != "" {
			err = e.amendSell(ctx, row, marketCodes[row.Symbol], qty)
		} else {
			err = e.submitSell(ctx, row, marketCodes[row.Symbol], qty)
		}

		if err != nil {
			if domain.IsMarketClosed(err) {
				return err
			}
			e.logger.Error("sell order failed",
				zap.String("symbol", row.Symbol),
				zap.Error(err))
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d sell orders failed", failed)
	}
	return nil
}

func (e *OrderExecutor) amendSell(ctx context.Context, row *domain.SellIntent, marketCode string, qty float64) error {
	e.logger.Info("amending sell order",
		zap.String("symbol", row.Symbol),
		zap.String("order_id", row.OrderID),
		zap.Float64("price", row.TargetPrice),
		zap.Float64("qty", qty))

	newID, err := e.broker.AmendOrder(ctx, row.OrderID, row.Symbol, row.TargetPrice, qty, domain.SideSell)
	if err == nil {
		if newID == "" {
			return fmt.Errorf("amend sell for %s returned no order id", row.Symbol)
		}
		row.OrderID = newID
		row.Status = domain.StatusWait
		return nil
	}

	if !domain.IsAmendRejected(err) {
		return err
	}

	// Some brokers refuse to amend certain order states. Cancel what we can
	// and place a brand-new sell instead of retrying the amend.
	e.logger.Warn("amend not permitted, replacing with fresh sell order",
		zap.String("symbol", row.Symbol),
		zap.String("order_id", row.OrderID),
		zap.Error(err))

	if _, cerr := e.broker.CancelOrders(ctx, []string{row.OrderID}, row.Symbol); cerr != nil {
		e.logger.Warn("cancel before replacement sell failed",
			zap.String("symbol", row.Symbol), zap.Error(cerr))
	}
	row.OrderID = ""
	return e.submitSell(ctx, row, marketCode, qty)
}

func (e *OrderExecutor) submitSell(ctx context.Context, row *domain.SellIntent, marketCode string, qty float64) error {
	id, err := e.broker.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:     row.Symbol,
		MarketCode: marketCode,
		Side:       domain.SideSell,
		Type:       domain.OrderLimit,
		Price:      row.TargetPrice,
		Quantity:   qty,
	})
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("sell order for %s returned no order id", row.Symbol)
	}

	e.logger.Info("sell order placed",
		zap.String("symbol", row.Symbol),
		zap.String("order_id", id),
		zap.Float64("price", row.TargetPrice),
		zap.Float64("qty", qty))

	row.OrderID = id
	row.Status = domain.StatusWait
	return nil
}
