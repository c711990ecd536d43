package usecase

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vitos/flowtrade/internal/domain"
)

// Mode selects which part of the ladder GenerateBuyIntents maintains.
type Mode string

const (
	// ModeNormal maintains the small_flow/large_flow ladder.
	ModeNormal Mode = "normal"
	// ModeInitialOnly emits a single 1-unit initial entry and nothing else.
	// Used exclusively for re-entry after a full exit.
	ModeInitialOnly Mode = "initial_only"
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// GenerateBuyIntents computes the next desired state of the buy ledger from
// settings, the existing rows and current prices. It performs no I/O: rows
// are mutated in place and newly created rows are appended. Symbols without
// a price in prices are skipped.
func GenerateBuyIntents(settings []domain.Setting, intents []*domain.BuyIntent, prices map[string]float64, mode Mode) ([]*domain.BuyIntent, error) {
	for _, setting := range settings {
		symbol := setting.Symbol

		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}

		var flows []*domain.BuyIntent
		hasInitial := false
		for _, it := range intents {
			if it.Symbol != symbol {
				continue
			}
			if it.Tier == domain.TierInitial {
				hasInitial = true
			} else if it.Tier.IsFlow() {
				flows = append(flows, it)
			}
		}

		if mode == ModeInitialOnly {
			if hasInitial {
				continue
			}
			intents = append(intents, &domain.BuyIntent{
				Time:        time.Now(),
				Symbol:      symbol,
				TargetPrice: price,
				Notional:    setting.UnitSize,
				Units:       1,
				Tier:        domain.TierInitial,
				Status:      domain.StatusUpdate,
			})
			continue
		}

		if len(flows) == 0 {
			intents = append(intents,
				&domain.BuyIntent{
					Time:        time.Now(),
					Symbol:      symbol,
					TargetPrice: round2(price * (1 - setting.SmallFlowPct)),
					Notional:    setting.UnitSize * setting.SmallFlowUnits,
					Units:       setting.SmallFlowUnits,
					Tier:        domain.TierSmallFlow,
					Status:      domain.StatusUpdate,
				},
				&domain.BuyIntent{
					Time:        time.Now(),
					Symbol:      symbol,
					TargetPrice: round2(price * (1 - setting.LargeFlowPct)),
					Notional:    setting.UnitSize * setting.LargeFlowUnits,
					Units:       setting.LargeFlowUnits,
					Tier:        domain.TierLargeFlow,
					Status:      domain.StatusUpdate,
				},
			)
			continue
		}

		// Branch on a snapshot of each row taken before the pass: a
		// crash-through collapse rewrites sibling rows mid-pass, and those
		// must still be dispatched on their pre-pass state.
		type snapshot struct {
			status  domain.Status
			orderID string
			target  float64
		}
		snaps := make([]snapshot, len(flows))
		for i, f := range flows {
			snaps[i] = snapshot{status: f.Status, orderID: f.OrderID, target: f.TargetPrice}
		}

		for i, row := range flows {
			if err := validateFlowRow(row); err != nil {
				return intents, err
			}

			snap := snaps[i]
			pct := setting.TierPct(row.Tier)

			switch {
			case snap.orderID == "" && snap.status == domain.StatusNone:
				// Post-reopen reset: the row survived a market close with its
				// order id cleared. Re-anchor lower if price fell while
				// closed, otherwise resubmit at the stored target.
				if price < snap.target {
					row.TargetPrice = round2(price * (1 - pct))
				}
				row.Status = domain.StatusUpdate

			case snap.status == domain.StatusWait:
				// The order sits on the book. If price has risen meaningfully
				// since placement, re-center the ladder around recent price
				// action instead of chasing a stale low.
				base := snap.target / (1 - pct)
				riseTrigger := base * (1 + pct/2)
				if price > riseTrigger {
					row.TargetPrice = round2(riseTrigger * (1 - pct))
					row.Status = domain.StatusUpdate
				}

			case snap.status == domain.StatusDone:
				row.OrderID = ""
				next := round2(snap.target * (1 - pct))
				if price >= next {
					// Normal one-step walk-down.
					row.TargetPrice = next
					row.Status = domain.StatusUpdate
				} else {
					// Crash-through: price fell past the entire next tier.
					// Collapse the ladder and re-anchor both flow rows at the
					// current price.
					for _, f := range flows {
						f.TargetPrice = round2(price * (1 - setting.TierPct(f.Tier)))
						f.OrderID = ""
						f.Status = domain.StatusUpdate
					}
				}

			case snap.status == domain.StatusNone:
				// Manually inserted row (order id present, status unset).
				// Required fields were validated above; left untouched.

			default:
				return intents, &domain.InvariantError{
					Symbol: symbol,
					Tier:   row.Tier,
					Reason: fmt.Sprintf("unexpected status %q", snap.status),
				}
			}
		}
	}

	return intents, nil
}

func validateFlowRow(row *domain.BuyIntent) error {
	var missing []string
	if row.TargetPrice <= 0 {
		missing = append(missing, "target_price")
	}
	if row.Notional <= 0 {
		missing = append(missing, "order_notional")
	}
	if row.Units <= 0 {
		missing = append(missing, "units")
	}
	if len(missing) > 0 {
		return &domain.InvariantError{
			Symbol: row.Symbol,
			Tier:   row.Tier,
			Reason: "missing required fields: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// GenerateSellIntents computes the desired sell ledger from live holdings.
// The target is avg_buy_price*(1+take_profit_pct), ratcheted up to the
// current price when the market already trades above it — a sell is never
// placed below a price the market has exceeded. Unchanged rows are left
// byte-identical so repeated calls cause no churn.
func GenerateSellIntents(settings []domain.Setting, holdings map[string]domain.Holding, prices map[string]float64, sells []*domain.SellIntent) []*domain.SellIntent {
	for _, setting := range settings {
		symbol := setting.Symbol

		h, held := holdings[symbol]
		if !held {
			continue
		}

		avg := round8(h.AvgBuyPrice)
		qty := round8(h.TotalQuantity())
		if qty <= 0 {
			continue
		}

		target := round2(avg * (1 + setting.TakeProfitPct))
		if price, ok := prices[symbol]; ok && price > target {
			// Gap-up ratchet.
			target = round2(price)
		}

		var existing *domain.SellIntent
		for _, s := range sells {
			if s.Symbol == symbol {
				existing = s
				break
			}
		}

		if existing == nil {
			sells = append(sells, &domain.SellIntent{
				Symbol:      symbol,
				AvgBuyPrice: avg,
				Quantity:    qty,
				TargetPrice: target,
				Status:      domain.StatusUpdate,
			})
			continue
		}

		same := round8(existing.AvgBuyPrice) == avg &&
			round8(existing.Quantity) == qty &&
			round2(existing.TargetPrice) == target
		if same {
			continue
		}

		// Overwrite, preserving the order id so the executor amends instead
		// of stacking a second order.
		existing.AvgBuyPrice = avg
		existing.Quantity = qty
		existing.TargetPrice = target
		existing.Status = domain.StatusUpdate
	}

	return sells
}
