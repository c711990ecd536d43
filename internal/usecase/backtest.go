package usecase

import (
	"time"

	"github.com/vitos/flowtrade/internal/domain"
)

// Candle is one OHLC bar of the replayed series.
type Candle struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// BacktestConfig sets the cash and fee model of a replay.
type BacktestConfig struct {
	InitialCash float64
	BuyFeePct   float64
	SellFeePct  float64
}

// BacktestRow is the per-candle equity snapshot written to the result log.
type BacktestRow struct {
	Time           time.Time
	Open           float64
	High           float64
	Close          float64
	Signal         string
	TradeAmount    float64
	AvgPrice       float64
	GapPct         float64
	TotalBuy       float64
	RealizedPnL    float64
	Cash           float64
	TradeFee       float64
	CumulativeFee  float64
	PortfolioValue float64
}

// RunBacktest replays the strategy over historical candles for one symbol.
// The same intent generators that drive live trading produce the orders; the
// replay only simulates the fills: a buy fills when the candle closes at or
// below its target (the initial tier fills unconditionally), the sell fills
// when the close reaches the take-profit target, and a completed exit wipes
// the symbol's ladder exactly as the live purge does.
func RunBacktest(setting domain.Setting, candles []Candle, cfg BacktestConfig) ([]BacktestRow, error) {
	symbol := setting.Symbol

	cash := cfg.InitialCash
	var held float64
	var intents []*domain.BuyIntent
	var sells []*domain.SellIntent

	var (
		realizedPnL     float64
		totalBuyAmount  float64
		totalBuyVolume  float64
		cumulativeFee   float64
		lastTradeFee    float64
		lastTradeAmount float64
	)

	rows := make([]BacktestRow, 0, len(candles))

	for _, candle := range candles {
		price := candle.Close
		var signals []string

		var err error
		intents, err = GenerateBuyIntents([]domain.Setting{setting},
			intents, map[string]float64{symbol: price}, ModeNormal)
		if err != nil {
			return nil, err
		}

		for _, it := range intents {
			if it.Symbol != symbol {
				continue
			}
			if it.Status != domain.StatusUpdate && it.Status != domain.StatusWait {
				continue
			}

			fillable := it.Tier == domain.TierInitial || price <= it.TargetPrice
			if !fillable || cash < it.Notional {
				it.Status = domain.StatusWait
				continue
			}

			fee := it.Notional * cfg.BuyFeePct
			volume := (it.Notional - fee) / it.TargetPrice
			cash -= it.Notional
			cumulativeFee += fee
			totalBuyAmount += it.Notional
			totalBuyVolume += volume
			held += volume
			it.Status = domain.StatusDone
			lastTradeAmount = it.Notional
			lastTradeFee = fee
			signals = append(signals, string(it.Tier)+" buy")
		}

		if held > 0 {
			avg := totalBuyAmount / totalBuyVolume
			holdings := map[string]domain.Holding{
				symbol: {Balance: held, AvgBuyPrice: avg, Side: domain.PositionLong},
			}
			sells = GenerateSellIntents([]domain.Setting{setting}, holdings,
				map[string]float64{symbol: price}, sells)

			for _, row := range sells {
				if row.Symbol != symbol || row.Status != domain.StatusUpdate {
					continue
				}
				if price < row.TargetPrice {
					continue
				}

				volume := row.Quantity
				fee := volume * price * cfg.SellFeePct
				proceeds := volume*price - fee
				pnl := (price - avg) * volume

				cash += proceeds
				cumulativeFee += fee
				realizedPnL += pnl - fee
				held = 0
				row.Status = domain.StatusDone
				intents = dropBuySymbol(intents, symbol)
				totalBuyAmount = 0
				totalBuyVolume = 0
				lastTradeAmount = proceeds
				lastTradeFee = fee
				signals = append(signals, "sell")
			}
		}

		var avg, gapPct float64
		if totalBuyVolume > 0 {
			avg = totalBuyAmount / totalBuyVolume
			gapPct = round2((price - avg) / avg * 100)
		}

		signal := "hold"
		if len(signals) > 0 {
			signal = joinSignals(signals)
		}

		rows = append(rows, BacktestRow{
			Time:           candle.Time,
			Open:           candle.Open,
			High:           candle.High,
			Close:          price,
			Signal:         signal,
			TradeAmount:    round2(lastTradeAmount),
			AvgPrice:       round2(avg),
			GapPct:         gapPct,
			TotalBuy:       round2(totalBuyAmount),
			RealizedPnL:    round2(realizedPnL),
			Cash:           round2(cash),
			TradeFee:       round2(lastTradeFee),
			CumulativeFee:  round2(cumulativeFee),
			PortfolioValue: round2(cash + held*price),
		})
	}

	return rows, nil
}

func joinSignals(signals []string) string {
	out := signals[0]
	for _, s := range signals[1:] {
		out += " / " + s
	}
	return out
}
