package domain

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	PositionLong  = "LONG"
	PositionShort = "SHORT"
)

// Holding is a live position snapshot for one symbol, refreshed from the
// broker on demand. It is the sole source of truth for whether a position is
// currently held.
type Holding struct {
	Balance          float64
	Locked           float64 // quantity reserved by open sell orders
	AvgBuyPrice      float64
	Side             string
	Leverage         int
	LiquidationPrice float64
}

// TotalQuantity is the full position size including quantity locked by open
// orders.
func (h Holding) TotalQuantity() float64 {
	return h.Balance + h.Locked
}
