package domain

// Setting holds the per-symbol strategy parameters, loaded once per session
// from the setting table. Symbol is unique within the table.
type Setting struct {
	Symbol         string
	UnitSize       float64 // base order notional for one unit
	SmallFlowPct   float64
	SmallFlowUnits float64
	LargeFlowPct   float64
	LargeFlowUnits float64
	TakeProfitPct  float64
	Leverage       int
	MarketCode     string // exchange/venue code passed through to the broker
}

// TierPct returns the drawdown percentage configured for the given flow tier.
func (s Setting) TierPct(tier Tier) float64 {
	if tier == TierLargeFlow {
		return s.LargeFlowPct
	}
	return s.SmallFlowPct
}

// SettingsBySymbol indexes a setting slice by symbol.
func SettingsBySymbol(settings []Setting) map[string]Setting {
	out := make(map[string]Setting, len(settings))
	for _, s := range settings {
		out[s.Symbol] = s
	}
	return out
}
