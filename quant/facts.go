package quant

// Candle represents one daily OHLCV bar
type Candle struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"` // shares
	Amount float64 `json:"amount"` // turnover value, CNY
}

// MarketFacts bundles everything the scoring engine needs about one symbol
// on one trading day. The caller fetches it; this package never does I/O.
// Optional fields are pointers: nil means the provider could not supply the
// figure, which lowers confidence but never fails scoring.
type MarketFacts struct {
	Symbol    string  `json:"symbol"`
	Date      string  `json:"date"` // YYYY-MM-DD
	LastPrice float64 `json:"last_price"`
	PrevClose float64 `json:"prev_close"`

	// Daily history, most recent bar last
	Candles []Candle `json:"candles,omitempty"`

	// Moving averages, zero when history is too short
	MA5  float64 `json:"ma5"`
	MA10 float64 `json:"ma10"`
	MA20 float64 `json:"ma20"`
	MA60 float64 `json:"ma60"`

	// Momentum / oscillators
	RSI14    *float64 `json:"rsi14,omitempty"`
	MACDDiff *float64 `json:"macd_diff,omitempty"` // DIF
	MACDDea  *float64 `json:"macd_dea,omitempty"`  // DEA
	MACDHist *float64 `json:"macd_hist,omitempty"` // (DIF-DEA)*2

	// Volume & sentiment
	VolumeRatio  *float64 `json:"volume_ratio,omitempty"`  // today vs 5-day average
	TurnoverRate *float64 `json:"turnover_rate,omitempty"` // percent
	Amplitude    *float64 `json:"amplitude,omitempty"`     // intraday range, percent

	// Capital flow, CNY
	MainNetInflow    *float64 `json:"main_net_inflow,omitempty"`   // 主力净流入
	MainInflowRatio  *float64 `json:"main_inflow_ratio,omitempty"` // percent of turnover
	InstitutionalNet *float64 `json:"institutional_net,omitempty"` // 龙虎榜机构净买入
	NorthboundNet    *float64 `json:"northbound_net,omitempty"`    // 北向资金净流入

	// Valuation / market-structure risk
	PERatio             *float64 `json:"pe_ratio,omitempty"`
	LimitUpCount        *int     `json:"limit_up_count,omitempty"`        // market-wide
	SectorLimitUps      *int     `json:"sector_limit_ups,omitempty"`      // within the stock's sector
	ConsecutiveLimitUps *int     `json:"consecutive_limit_ups,omitempty"` // 连板数
}

// ChangePct returns the day's percentage change against the previous close,
// or 0 when the previous close is unknown.
func (f *MarketFacts) ChangePct() float64 {
	if f.PrevClose <= 0 {
		return 0
	}
	return (f.LastPrice - f.PrevClose) / f.PrevClose * 100
}
