package quant

import "math"

// ConfidenceTier grades how much of the required input data was available
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "HIGH"
	ConfidenceMedium ConfidenceTier = "MEDIUM"
	ConfidenceLow    ConfidenceTier = "LOW"
)

// Aggregate weights per dimension. Technical carries the most weight,
// mirroring how the comprehensive score weighs its contributions.
const (
	weightCapitalFlow   = 0.25
	weightInstitutional = 0.20
	weightTechnical     = 0.30
	weightSentiment     = 0.15
	weightRiskControl   = 0.10
)

// ScoreBreakdown is the output of the quantitative scoring stage.
// Each dimension is an integer 0-100; Aggregate is the fixed-weight
// combination rounded to the nearest integer. Immutable once produced.
type ScoreBreakdown struct {
	CapitalFlow   int            `json:"capital_flow"`  // 资金面: main inflow strength
	Institutional int            `json:"institutional"` // 机构参与度
	Technical     int            `json:"technical"`     // 技术面: MA/MACD/RSI alignment
	Sentiment     int            `json:"sentiment"`     // 市场情绪与波动
	RiskControl   int            `json:"risk_control"`  // 风控: valuation & overheat checks
	Aggregate     int            `json:"aggregate"`
	Confidence    ConfidenceTier `json:"confidence"`
}

// Score maps MarketFacts into a ScoreBreakdown. Pure and deterministic:
// identical facts always produce an identical breakdown. Missing optional
// fields fall back to neutral sub-scores and a lower confidence tier;
// this function never fails for well-formed input.
func Score(facts MarketFacts) ScoreBreakdown {
	capital, capitalOK := scoreCapitalFlow(facts)
	institutional, instOK := scoreInstitutional(facts)
	technical, techOK := scoreTechnical(facts)
	sentiment, sentOK := scoreSentiment(facts)
	risk := scoreRiskControl(facts)

	aggregate := weightCapitalFlow*float64(capital) +
		weightInstitutional*float64(institutional) +
		weightTechnical*float64(technical) +
		weightSentiment*float64(sentiment) +
		weightRiskControl*float64(risk)

	available := 0
	for _, ok := range []bool{capitalOK, instOK, techOK, sentOK} {
		if ok {
			available++
		}
	}

	return ScoreBreakdown{
		CapitalFlow:   capital,
		Institutional: institutional,
		Technical:     technical,
		Sentiment:     sentiment,
		RiskControl:   risk,
		Aggregate:     clamp(int(math.Round(aggregate))),
		Confidence:    confidenceTier(available),
	}
}

// confidenceTier is a step function of how many optional fact groups were
// actually present: all 4 = HIGH, 2-3 = MEDIUM, fewer = LOW.
func confidenceTier(available int) ConfidenceTier {
	switch {
	case available >= 4:
		return ConfidenceHigh
	case available >= 2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// scoreCapitalFlow grades main capital inflow strength.
// Tiers: inflow ratio > 15% = 90, > 8% = 75, > 3% = 62, positive = 55,
// mild outflow (> -3%) = 40, heavier outflow = 20.
func scoreCapitalFlow(f MarketFacts) (int, bool) {
	if f.MainNetInflow == nil && f.MainInflowRatio == nil {
		return 50, false // neutral, no data
	}

	score := 50

	if f.MainInflowRatio != nil {
		ratio := *f.MainInflowRatio
		switch {
		case ratio > 15:
			score = 90
		case ratio > 8:
			score = 75
		case ratio > 3:
			score = 62
		case ratio > 0:
			score = 55
		case ratio > -3:
			score = 40
		default:
			score = 20
		}
	} else if f.MainNetInflow != nil {
		// Absolute inflow only, no ratio context: coarser tiers
		inflow := *f.MainNetInflow
		switch {
		case inflow > 100_000_000:
			score = 80
		case inflow > 10_000_000:
			score = 65
		case inflow > 0:
			score = 55
		case inflow > -10_000_000:
			score = 45
		default:
			score = 25
		}
	}

	// Northbound money confirming the direction nudges the score
	if f.NorthboundNet != nil {
		if *f.NorthboundNet > 0 && score >= 55 {
			score += 5
		} else if *f.NorthboundNet < 0 && score <= 45 {
			score -= 5
		}
	}

	return clamp(score), true
}

// scoreInstitutional grades institutional participation from 龙虎榜 net
// buying. > 50M net buy = 90, > 10M = 75, positive = 60, small net sell = 40,
// heavy net sell = 15.
func scoreInstitutional(f MarketFacts) (int, bool) {
	if f.InstitutionalNet == nil {
		return 50, false
	}

	net := *f.InstitutionalNet
	switch {
	case net > 50_000_000:
		return 90, true
	case net > 10_000_000:
		return 75, true
	case net > 0:
		return 60, true
	case net > -10_000_000:
		return 40, true
	default:
		return 15, true
	}
}

// scoreTechnical combines moving-average ordering, the MACD state and the
// RSI band into a weighted sub-score:
//   - MA arrangement (45%): full bullish ordering price>MA5>MA10>MA20>MA60 = 100,
//     price above short MAs = 75, mixed = 50, full bearish ordering = 10
//   - MACD (30%): above zero and widening = 100, above zero = 75,
//     below zero narrowing = 45, below zero = 20
//   - RSI band (25%): 50-70 healthy = 85, 30-50 = 55, >80 overbought = 35, <30 oversold = 45
func scoreTechnical(f MarketFacts) (int, bool) {
	hasMA := f.MA5 > 0 && f.MA10 > 0 && f.MA20 > 0
	if !hasMA && f.MACDHist == nil && f.RSI14 == nil {
		return 50, false
	}

	maScore := 50.0
	if hasMA {
		price := f.LastPrice
		switch {
		case f.MA60 > 0 && price > f.MA5 && f.MA5 > f.MA10 && f.MA10 > f.MA20 && f.MA20 > f.MA60:
			maScore = 100 // 完全多头排列
		case price > f.MA5 && f.MA5 > f.MA10 && f.MA10 > f.MA20:
			maScore = 85
		case price > f.MA5 && price > f.MA10:
			maScore = 70
		case f.MA60 > 0 && price < f.MA5 && f.MA5 < f.MA10 && f.MA10 < f.MA20 && f.MA20 < f.MA60:
			maScore = 10 // 完全空头排列
		case price < f.MA5 && f.MA5 < f.MA10 && f.MA10 < f.MA20:
			maScore = 25
		}
	}

	macdScore := 50.0
	if f.MACDHist != nil {
		hist := *f.MACDHist
		growing := false
		if f.MACDDiff != nil && f.MACDDea != nil {
			growing = *f.MACDDiff > *f.MACDDea
		}
		switch {
		case hist > 0 && growing:
			macdScore = 100
		case hist > 0:
			macdScore = 75
		case hist <= 0 && growing:
			macdScore = 45
		default:
			macdScore = 20
		}
	}

	rsiScore := 50.0
	if f.RSI14 != nil {
		rsi := *f.RSI14
		switch {
		case rsi > 80:
			rsiScore = 35 // overbought
		case rsi >= 50:
			rsiScore = 85
		case rsi >= 30:
			rsiScore = 55
		default:
			rsiScore = 45 // oversold, possible rebound
		}
	}

	combined := 0.45*maScore + 0.30*macdScore + 0.25*rsiScore
	return clamp(int(math.Round(combined))), true
}

// scoreSentiment grades the day's trading heat: volume ratio, turnover and
// amplitude. High-but-not-extreme activity scores best.
func scoreSentiment(f MarketFacts) (int, bool) {
	if f.VolumeRatio == nil && f.TurnoverRate == nil && f.Amplitude == nil {
		return 50, false
	}

	score := 50

	if f.VolumeRatio != nil {
		vr := *f.VolumeRatio
		switch {
		case vr > 5:
			score += 8 // explosive volume cuts both ways
		case vr > 2:
			score += 20
		case vr > 1:
			score += 10
		case vr < 0.5:
			score -= 15 // dried-up volume
		}
	}

	if f.TurnoverRate != nil {
		tr := *f.TurnoverRate
		switch {
		case tr > 25:
			score -= 10 // churn, likely distribution
		case tr > 5:
			score += 10
		case tr > 2:
			score += 5
		}
	}

	if f.Amplitude != nil && *f.Amplitude > 12 {
		score -= 10 // violent intraday swing
	}

	return clamp(score), true
}

// scoreRiskControl starts from a neutral 60 and deducts for valuation and
// overheat hazards: PE > 150, sector with more than 5 limit-ups, more than
// 50 limit-ups market-wide, and tall consecutive limit-up ladders.
func scoreRiskControl(f MarketFacts) int {
	score := 60

	if f.PERatio != nil {
		pe := *f.PERatio
		switch {
		case pe < 0:
			score -= 15 // loss-making
		case pe > 150:
			score -= 20
		case pe > 80:
			score -= 10
		case pe < 30 && pe > 0:
			score += 10
		}
	}

	if f.SectorLimitUps != nil && *f.SectorLimitUps > 5 {
		score -= 15 // sector overheated, divergence risk
	}
	if f.LimitUpCount != nil && *f.LimitUpCount > 50 {
		score -= 10 // market-wide chase risk
	}
	if f.ConsecutiveLimitUps != nil {
		switch n := *f.ConsecutiveLimitUps; {
		case n >= 5:
			score -= 25
		case n >= 3:
			score -= 10
		case n == 1:
			score += 5 // first board, room to run
		}
	}

	// A calm amplitude is a plus for risk control
	if f.Amplitude != nil && *f.Amplitude < 5 {
		score += 5
	}

	return clamp(score)
}

func clamp(v int) int {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
