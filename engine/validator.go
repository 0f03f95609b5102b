package engine

import (
	"context"
	"fmt"
	"time"

	"ashare-copilot/database"
	"ashare-copilot/llm"
	"ashare-copilot/marketdata"
	"ashare-copilot/quant"
)

// Backtest bands in percent. A recommendation needs the realized move to
// clear the band before it is judged either way; HOLD is judged against
// both bands since it predicts the absence of a strong move.
const (
	backtestBandPct       = 2.0
	backtestStrongBandPct = 5.0
)

// fetchBufferDays covers weekends and holidays between the report date
// and the lookahead horizon when asking the provider for history
const fetchBufferDays = 10

// Validator backtests a committed recommendation against the realized
// price move over a fixed lookahead window of trading days
type Validator struct {
	provider  marketdata.Provider
	lookahead int
	now       func() time.Time
}

// NewValidator builds a validator over the market data provider
func NewValidator(provider marketdata.Provider, lookaheadDays int) *Validator {
	return &Validator{
		provider:  provider,
		lookahead: lookaheadDays,
		now:       time.Now,
	}
}

// Validate computes the verdict for one READY record. The provider is
// asked for history past the report date; when the market has not yet
// produced enough bars after it, an error is returned and the record is
// left without a verdict.
func (v *Validator) Validate(ctx context.Context, rec *database.ReportRecord) (*database.ValidationResult, error) {
	narrative, err := rec.DecodeNarrative()
	if err != nil {
		return nil, fmt.Errorf("decode narrative: %w", err)
	}
	if narrative == nil {
		return nil, fmt.Errorf("record has no narrative to validate")
	}

	key := rec.Key()
	horizon := key.Day().AddDate(0, 0, v.lookahead+fetchBufferDays)
	if today := v.now(); horizon.After(today) {
		horizon = today
	}

	facts, err := v.provider.FetchFacts(ctx, key.Subject, horizon.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("fetch lookahead history: %w", err)
	}

	move, err := realizedMove(facts.Candles, key.Date, v.lookahead)
	if err != nil {
		return nil, err
	}

	return &database.ValidationResult{
		RealizedMovePct: move,
		Outcome:         classify(narrative.Recommendation, move),
		LookaheadDays:   v.lookahead,
		EvaluatedAt:     v.now(),
	}, nil
}

// realizedMove finds the close of the bar at the report date and the
// close lookahead trading bars later, in percent
func realizedMove(candles []quant.Candle, date string, lookahead int) (float64, error) {
	base := -1
	for i, c := range candles {
		if c.Date == date {
			base = i
			break
		}
		// Non-trading report date: anchor on the last bar before it
		if c.Date < date {
			base = i
		}
	}
	if base < 0 {
		return 0, fmt.Errorf("no bar at or before %s", date)
	}

	target := base + lookahead
	if target >= len(candles) {
		return 0, fmt.Errorf("only %d bars after %s, need %d", len(candles)-1-base, date, lookahead)
	}

	from := candles[base].Close
	if from == 0 {
		return 0, fmt.Errorf("zero close at %s", date)
	}
	return (candles[target].Close - from) / from * 100, nil
}

// classify turns a realized move into a verdict for the recommendation
func classify(rec llm.Recommendation, movePct float64) database.ValidationOutcome {
	switch rec {
	case llm.RecommendBuy:
		switch {
		case movePct >= backtestBandPct:
			return database.OutcomeCorrect
		case movePct <= -backtestBandPct:
			return database.OutcomeIncorrect
		}
	case llm.RecommendSell:
		switch {
		case movePct <= -backtestBandPct:
			return database.OutcomeCorrect
		case movePct >= backtestBandPct:
			return database.OutcomeIncorrect
		}
	case llm.RecommendHold:
		abs := movePct
		if abs < 0 {
			abs = -abs
		}
		switch {
		case abs <= backtestBandPct:
			return database.OutcomeCorrect
		case abs >= backtestStrongBandPct:
			return database.OutcomeIncorrect
		}
	}
	return database.OutcomeInconclusive
}
