package engine

import (
	"testing"

	"ashare-copilot/database"
	"ashare-copilot/llm"
	"ashare-copilot/quant"
)

func TestClassifyVerdicts(t *testing.T) {
	cases := []struct {
		rec  llm.Recommendation
		move float64
		want database.ValidationOutcome
	}{
		{llm.RecommendBuy, 3.2, database.OutcomeCorrect},
		{llm.RecommendBuy, -2.5, database.OutcomeIncorrect},
		{llm.RecommendBuy, 0.8, database.OutcomeInconclusive},
		{llm.RecommendSell, -4.0, database.OutcomeCorrect},
		{llm.RecommendSell, 2.1, database.OutcomeIncorrect},
		{llm.RecommendSell, -1.0, database.OutcomeInconclusive},
		{llm.RecommendHold, 0.5, database.OutcomeCorrect},
		{llm.RecommendHold, -1.9, database.OutcomeCorrect},
		{llm.RecommendHold, 6.0, database.OutcomeIncorrect},
		{llm.RecommendHold, -3.0, database.OutcomeInconclusive},
	}

	for _, tc := range cases {
		if got := classify(tc.rec, tc.move); got != tc.want {
			t.Errorf("classify(%s, %.1f) = %s, want %s", tc.rec, tc.move, got, tc.want)
		}
	}
}

func TestRealizedMoveAnchorsOnLastBarBeforeNonTradingDate(t *testing.T) {
	candles := []quant.Candle{
		{Date: "2025-08-14", Close: 10.00},
		{Date: "2025-08-15", Close: 10.10},
		{Date: "2025-08-18", Close: 10.40},
		{Date: "2025-08-19", Close: 10.60},
	}

	// 2025-08-16 is a Saturday: anchor slides back to the 15th
	move, err := realizedMove(candles, "2025-08-16", 2)
	if err != nil {
		t.Fatalf("realizedMove failed: %v", err)
	}
	want := (10.60 - 10.10) / 10.10 * 100
	if move < want-0.001 || move > want+0.001 {
		t.Errorf("Expected %.3f%%, got %.3f%%", want, move)
	}
}

func TestRealizedMoveNeedsEnoughLookaheadBars(t *testing.T) {
	candles := []quant.Candle{
		{Date: "2025-08-18", Close: 10.00},
		{Date: "2025-08-19", Close: 10.10},
	}
	if _, err := realizedMove(candles, "2025-08-18", 3); err == nil {
		t.Fatal("Expected an error when the lookahead window is not yet tradable")
	}
	if _, err := realizedMove(candles, "2025-08-10", 1); err == nil {
		t.Fatal("Expected an error when no bar exists at or before the date")
	}
}
