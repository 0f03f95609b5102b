package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"ashare-copilot/quant"
)

// fakeCompleter scripts chat responses per call
type fakeCompleter struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeCompleter) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", fmt.Errorf("no scripted response for call %d", i)
}

func testNarrator(c ChatCompleter) *Narrator {
	n := NewNarrator(c)
	n.backoff = time.Millisecond // keep retries fast in tests
	return n
}

const validResponse = `{
  "summary_text": "资金持续流入，技术面多头排列，短线可持有。",
  "recommendation": "BUY",
  "confidence": 0.82,
  "support_resistance": {"support": 10.5, "resistance": 12.0},
  "signals": ["主力净流入", "MA多头排列"]
}`

func TestNarrateValidResponse(t *testing.T) {
	fake := &fakeCompleter{responses: []string{validResponse}}
	n := testNarrator(fake)

	payload, err := n.Narrate(context.Background(), quant.MarketFacts{}, quant.ScoreBreakdown{})
	if err != nil {
		t.Fatalf("Narrate returned error: %v", err)
	}

	if payload.Recommendation != RecommendBuy {
		t.Errorf("Expected BUY, got %s", payload.Recommendation)
	}
	if payload.Fallback {
		t.Error("Valid response must not be flagged as fallback")
	}
	if payload.SupportResistance == nil || payload.SupportResistance.Resistance != 12.0 {
		t.Errorf("Support/resistance not parsed: %+v", payload.SupportResistance)
	}
	if fake.calls != 1 {
		t.Errorf("Expected 1 call, got %d", fake.calls)
	}
}

func TestNarrateToleratesCodeFences(t *testing.T) {
	fenced := "```json\n" + validResponse + "\n```"
	fake := &fakeCompleter{responses: []string{fenced}}
	n := testNarrator(fake)

	payload, err := n.Narrate(context.Background(), quant.MarketFacts{}, quant.ScoreBreakdown{})
	if err != nil {
		t.Fatalf("Narrate returned error: %v", err)
	}
	if payload.Fallback {
		t.Error("Fenced but valid JSON should parse, not fall back")
	}
}

func TestNarrateRetriesInvalidLabel(t *testing.T) {
	bad := strings.Replace(validResponse, `"BUY"`, `"STRONG_BUY"`, 1)
	fake := &fakeCompleter{responses: []string{bad, validResponse}}
	n := testNarrator(fake)

	payload, err := n.Narrate(context.Background(), quant.MarketFacts{}, quant.ScoreBreakdown{})
	if err != nil {
		t.Fatalf("Narrate returned error: %v", err)
	}
	if payload.Fallback {
		t.Error("Second attempt succeeded, should not be fallback")
	}
	if fake.calls != 2 {
		t.Errorf("Expected 2 calls (1 rejected + 1 valid), got %d", fake.calls)
	}
}

func TestNarrateRejectsConfidenceOutOfRange(t *testing.T) {
	bad := strings.Replace(validResponse, "0.82", "1.7", 1)
	fake := &fakeCompleter{responses: []string{bad, bad, bad}}
	n := testNarrator(fake)

	payload, err := n.Narrate(context.Background(), quant.MarketFacts{}, quant.ScoreBreakdown{Aggregate: 50})
	if err != nil {
		t.Fatalf("Narrate returned error: %v", err)
	}
	if !payload.Fallback {
		t.Error("All attempts invalid, expected fallback payload")
	}
	if fake.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", fake.calls)
	}
}

func TestNarrateFallbackAfterServiceFailure(t *testing.T) {
	errTimeout := fmt.Errorf("request failed: timeout")
	fake := &fakeCompleter{errs: []error{errTimeout, errTimeout, errTimeout}}
	n := testNarrator(fake)

	payload, err := n.Narrate(context.Background(), quant.MarketFacts{},
		quant.ScoreBreakdown{Aggregate: 72, Confidence: quant.ConfidenceMedium})
	if err != nil {
		t.Fatalf("Exhausted retries must fall back, not error: %v", err)
	}

	if !payload.Fallback {
		t.Error("Expected fallback payload")
	}
	if payload.Recommendation != RecommendBuy {
		t.Errorf("Aggregate 72 should fall back to BUY, got %s", payload.Recommendation)
	}
	if payload.SummaryText == "" {
		t.Error("Fallback summary must explain that narrative was unavailable")
	}
}

func TestFallbackThresholds(t *testing.T) {
	tests := []struct {
		aggregate int
		want      Recommendation
	}{
		{80, RecommendBuy},
		{65, RecommendBuy},
		{64, RecommendHold},
		{50, RecommendHold},
		{36, RecommendHold},
		{35, RecommendSell},
		{10, RecommendSell},
	}

	for _, tt := range tests {
		got := Fallback(quant.MarketFacts{}, quant.ScoreBreakdown{Aggregate: tt.aggregate})
		if got.Recommendation != tt.want {
			t.Errorf("aggregate %d: got %s, want %s", tt.aggregate, got.Recommendation, tt.want)
		}
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("aggregate %d: fallback confidence %.3f out of [0,1]", tt.aggregate, got.Confidence)
		}
	}
}

func TestSupportResistanceFromMAs(t *testing.T) {
	facts := quant.MarketFacts{
		LastPrice: 10.0,
		MA5:       9.8, MA10: 9.5, MA20: 10.4, MA60: 11.0,
	}

	sr := supportResistanceFromMAs(facts)
	if sr == nil {
		t.Fatal("Expected levels from bracketing MAs")
	}
	if sr.Support != 9.8 {
		t.Errorf("Nearest MA below price is 9.8, got %.2f", sr.Support)
	}
	if sr.Resistance != 10.4 {
		t.Errorf("Nearest MA above price is 10.4, got %.2f", sr.Resistance)
	}
}

func TestNarrateNilClientFallsBack(t *testing.T) {
	n := NewNarrator(nil)
	payload, err := n.Narrate(context.Background(), quant.MarketFacts{}, quant.ScoreBreakdown{Aggregate: 20})
	if err != nil {
		t.Fatalf("Narrate returned error: %v", err)
	}
	if !payload.Fallback || payload.Recommendation != RecommendSell {
		t.Errorf("Disabled client should yield SELL fallback for aggregate 20, got %+v", payload)
	}
}
