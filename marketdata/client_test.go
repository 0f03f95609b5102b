package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ashare-copilot/quant"
)

func TestParseKline(t *testing.T) {
	candle, err := parseKline("2026-01-22,10.00,10.50,10.60,9.90,123456,9876543.21")
	if err != nil {
		t.Fatalf("parseKline failed: %v", err)
	}
	if candle.Date != "2026-01-22" {
		t.Errorf("Date = %s", candle.Date)
	}
	if candle.Open != 10.00 || candle.Close != 10.50 || candle.High != 10.60 || candle.Low != 9.90 {
		t.Errorf("OHLC mismatch: %+v", candle)
	}
	if candle.Volume != 123456 {
		t.Errorf("Volume = %f", candle.Volume)
	}
}

func TestParseKlineMalformed(t *testing.T) {
	for _, line := range []string{"", "2026-01-22,10.0", "2026-01-22,a,b,c,d,e,f"} {
		if _, err := parseKline(line); err == nil {
			t.Errorf("Expected error for %q", line)
		}
	}
}

func TestSecIDFor(t *testing.T) {
	if got := secIDFor("600519"); got != "1.600519" {
		t.Errorf("Shanghai listing: got %s", got)
	}
	if got := secIDFor("000001"); got != "0.000001" {
		t.Errorf("Shenzhen listing: got %s", got)
	}
}

// klineResponseFor builds a kline API body for n synthetic rising bars
func klineResponseFor(n int) string {
	var rows []string
	for i := 0; i < n; i++ {
		day := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		price := 10.0 + float64(i)*0.1
		rows = append(rows, fmt.Sprintf(`"%s,%.2f,%.2f,%.2f,%.2f,%d,%d"`,
			day.Format("2006-01-02"), price, price+0.05, price+0.1, price-0.1, 100000+i*100, 1000000))
	}
	return `{"data":{"code":"600519","klines":[` + strings.Join(rows, ",") + `]}}`
}

func TestFetchFactsAssemblesIndicators(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/kline/"):
			fmt.Fprint(w, klineResponseFor(80))
		case strings.Contains(r.URL.Path, "/stock/get"):
			fmt.Fprint(w, `{"data":{"f62":52000000.0,"f184":9.5,"f168":4.2,"f162":28.0}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, nil)
	facts, err := c.FetchFacts(context.Background(), "600519", "2025-10-30")
	if err != nil {
		t.Fatalf("FetchFacts failed: %v", err)
	}

	if facts.MA5 <= 0 || facts.MA20 <= 0 || facts.MA60 <= 0 {
		t.Errorf("Moving averages not computed: MA5=%f MA20=%f MA60=%f", facts.MA5, facts.MA20, facts.MA60)
	}
	if facts.RSI14 == nil {
		t.Error("RSI not computed with 80 bars")
	}
	if facts.MACDHist == nil {
		t.Error("MACD not computed with 80 bars")
	}
	if facts.MainNetInflow == nil || *facts.MainNetInflow != 52000000.0 {
		t.Errorf("Fund flow not applied: %v", facts.MainNetInflow)
	}
	// Steadily rising closes: short MA above long MA
	if facts.MA5 <= facts.MA60 {
		t.Errorf("Rising series should order MA5 (%f) above MA60 (%f)", facts.MA5, facts.MA60)
	}
}

func TestFetchFactsToleratesMissingFundFlow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/kline/") {
			fmt.Fprint(w, klineResponseFor(30))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, nil)
	facts, err := c.FetchFacts(context.Background(), "600519", "2025-09-30")
	if err != nil {
		t.Fatalf("Partial data must not fail the fetch: %v", err)
	}
	if facts.MainNetInflow != nil {
		t.Error("Failed fund flow should leave the field nil")
	}
}

func TestGetJSONClassifiesTransient(t *testing.T) {
	codes := map[int]bool{ // code -> transient expected
		http.StatusInternalServerError: true,
		http.StatusTooManyRequests:     true,
		http.StatusForbidden:           false,
	}

	for code, wantTransient := range codes {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		c := NewClient(server.URL, time.Second, nil)
		var out struct{}
		err := c.getJSON(context.Background(), server.URL+"/x", &out)
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", code)
		}
		if IsTransient(err) != wantTransient {
			t.Errorf("status %d: IsTransient = %v, want %v", code, IsTransient(err), wantTransient)
		}
	}
}

func TestMovingAverageShortHistory(t *testing.T) {
	candles := klinesFixture(3)
	if ma := movingAverage(candles, 5); ma != 0 {
		t.Errorf("MA5 with 3 bars should be 0, got %f", ma)
	}
}

func TestRSIShortHistoryNil(t *testing.T) {
	if v := rsi(klinesFixture(10), 14); v != nil {
		t.Errorf("RSI with 10 bars should be nil, got %f", *v)
	}
}

func TestRSIAllGainsIs100(t *testing.T) {
	v := rsi(klinesFixture(30), 14)
	if v == nil {
		t.Fatal("RSI nil with 30 bars")
	}
	if *v != 100 {
		t.Errorf("Monotonically rising closes should give RSI 100, got %f", *v)
	}
}

// klinesFixture builds n bars with steadily rising closes
func klinesFixture(n int) []quant.Candle {
	candles := make([]quant.Candle, n)
	for i := range candles {
		price := 10.0 + float64(i)*0.2
		candles[i] = quant.Candle{
			Date:   fmt.Sprintf("2025-08-%02d", i+1),
			Open:   price,
			High:   price + 0.1,
			Low:    price - 0.1,
			Close:  price + 0.05,
			Volume: 100000,
		}
	}
	return candles
}
