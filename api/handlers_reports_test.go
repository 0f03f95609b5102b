package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ashare-copilot/config"
	"ashare-copilot/database"
	"ashare-copilot/database/reports"
	"ashare-copilot/engine"
	"ashare-copilot/llm"
	"ashare-copilot/quant"
)

type staticProvider struct{}

func (staticProvider) FetchFacts(ctx context.Context, subject, date string) (*quant.MarketFacts, error) {
	return &quant.MarketFacts{
		Symbol:    subject,
		LastPrice: 10.50,
		PrevClose: 10.00,
		Candles: []quant.Candle{
			{Date: date, Open: 10.00, Close: 10.50, High: 10.60, Low: 9.95, Volume: 500_000},
		},
	}, nil
}

type staticNarrator struct{}

func (staticNarrator) Narrate(ctx context.Context, facts quant.MarketFacts, score quant.ScoreBreakdown) (*llm.NarrativePayload, error) {
	return &llm.NarrativePayload{
		SummaryText:    "短线震荡偏强。",
		Recommendation: llm.RecommendHold,
		Confidence:     0.6,
		Signals:        []string{"range_bound"},
	}, nil
}

func newTestServer() *Server {
	cfg := config.EngineConfig{
		MaxConcurrentRuns: 2,
		FetchTimeout:      time.Second,
		FetchRetries:      1,
		NarrateTimeout:    time.Second,
		StallCeiling:      time.Minute,
	}
	store := reports.NewMemoryStore(cfg.StallCeiling)
	eng := engine.New(cfg, store, staticProvider{}, staticNarrator{})
	return NewServer(eng, nil)
}

func doTrigger(t *testing.T, s *Server, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/analysis/trigger", bytes.NewReader(raw))
	rr := httptest.NewRecorder()
	s.handleTriggerAnalysis(rr, req)
	return rr
}

func pollQuery(t *testing.T, s *Server, query string) reportView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/analysis/query?"+query, nil)
		rr := httptest.NewRecorder()
		s.handleQueryReport(rr, req)
		if rr.Code == http.StatusOK {
			var resp analysisResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Bad query response: %v", err)
			}
			if !resp.Success || resp.Result == nil {
				t.Fatalf("Query envelope must carry success and a result: %s", rr.Body.String())
			}
			if database.ReportStatus(resp.Result.Status).Terminal() {
				return *resp.Result
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Report never reached a terminal status")
	return reportView{}
}

func TestTriggerRejectsUnknownKind(t *testing.T) {
	s := newTestServer()
	rr := doTrigger(t, s, map[string]interface{}{
		"report_kind": "WEATHER_FORECAST",
		"date":        "2025-08-18",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTriggerRejectsBadDate(t *testing.T) {
	s := newTestServer()
	rr := doTrigger(t, s, map[string]interface{}{
		"report_kind": "INTRADAY_CHART",
		"date":        "18-08-2025",
		"subject":     "600519",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTriggerThenQueryLifecycle(t *testing.T) {
	s := newTestServer()

	rr := doTrigger(t, s, map[string]interface{}{
		"report_kind": "INTRADAY_CHART",
		"date":        "2025-08-18",
		"subject":     "600519",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp analysisResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad trigger response: %v", err)
	}
	if !resp.Success || resp.Cached {
		t.Fatalf("Fresh trigger must be success and not cached: %+v", resp)
	}

	view := pollQuery(t, s, "report_kind=INTRADAY_CHART&date=2025-08-18&subject=600519")
	if view.Status != string(database.StatusReady) {
		t.Fatalf("Expected READY, got %s (%s)", view.Status, view.ErrorReason)
	}
	if view.DisplayName != "盘中分析报告" {
		t.Errorf("Display name mismatch: %s", view.DisplayName)
	}
	if len(view.Score) == 0 || len(view.Narrative) == 0 {
		t.Error("READY view must carry score and narrative documents")
	}

	// Retriggering the finished report serves it inline
	rr = doTrigger(t, s, map[string]interface{}{
		"report_kind": "INTRADAY_CHART",
		"date":        "2025-08-18",
		"subject":     "600519",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for cached report, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad trigger response: %v", err)
	}
	if !resp.Cached || resp.Result == nil {
		t.Fatalf("Expected cached result, got %+v", resp)
	}
}

func TestQueryUnknownKeyReturns404Envelope(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/analysis/query?report_kind=OPENING_OUTLOOK&date=2025-08-18", nil)
	rr := httptest.NewRecorder()
	s.handleQueryReport(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rr.Code)
	}
	var resp analysisResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Missing report must still answer with the JSON envelope: %v (%s)", err, rr.Body.String())
	}
	if resp.Success || resp.Message == "" {
		t.Errorf("Expected success=false with a message, got %+v", resp)
	}
	if resp.Result != nil {
		t.Errorf("Missing report must not carry a result: %+v", resp.Result)
	}
}

func TestQueryInvalidKeyReturns400Envelope(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/analysis/query?report_kind=INTRADAY_CHART&date=not-a-date", nil)
	rr := httptest.NewRecorder()
	s.handleQueryReport(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}
	var resp analysisResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid key must still answer with the JSON envelope: %v (%s)", err, rr.Body.String())
	}
	if resp.Success || resp.Message == "" {
		t.Errorf("Expected success=false with a message, got %+v", resp)
	}
}

func TestListReportsFiltersByKind(t *testing.T) {
	s := newTestServer()

	doTrigger(t, s, map[string]interface{}{
		"report_kind": "INTRADAY_CHART", "date": "2025-08-18", "subject": "600519",
	})
	doTrigger(t, s, map[string]interface{}{
		"report_kind": "LIMIT_UP_REVIEW", "date": "2025-08-18",
	})
	pollQuery(t, s, "report_kind=INTRADAY_CHART&date=2025-08-18&subject=600519")
	pollQuery(t, s, "report_kind=LIMIT_UP_REVIEW&date=2025-08-18")

	req := httptest.NewRequest(http.MethodGet, "/api/analysis/reports?report_kind=LIMIT_UP_REVIEW", nil)
	rr := httptest.NewRecorder()
	s.handleListReports(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var listing struct {
		Count   int          `json:"count"`
		Reports []reportView `json:"reports"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
		t.Fatalf("Bad listing response: %v", err)
	}
	if listing.Count != 1 {
		t.Fatalf("Expected 1 filtered report, got %d", listing.Count)
	}
	if listing.Reports[0].ReportKind != "LIMIT_UP_REVIEW" {
		t.Errorf("Wrong kind in listing: %s", listing.Reports[0].ReportKind)
	}
}
