package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ashare-copilot/quant"
)

// Number of daily bars fetched; enough for MA60 and MACD warm-up
const klineHistoryBars = 120

// Shanghai Composite, used for market-level facts when no subject is given
const marketIndexSecID = "1.000001"

// Client fetches facts from an eastmoney-style quote API
type Client struct {
	baseURL string
	client  *http.Client
	stream  *QuoteStream // optional intraday last-price source
}

// NewClient creates a market data client. stream may be nil.
func NewClient(baseURL string, timeout time.Duration, stream *QuoteStream) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		stream:  stream,
	}
}

// FetchFacts assembles MarketFacts for the subject on the given date.
// Candle history is required; everything else is best-effort and left nil
// on failure so the scoring stage degrades confidence instead of failing.
func (c *Client) FetchFacts(ctx context.Context, subject, date string) (*quant.MarketFacts, error) {
	secid := marketIndexSecID
	if subject != "" {
		secid = secIDFor(subject)
	}

	candles, err := c.fetchKlines(ctx, secid, date)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candle history for %s on %s", subject, date)
	}

	last := candles[len(candles)-1]
	facts := &quant.MarketFacts{
		Symbol:    subject,
		Date:      date,
		LastPrice: last.Close,
		Candles:   candles,
		MA5:       movingAverage(candles, 5),
		MA10:      movingAverage(candles, 10),
		MA20:      movingAverage(candles, 20),
		MA60:      movingAverage(candles, 60),
		RSI14:     rsi(candles, rsiPeriod),
	}
	if len(candles) >= 2 {
		facts.PrevClose = candles[len(candles)-2].Close
	}
	facts.MACDDiff, facts.MACDDea, facts.MACDHist = macd(candles)
	facts.VolumeRatio = volumeRatio(candles)
	facts.Amplitude = amplitude(candles)

	// Live tick overrides the daily close for today's intraday reports
	if c.stream != nil && subject != "" && date == time.Now().Format("2006-01-02") {
		if price, ok := c.stream.LastPrice(subject); ok {
			facts.LastPrice = price
		}
	}

	// Best-effort enrichment; missing data lowers confidence, not an error
	if subject != "" {
		if flow, ferr := c.fetchFundFlow(ctx, secid); ferr != nil {
			log.Printf("⚠️ Fund flow unavailable for %s: %v", subject, ferr)
		} else {
			facts.MainNetInflow = flow.mainNetInflow
			facts.MainInflowRatio = flow.mainInflowRatio
			facts.TurnoverRate = flow.turnoverRate
			facts.PERatio = flow.peRatio
		}
	} else {
		if pool, perr := c.fetchLimitUpPool(ctx, date); perr != nil {
			log.Printf("⚠️ Limit-up pool unavailable for %s: %v", date, perr)
		} else {
			facts.LimitUpCount = &pool.count
			facts.SectorLimitUps = &pool.maxSectorCount
		}
	}

	return facts, nil
}

type klineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// fetchKlines loads daily bars ending at date
func (c *Client) fetchKlines(ctx context.Context, secid, date string) ([]quant.Candle, error) {
	end := strings.ReplaceAll(date, "-", "")
	url := fmt.Sprintf(
		"%s/api/qt/stock/kline/get?secid=%s&klt=101&fqt=1&end=%s&lmt=%d&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56,f57",
		c.baseURL, secid, end, klineHistoryBars)

	var resp klineResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("kline response missing data for %s", secid)
	}

	candles := make([]quant.Candle, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		candle, err := parseKline(line)
		if err != nil {
			return nil, err
		}
		// The API returns bars up to the nearest session; drop anything
		// after the requested date
		if candle.Date > date {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline parses one "date,open,close,high,low,volume,amount" row
func parseKline(line string) (quant.Candle, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 7 {
		return quant.Candle{}, fmt.Errorf("malformed kline row: %q", line)
	}

	vals := make([]float64, 6)
	for i, p := range parts[1:7] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return quant.Candle{}, fmt.Errorf("malformed kline field %q: %w", p, err)
		}
		vals[i] = v
	}

	return quant.Candle{
		Date:   parts[0],
		Open:   vals[0],
		Close:  vals[1],
		High:   vals[2],
		Low:    vals[3],
		Volume: vals[4],
		Amount: vals[5],
	}, nil
}

type fundFlow struct {
	mainNetInflow   *float64
	mainInflowRatio *float64
	turnoverRate    *float64
	peRatio         *float64
}

type fundFlowResponse struct {
	Data *struct {
		MainNetInflow   *float64 `json:"f62"`  // 主力净流入
		MainInflowRatio *float64 `json:"f184"` // 主力净占比
		TurnoverRate    *float64 `json:"f168"` // 换手率
		PERatio         *float64 `json:"f162"` // 市盈率(动)
	} `json:"data"`
}

// fetchFundFlow loads the day's capital flow snapshot for one stock
func (c *Client) fetchFundFlow(ctx context.Context, secid string) (*fundFlow, error) {
	url := fmt.Sprintf("%s/api/qt/stock/get?secid=%s&fields=f62,f184,f168,f162", c.baseURL, secid)

	var resp fundFlowResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("fund flow response missing data for %s", secid)
	}
	return &fundFlow{
		mainNetInflow:   resp.Data.MainNetInflow,
		mainInflowRatio: resp.Data.MainInflowRatio,
		turnoverRate:    resp.Data.TurnoverRate,
		peRatio:         resp.Data.PERatio,
	}, nil
}

type limitUpPool struct {
	count          int
	maxSectorCount int
}

type limitUpPoolResponse struct {
	Data *struct {
		Total int `json:"tc"`
		Pool  []struct {
			Code   string `json:"c"`
			Name   string `json:"n"`
			Sector string `json:"hybk"`
		} `json:"pool"`
	} `json:"data"`
}

// fetchLimitUpPool loads the limit-up pool for a date and derives the
// hottest sector's board count, the overheat measure the risk dimension
// watches
func (c *Client) fetchLimitUpPool(ctx context.Context, date string) (*limitUpPool, error) {
	d := strings.ReplaceAll(date, "-", "")
	url := fmt.Sprintf("%s/api/qt/ztpool/get?date=%s", c.baseURL, d)

	var resp limitUpPoolResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("limit-up pool response missing data for %s", date)
	}

	bySector := make(map[string]int)
	maxSector := 0
	for _, p := range resp.Data.Pool {
		bySector[p.Sector]++
		if bySector[p.Sector] > maxSector {
			maxSector = bySector[p.Sector]
		}
	}

	count := resp.Data.Total
	if count == 0 {
		count = len(resp.Data.Pool)
	}
	return &limitUpPool{count: count, maxSectorCount: maxSector}, nil
}

// getJSON performs one GET and decodes the JSON body, classifying
// failures as transient where a retry can help
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

// secIDFor maps an A-share symbol to the quote API's market-prefixed id:
// Shanghai listings (6xx) are market 1, everything else market 0
func secIDFor(symbol string) string {
	if strings.HasPrefix(symbol, "6") {
		return "1." + symbol
	}
	return "0." + symbol
}
