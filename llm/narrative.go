package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"ashare-copilot/quant"
)

// Recommendation is the narrative's directional call
type Recommendation string

const (
	RecommendBuy  Recommendation = "BUY"
	RecommendSell Recommendation = "SELL"
	RecommendHold Recommendation = "HOLD"
)

// Fallback thresholds on the aggregate score when the reasoning
// service is unavailable
const (
	fallbackBuyThreshold  = 65
	fallbackSellThreshold = 35
)

// Narrate retry policy
const (
	maxNarrateAttempts = 3
	baseBackoff        = 2 * time.Second
)

// SupportResistance carries the narrative's price levels
type SupportResistance struct {
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
}

// NarrativePayload is the validated output of the narrative stage.
// Fallback marks payloads synthesized from the quantitative score alone,
// so callers can tell a true narrative from a degraded one.
type NarrativePayload struct {
	SummaryText       string             `json:"summary_text"`
	Recommendation    Recommendation     `json:"recommendation"`
	Confidence        float64            `json:"confidence"`
	SupportResistance *SupportResistance `json:"support_resistance,omitempty"`
	Signals           []string           `json:"signals"`
	Fallback          bool               `json:"fallback"`
}

// ChatCompleter is the slice of Client the narrator needs
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, messages []Message) (string, error)
}

// Narrator turns facts plus score into a NarrativePayload via the
// reasoning service, with validation, bounded retries and a score-derived
// fallback when the service stays unavailable.
type Narrator struct {
	client  ChatCompleter
	backoff time.Duration
}

// NewNarrator creates a narrator over the given chat client. A nil client
// means narrative generation is disabled and every call falls back.
func NewNarrator(client ChatCompleter) *Narrator {
	return &Narrator{client: client, backoff: baseBackoff}
}

// Narrate produces a NarrativePayload for the given facts and score.
// Transient failures (request errors, malformed or invalid responses) are
// retried up to maxNarrateAttempts with increasing backoff; once exhausted
// the fallback payload is returned instead of an error. Only context
// cancellation aborts the call.
func (n *Narrator) Narrate(ctx context.Context, facts quant.MarketFacts, score quant.ScoreBreakdown) (*NarrativePayload, error) {
	if n.client == nil {
		return Fallback(facts, score), nil
	}

	messages := []Message{
		{Role: "system", Content: systemMessage},
		{Role: "user", Content: BuildPrompt(facts, score)},
	}

	var lastErr error
	for attempt := 1; attempt <= maxNarrateAttempts; attempt++ {
		raw, err := n.client.ChatCompletion(ctx, messages)
		if err == nil {
			payload, perr := parseNarrative(raw)
			if perr == nil {
				return payload, nil
			}
			err = perr
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < maxNarrateAttempts {
			log.Printf("⚠️ Narrative attempt %d/%d failed: %v", attempt, maxNarrateAttempts, err)
			select {
			case <-time.After(time.Duration(attempt) * n.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	log.Printf("⚠️ Narrative generation unavailable after %d attempts, using score fallback: %v",
		maxNarrateAttempts, lastErr)
	return Fallback(facts, score), nil
}

// BuildPrompt serializes facts and score into the service's structured input
func BuildPrompt(facts quant.MarketFacts, score quant.ScoreBreakdown) string {
	var sb strings.Builder
	sb.Grow(1024)

	sb.WriteString("请基于以下量化数据给出交易研判。\n\n")
	if facts.Symbol != "" {
		sb.WriteString(fmt.Sprintf("标的: %s\n", facts.Symbol))
	}
	sb.WriteString(fmt.Sprintf("日期: %s\n", facts.Date))
	if facts.LastPrice > 0 {
		sb.WriteString(fmt.Sprintf("最新价: %.2f (涨跌幅 %.2f%%)\n", facts.LastPrice, facts.ChangePct()))
	}
	if facts.MA5 > 0 {
		sb.WriteString(fmt.Sprintf("均线: MA5=%.2f MA10=%.2f MA20=%.2f MA60=%.2f\n",
			facts.MA5, facts.MA10, facts.MA20, facts.MA60))
	}
	if facts.RSI14 != nil {
		sb.WriteString(fmt.Sprintf("RSI14: %.1f\n", *facts.RSI14))
	}
	if facts.MACDHist != nil {
		sb.WriteString(fmt.Sprintf("MACD柱: %.4f\n", *facts.MACDHist))
	}
	if facts.VolumeRatio != nil {
		sb.WriteString(fmt.Sprintf("量比: %.2f\n", *facts.VolumeRatio))
	}
	if facts.TurnoverRate != nil {
		sb.WriteString(fmt.Sprintf("换手率: %.2f%%\n", *facts.TurnoverRate))
	}
	if facts.MainNetInflow != nil {
		sb.WriteString(fmt.Sprintf("主力净流入: %.2f 万元\n", *facts.MainNetInflow/10_000))
	}
	if facts.InstitutionalNet != nil {
		sb.WriteString(fmt.Sprintf("龙虎榜机构净买入: %.2f 万元\n", *facts.InstitutionalNet/10_000))
	}
	if facts.LimitUpCount != nil {
		sb.WriteString(fmt.Sprintf("全市场涨停数: %d\n", *facts.LimitUpCount))
	}

	sb.WriteString(fmt.Sprintf(
		"\n量化评分 (0-100): 资金面=%d 机构参与=%d 技术面=%d 情绪面=%d 风控=%d 综合=%d 置信度=%s\n",
		score.CapitalFlow, score.Institutional, score.Technical,
		score.Sentiment, score.RiskControl, score.Aggregate, score.Confidence))

	sb.WriteString(`
请严格按照以下 JSON 格式输出(不要包含其他文字):
{
  "summary_text": "不超过120字的核心研判",
  "recommendation": "BUY 或 SELL 或 HOLD",
  "confidence": 0到1之间的小数,
  "support_resistance": {"support": 支撑价, "resistance": 压力价},
  "signals": ["关键信号1", "关键信号2"]
}

注意:
1. recommendation 只能是 "BUY"、"SELL"、"HOLD" 三选一
2. confidence 必须在 0 和 1 之间
3. 没有明确支撑压力位时 support_resistance 置为 null`)

	return sb.String()
}

// parseNarrative validates the service response against the payload shape.
// Markdown code fences around the JSON body are tolerated.
func parseNarrative(raw string) (*NarrativePayload, error) {
	body := strings.TrimSpace(raw)
	if i := strings.Index(body, "{"); i > 0 {
		body = body[i:]
	}
	if i := strings.LastIndex(body, "}"); i >= 0 {
		body = body[:i+1]
	}

	var payload NarrativePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("malformed narrative response: %w", err)
	}

	switch payload.Recommendation {
	case RecommendBuy, RecommendSell, RecommendHold:
	default:
		return nil, fmt.Errorf("invalid recommendation %q", payload.Recommendation)
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, fmt.Errorf("confidence %.3f out of [0,1]", payload.Confidence)
	}
	if payload.SummaryText == "" {
		return nil, fmt.Errorf("empty summary text")
	}

	payload.Fallback = false
	return &payload, nil
}

// Fallback synthesizes a minimal payload from the score alone: the
// recommendation follows the aggregate thresholds and the support and
// resistance levels come from MA clustering around the last price.
func Fallback(facts quant.MarketFacts, score quant.ScoreBreakdown) *NarrativePayload {
	rec := RecommendHold
	switch {
	case score.Aggregate >= fallbackBuyThreshold:
		rec = RecommendBuy
	case score.Aggregate <= fallbackSellThreshold:
		rec = RecommendSell
	}

	return &NarrativePayload{
		SummaryText: fmt.Sprintf(
			"AI叙事生成暂不可用，以下结论由量化评分自动推导：综合评分 %d/100，置信度 %s。",
			score.Aggregate, score.Confidence),
		Recommendation:    rec,
		Confidence:        float64(score.Aggregate) / 100 * 0.5, // degraded confidence cap
		SupportResistance: supportResistanceFromMAs(facts),
		Signals:           []string{"quant_score_fallback"},
		Fallback:          true,
	}
}

// supportResistanceFromMAs derives levels from the moving averages that
// bracket the last price, the way the chart analyst reads MA clustering
func supportResistanceFromMAs(facts quant.MarketFacts) *SupportResistance {
	if facts.LastPrice <= 0 {
		return nil
	}

	var support, resistance float64
	for _, ma := range []float64{facts.MA5, facts.MA10, facts.MA20, facts.MA60} {
		if ma <= 0 {
			continue
		}
		if ma < facts.LastPrice && ma > support {
			support = ma
		}
		if ma > facts.LastPrice && (resistance == 0 || ma < resistance) {
			resistance = ma
		}
	}

	if support == 0 && resistance == 0 {
		return nil
	}
	return &SupportResistance{Support: support, Resistance: resistance}
}
