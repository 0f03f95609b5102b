package marketdata

import "ashare-copilot/quant"

// MACD parameters, the conventional A-share charting defaults
const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	rsiPeriod  = 14
)

// movingAverage returns the simple moving average of the last n closes,
// or 0 when the history is too short
func movingAverage(candles []quant.Candle, n int) float64 {
	if len(candles) < n || n <= 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-n:] {
		sum += c.Close
	}
	return sum / float64(n)
}

// rsi computes the Wilder-smoothed relative strength index over the
// candle closes. Returns nil when the history is too short.
func rsi(candles []quant.Candle, period int) *float64 {
	if len(candles) <= period {
		return nil
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		v := 100.0
		return &v
	}
	rs := avgGain / avgLoss
	v := 100 - 100/(1+rs)
	return &v
}

// macd computes DIF, DEA and the histogram ((DIF-DEA)*2, the A-share
// charting convention). Returns nils when the history is too short.
func macd(candles []quant.Candle) (dif, dea, hist *float64) {
	if len(candles) < macdSlow+macdSignal {
		return nil, nil, nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	emaFast := ema(closes, macdFast)
	emaSlow := ema(closes, macdSlow)

	difSeries := make([]float64, len(closes))
	for i := range closes {
		difSeries[i] = emaFast[i] - emaSlow[i]
	}
	deaSeries := ema(difSeries, macdSignal)

	d := difSeries[len(difSeries)-1]
	e := deaSeries[len(deaSeries)-1]
	h := (d - e) * 2
	return &d, &e, &h
}

// ema computes an exponential moving average series
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// volumeRatio compares the last candle's volume to the average of the
// preceding five sessions. Returns nil without enough history.
func volumeRatio(candles []quant.Candle) *float64 {
	if len(candles) < 6 {
		return nil
	}
	last := candles[len(candles)-1].Volume
	sum := 0.0
	for _, c := range candles[len(candles)-6 : len(candles)-1] {
		sum += c.Volume
	}
	avg := sum / 5
	if avg <= 0 {
		return nil
	}
	v := last / avg
	return &v
}

// amplitude returns the last candle's intraday range as a percentage of
// the previous close. Returns nil without enough history.
func amplitude(candles []quant.Candle) *float64 {
	if len(candles) < 2 {
		return nil
	}
	prev := candles[len(candles)-2].Close
	if prev <= 0 {
		return nil
	}
	last := candles[len(candles)-1]
	v := (last.High - last.Low) / prev * 100
	return &v
}
