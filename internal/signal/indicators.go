package signal

import "math"

// RSI calculates Wilder's Relative Strength Index.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50 // Neutral if not enough data
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)

	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	if len(gains) < period {
		return 50
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])

	// Wilder smoothing over the remaining data
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates the Exponential Moving Average of the full series.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema
}

// emaSeries returns the EMA at every index from period-1 onward; earlier
// entries hold the running seed average.
func emaSeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) < period {
		for i := range prices {
			out[i] = average(prices[:i+1])
		}
		return out
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])
	for i := 0; i < period; i++ {
		out[i] = ema
	}
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

// MACD calculates the MACD(fast, slow, signal) line, signal line, and
// histogram at the last index. The signal line is a true EMA over the MACD
// series, so the histogram flips sign when momentum turns.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (macdLine, signalLine, histogram float64) {
	if len(prices) < slowPeriod {
		return 0, 0, 0
	}

	fast := emaSeries(prices, fastPeriod)
	slow := emaSeries(prices, slowPeriod)

	macd := make([]float64, 0, len(prices)-slowPeriod+1)
	for i := slowPeriod - 1; i < len(prices); i++ {
		macd = append(macd, fast[i]-slow[i])
	}

	macdLine = macd[len(macd)-1]
	signalLine = EMA(macd, signalPeriod)
	histogram = macdLine - signalLine
	return macdLine, signalLine, histogram
}

// Momentum calculates the percent price change over the last period steps.
func Momentum(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 0
	}

	current := prices[len(prices)-1]
	previous := prices[len(prices)-1-period]
	if previous == 0 {
		return 0
	}

	return ((current - previous) / previous) * 100
}

// VolatilityPct is the standard deviation of per-candle percent returns.
func VolatilityPct(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1]*100)
	}
	if len(returns) == 0 {
		return 0
	}

	avg := average(returns)
	sumSquares := 0.0
	for _, r := range returns {
		sumSquares += (r - avg) * (r - avg)
	}
	return math.Sqrt(sumSquares / float64(len(returns)))
}

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
