// Package indicator computes the oscillators used as entry filters.
package indicator

import "math"

const DefaultPeriod = 14

// RSI computes a Relative Strength Index over the last period changes of
// closes without smoothing. ok is false until period+1 closes exist.
func RSI(closes []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	gain := 0.0
	loss := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs)), true
}

// CCI computes the Commodity Channel Index of the last candle over period
// typical prices. ok is false until period candles exist.
func CCI(high, low, closes []float64, period int) (value float64, ok bool) {
	n := len(closes)
	if period <= 0 || n < period || len(high) != n || len(low) != n {
		return 0, false
	}
	typical := make([]float64, period)
	sum := 0.0
	for i := 0; i < period; i++ {
		j := n - period + i
		typical[i] = (high[j] + low[j] + closes[j]) / 3
		sum += typical[i]
	}
	mean := sum / float64(period)
	dev := 0.0
	for _, tp := range typical {
		dev += math.Abs(tp - mean)
	}
	dev /= float64(period)
	if dev == 0 {
		return 0, true
	}
	return (typical[period-1] - mean) / (0.015 * dev), true
}
