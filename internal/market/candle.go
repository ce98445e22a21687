package market

import (
	"fmt"
	"strings"
	"time"
)

type Candle struct {
	Interval time.Duration
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Ticks    int
}

// Intervals the feed aggregates candles for.
var Intervals = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

// ParseInterval accepts "1m", "5m", "15m", "1h" and the "1min" style aliases.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "in")
	switch s {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported candle interval %q", raw)
}

type series struct {
	interval time.Duration
	window   int
	candles  []Candle
}

func (s *series) add(price float64, ts time.Time) {
	start := ts.Truncate(s.interval)
	if n := len(s.candles); n > 0 && s.candles[n-1].Start.Equal(start) {
		c := &s.candles[n-1]
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
		c.Ticks++
		return
	}
	s.candles = append(s.candles, Candle{
		Interval: s.interval,
		Start:    start,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Ticks:    1,
	})
	if len(s.candles) > s.window {
		s.candles = append([]Candle(nil), s.candles[len(s.candles)-s.window:]...)
	}
}
