package metrics

import (
	"tradeguard-bot/internal/telemetry"
)

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	Fills            Counter
	Transitions      Counter
	BotsFailed       Counter
	RiskCloses       Counter
	HedgesTriggered  Counter
	StalePauses      Counter
	TransientErrors  Counter
	TelemetryDropped Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		Fills:            n,
		Transitions:      n,
		BotsFailed:       n,
		RiskCloses:       n,
		HedgesTriggered:  n,
		StalePauses:      n,
		TransientErrors:  n,
		TelemetryDropped: n,
	}
}

// Emit counts telemetry events so Metrics can sit in a telemetry fanout.
func (m *Metrics) Emit(ev telemetry.Event) {
	switch ev.Kind {
	case telemetry.KindTransition:
		m.Transitions.Inc()
		if ev.To == "failed" {
			m.BotsFailed.Inc()
		}
	case telemetry.KindTransientError:
		m.TransientErrors.Inc()
	case telemetry.KindFill:
		m.Fills.Inc()
	case telemetry.KindOrder:
		if ev.Err != "" {
			m.OrdersFailed.Inc()
			return
		}
		m.OrdersPlaced.Inc()
	case telemetry.KindRiskAction:
		switch ev.Reason {
		case "stop-loss", "take-profit":
			m.RiskCloses.Inc()
		case "hedge trigger":
			m.HedgesTriggered.Inc()
		case "stale market data":
			m.StalePauses.Inc()
		}
	}
}
