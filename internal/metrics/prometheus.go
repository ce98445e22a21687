package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "tradeguard_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	fills           prometheus.Counter
	transitions     prometheus.Counter
	botsFailed      prometheus.Counter
	riskCloses      prometheus.Counter
	hedges          prometheus.Counter
	stalePauses     prometheus.Counter
	transientErrors prometheus.Counter
	dropped         prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:        registry,
		ordersPlaced:    counter("orders_placed_total", "Total number of orders accepted by an exchange."),
		ordersFailed:    counter("orders_failed_total", "Total number of order placement failures."),
		fills:           counter("fills_total", "Total number of fills applied to bot ledgers."),
		transitions:     counter("bot_transitions_total", "Total number of bot lifecycle transitions."),
		botsFailed:      counter("bots_failed_total", "Total number of bots that entered the failed state."),
		riskCloses:      counter("risk_closes_total", "Total number of stop-loss and take-profit closes."),
		hedges:          counter("hedges_triggered_total", "Total number of hedge orders triggered."),
		stalePauses:     counter("stale_pauses_total", "Total number of evaluations skipped on stale market data."),
		transientErrors: counter("transient_errors_total", "Total number of retryable exchange errors."),
		dropped:         counter("telemetry_dropped_total", "Total number of telemetry events dropped by full sinks."),
	}
	registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.fills, p.transitions, p.botsFailed,
		p.riskCloses, p.hedges, p.stalePauses, p.transientErrors, p.dropped,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:     promCounter{p.ordersPlaced},
		OrdersFailed:     promCounter{p.ordersFailed},
		Fills:            promCounter{p.fills},
		Transitions:      promCounter{p.transitions},
		BotsFailed:       promCounter{p.botsFailed},
		RiskCloses:       promCounter{p.riskCloses},
		HedgesTriggered:  promCounter{p.hedges},
		StalePauses:      promCounter{p.stalePauses},
		TransientErrors:  promCounter{p.transientErrors},
		TelemetryDropped: promCounter{p.dropped},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
