package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_mirror_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ticks_processed_total",
		Help:      "Total number of mirror ticks processed.",
	})
	executed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_executed_total",
		Help:      "Total number of orders executed successfully.",
	})
	rejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_rejected_total",
		Help:      "Total number of orders rejected by the risk engine.",
	})
	orderErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "order_errors_total",
		Help:      "Total number of order submissions that failed after retries.",
	})
	breakerTrips := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of circuit breaker trips.",
	})
	leaderErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "leader_fetch_errors_total",
		Help:      "Total number of failed leader position fetches.",
	})

	registry.MustRegister(ticks, executed, rejected, orderErrors, breakerTrips, leaderErrors)

	m := &Metrics{
		TicksProcessed:     promCounter{ticks},
		OrdersExecuted:     promCounter{executed},
		OrdersRejected:     promCounter{rejected},
		OrderErrors:        promCounter{orderErrors},
		CircuitBreakerTrip: promCounter{breakerTrips},
		LeaderFetchErrors:  promCounter{leaderErrors},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
