package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	TicksProcessed     Counter
	OrdersExecuted     Counter
	OrdersRejected     Counter
	OrderErrors        Counter
	CircuitBreakerTrip Counter
	LeaderFetchErrors  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		TicksProcessed:     n,
		OrdersExecuted:     n,
		OrdersRejected:     n,
		OrderErrors:        n,
		CircuitBreakerTrip: n,
		LeaderFetchErrors:  n,
	}
}
