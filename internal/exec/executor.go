package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hl-mirror-bot/internal/metrics"
	"hl-mirror-bot/internal/mirror"

	"go.uber.org/zap"
)

const (
	maxAttempts       = 3
	defaultRetryDelay = time.Second
)

// Gateway is the exchange write collaborator. Implementations may run in
// paper mode and return synthetic fills; that is independent of the
// executor's own dry-run short circuit.
type Gateway interface {
	PlaceOrder(ctx context.Context, order mirror.OrderRequest) (mirror.OrderResult, error)
	CancelAllOpenOrders(ctx context.Context, instrument string) error
}

type ExecutedOrder struct {
	Order  mirror.OrderRequest
	Result mirror.OrderResult
}

type RejectedOrder struct {
	Order  mirror.OrderRequest
	Reason string
}

type ExecutionResult struct {
	Executed []ExecutedOrder
	Rejected []RejectedOrder
	Errors   []string
	Success  bool
	// BreakerTripped is set when a failure in this batch tripped the circuit
	// breaker, so the caller can alert on the transition itself.
	BreakerTripped bool
}

// Counters is a snapshot of the executor's cumulative totals.
type Counters struct {
	Executed uint64
	Rejected uint64
	Errors   uint64
}

// Executor drives risk checks, dry-run short-circuiting and bounded-retry
// submission for one batch of orders at a time. Orders inside a batch run
// strictly sequentially: later orders' cooldown and notional checks depend on
// the executions recorded by earlier ones.
type Executor struct {
	gateway    Gateway
	risk       *mirror.RiskEngine
	log        *zap.Logger
	metrics    *metrics.Metrics
	dryRun     bool
	retryDelay time.Duration

	mu       sync.Mutex
	executed uint64
	rejected uint64
	errored  uint64
}

func New(gateway Gateway, risk *mirror.RiskEngine, m *metrics.Metrics, log *zap.Logger, dryRun bool) *Executor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		gateway:    gateway,
		risk:       risk,
		log:        log,
		metrics:    m,
		dryRun:     dryRun,
		retryDelay: defaultRetryDelay,
	}
}

// ExecuteOrders runs the batch in order. One order failing its retries does
// not abort the rest; it is surfaced in Errors and flips Success to false.
func (e *Executor) ExecuteOrders(ctx context.Context, orders []mirror.OrderRequest, positions map[string]mirror.Position, totalNotionalUSD float64, marks map[string]mirror.MarketPrice) ExecutionResult {
	result := ExecutionResult{Success: true}
	dryRun := e.DryRun()
	for _, order := range orders {
		mark := marks[order.Instrument].MarkPrice
		if mark <= 0 {
			e.log.Warn("No market price available, skipping order",
				zap.String("instrument", order.Instrument))
			result.Rejected = append(result.Rejected, RejectedOrder{Order: order, Reason: "No market price available"})
			continue
		}

		decision := e.risk.CheckOrder(order, positions[order.Instrument], totalNotionalUSD, mark)
		if !decision.Allowed {
			e.log.Info("order rejected by risk engine",
				zap.String("instrument", order.Instrument),
				zap.String("reason", decision.Reason))
			result.Rejected = append(result.Rejected, RejectedOrder{Order: order, Reason: decision.Reason})
			e.metrics.OrdersRejected.Inc()
			e.mu.Lock()
			e.rejected++
			e.mu.Unlock()
			continue
		}

		if dryRun {
			// Dry-run still records the execution so cooldown behaves
			// identically to live trading.
			result.Executed = append(result.Executed, ExecutedOrder{
				Order:  order,
				Result: mirror.OrderResult{Success: true, OrderID: "dry-run"},
			})
			e.risk.RecordExecution(order.Instrument)
			e.metrics.OrdersExecuted.Inc()
			e.mu.Lock()
			e.executed++
			e.mu.Unlock()
			continue
		}

		orderResult, err := e.executeWithRetry(ctx, order)
		if err != nil {
			e.log.Error("order failed after retries",
				zap.String("instrument", order.Instrument),
				zap.Error(err))
			result.Errors = append(result.Errors, err.Error())
			result.Success = false
			if e.risk.RecordError() {
				result.BreakerTripped = true
				e.metrics.CircuitBreakerTrip.Inc()
				e.log.Error("circuit breaker tripped: auto trading disabled")
			}
			e.metrics.OrderErrors.Inc()
			e.mu.Lock()
			e.errored++
			e.mu.Unlock()
			continue
		}
		result.Executed = append(result.Executed, ExecutedOrder{Order: order, Result: orderResult})
		e.risk.RecordExecution(order.Instrument)
		e.metrics.OrdersExecuted.Inc()
		e.mu.Lock()
		e.executed++
		e.mu.Unlock()
	}
	return result
}

// executeWithRetry submits with up to maxAttempts tries and doubling delays
// between them. Only the last attempt's failure is surfaced; every failure
// kind is retried identically.
func (e *Executor) executeWithRetry(ctx context.Context, order mirror.OrderRequest) (mirror.OrderResult, error) {
	var lastErr error
	e.mu.Lock()
	delay := e.retryDelay
	e.mu.Unlock()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.submit(ctx, order)
		if err == nil && result.Success {
			return result, nil
		}
		if err == nil {
			err = errors.New(result.Error)
			if result.Error == "" {
				err = errors.New("order placement unsuccessful")
			}
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return mirror.OrderResult{}, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return mirror.OrderResult{}, fmt.Errorf("order failed after %d attempts: %w", maxAttempts, lastErr)
}

// submit isolates one gateway call so an unexpected panic in the collaborator
// is treated like any other transient failure instead of killing the batch.
func (e *Executor) submit(ctx context.Context, order mirror.OrderRequest) (result mirror.OrderResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = mirror.OrderResult{}
			err = fmt.Errorf("order submission panicked: %v", rec)
		}
	}()
	return e.gateway.PlaceOrder(ctx, order)
}

func (e *Executor) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counters{Executed: e.executed, Rejected: e.rejected, Errors: e.errored}
}

func (e *Executor) ResetCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed, e.rejected, e.errored = 0, 0, 0
}

// SetRetryDelay overrides the base delay between submission attempts.
// Non-positive values are ignored.
func (e *Executor) SetRetryDelay(delay time.Duration) {
	if delay <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retryDelay = delay
}

func (e *Executor) SetDryRun(dryRun bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryRun = dryRun
}

func (e *Executor) DryRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dryRun
}
