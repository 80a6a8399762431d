package mirror

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	circuitBreakerWindow    = 5 * time.Minute
	circuitBreakerThreshold = 5
)

// RiskParams are the operator-tunable ceilings. A zero/negative field in an
// update request leaves the current value unchanged.
type RiskParams struct {
	MaxLeverage         float64
	MaxTotalNotionalUSD float64
	Cooldown            time.Duration
}

// Decision is the outcome of a single order risk check.
type Decision struct {
	Allowed bool
	Reason  string
}

// RiskState is a point-in-time snapshot for the operator surface.
type RiskState struct {
	Params              RiskParams
	PanicMode           bool
	AutoTradingDisabled bool
	ErrorCount          int
	ErrorWindowStart    time.Time
}

// RiskEngine gates every order through four independent axes: operator panic,
// the failure-driven circuit breaker, per-instrument cooldowns, and the
// static leverage/notional ceilings. The axes are deliberately separate flags
// rather than one state enum; the check order in CheckOrder is a contract.
type RiskEngine struct {
	mu                  sync.Mutex
	params              RiskParams
	panicMode           bool
	autoTradingDisabled bool
	lastExecution       map[string]time.Time
	errorCount          int
	errorWindowStart    time.Time

	now func() time.Time
}

func NewRiskEngine(params RiskParams) *RiskEngine {
	return &RiskEngine{
		params:        params,
		lastExecution: make(map[string]time.Time),
		now:           time.Now,
	}
}

// CheckOrder evaluates the axes in fixed priority order and returns the first
// failing reason. Reduce-only orders skip the notional and leverage ceilings:
// the engine must never stand in the way of shrinking exposure.
func (r *RiskEngine) CheckOrder(order OrderRequest, current Position, currentTotalNotionalUSD, markPrice float64) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.panicMode && !order.ReduceOnly {
		return Decision{Reason: "PANIC mode active: only reduce-only orders allowed"}
	}
	if r.autoTradingDisabled && !order.ReduceOnly {
		return Decision{Reason: "circuit breaker tripped: auto trading disabled"}
	}
	if last, ok := r.lastExecution[order.Instrument]; ok {
		elapsed := r.now().Sub(last)
		if elapsed < r.params.Cooldown {
			remaining := r.params.Cooldown - elapsed
			return Decision{Reason: fmt.Sprintf("Cooldown active for %s: %s remaining", order.Instrument, remaining.Round(time.Millisecond))}
		}
	}
	if !order.ReduceOnly {
		orderNotional := order.Size * markPrice
		if r.params.MaxTotalNotionalUSD > 0 && currentTotalNotionalUSD+orderNotional > r.params.MaxTotalNotionalUSD {
			return Decision{Reason: fmt.Sprintf("total notional %.2f would exceed cap %.2f", currentTotalNotionalUSD+orderNotional, r.params.MaxTotalNotionalUSD)}
		}
		if reason, ok := r.leverageReject(order, current, markPrice); ok {
			return Decision{Reason: reason}
		}
	}
	return Decision{Allowed: true}
}

// leverageReject approximates the projected leverage of the position after the
// order. When no position exists, margin is estimated as newNotional divided
// by the leverage cap, which makes fresh positions pass trivially. That is a
// known limitation of the approximation, kept on purpose.
func (r *RiskEngine) leverageReject(order OrderRequest, current Position, markPrice float64) (string, bool) {
	if r.params.MaxLeverage <= 0 || markPrice <= 0 {
		return "", false
	}
	newSize := current.Size
	if order.Side == SideBuy {
		newSize += order.Size
	} else {
		newSize -= order.Size
	}
	newNotional := math.Abs(newSize) * markPrice
	marginUsed := current.MarginUsed
	if marginUsed <= 0 {
		marginUsed = newNotional / r.params.MaxLeverage
	}
	if marginUsed <= 0 {
		return "", false
	}
	projected := newNotional / marginUsed
	if projected > r.params.MaxLeverage {
		return fmt.Sprintf("projected leverage %.2fx exceeds max %.2fx", projected, r.params.MaxLeverage), true
	}
	return "", false
}

func (r *RiskEngine) RecordExecution(instrument string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastExecution[instrument] = r.now()
}

// RecordError advances the rolling error window and trips the circuit breaker
// once the threshold is hit within it. It reports true only on the call that
// performs the trip, so callers can alert and count trips exactly once.
func (r *RiskEngine) RecordError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.errorWindowStart.IsZero() || now.Sub(r.errorWindowStart) > circuitBreakerWindow {
		r.errorWindowStart = now
		r.errorCount = 0
	}
	r.errorCount++
	if r.errorCount >= circuitBreakerThreshold && !r.autoTradingDisabled {
		r.autoTradingDisabled = true
		return true
	}
	return false
}

// ResetCircuitBreaker is the only way the breaker clears; time or later
// successes never reset it.
func (r *RiskEngine) ResetCircuitBreaker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoTradingDisabled = false
	r.errorCount = 0
	r.errorWindowStart = r.now()
}

func (r *RiskEngine) EnablePanicMode() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panicMode = true
}

func (r *RiskEngine) DisablePanicMode() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panicMode = false
}

// UpdateParams replaces the subset of ceilings carried by positive fields.
func (r *RiskEngine) UpdateParams(update RiskParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if update.MaxLeverage > 0 {
		r.params.MaxLeverage = update.MaxLeverage
	}
	if update.MaxTotalNotionalUSD > 0 {
		r.params.MaxTotalNotionalUSD = update.MaxTotalNotionalUSD
	}
	if update.Cooldown > 0 {
		r.params.Cooldown = update.Cooldown
	}
}

// CooldownRemaining returns the time left before the instrument may execute
// again, zero for instruments that never executed.
func (r *RiskEngine) CooldownRemaining(instrument string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastExecution[instrument]
	if !ok {
		return 0
	}
	remaining := r.params.Cooldown - r.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *RiskEngine) State() RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RiskState{
		Params:              r.params,
		PanicMode:           r.panicMode,
		AutoTradingDisabled: r.autoTradingDisabled,
		ErrorCount:          r.errorCount,
		ErrorWindowStart:    r.errorWindowStart,
	}
}
