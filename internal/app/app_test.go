package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-mirror-bot/internal/account"
	"hl-mirror-bot/internal/alerts"
	"hl-mirror-bot/internal/config"
	"hl-mirror-bot/internal/exec"
	"hl-mirror-bot/internal/metrics"
	"hl-mirror-bot/internal/mirror"

	"go.uber.org/zap"
)

type fakePositions struct {
	mu        sync.Mutex
	snapshots map[string]*account.Snapshot
	errs      map[string]error
	calls     []string
}

func (f *fakePositions) State(_ context.Context, user string) (*account.Snapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, user)
	f.mu.Unlock()
	if err, ok := f.errs[user]; ok {
		return nil, err
	}
	snap, ok := f.snapshots[user]
	if !ok {
		return &account.Snapshot{Positions: map[string]mirror.Position{}}, nil
	}
	return snap, nil
}

func (f *fakePositions) called(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if call == user {
			return true
		}
	}
	return false
}

type fakePrices struct {
	prices map[string]mirror.MarketPrice
	err    error
}

func (f *fakePrices) Prices(context.Context, []string) (map[string]mirror.MarketPrice, error) {
	return f.prices, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Send(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeNotifier) GetUpdates(context.Context, int64, time.Duration) ([]alerts.Update, error) {
	return nil, nil
}

type recordingGateway struct {
	mu     sync.Mutex
	orders []mirror.OrderRequest
	fail   bool
}

func (g *recordingGateway) PlaceOrder(_ context.Context, order mirror.OrderRequest) (mirror.OrderResult, error) {
	g.mu.Lock()
	g.orders = append(g.orders, order)
	g.mu.Unlock()
	if g.fail {
		return mirror.OrderResult{}, errors.New("gateway down")
	}
	return mirror.OrderResult{Success: true, OrderID: fmt.Sprintf("oid-%d", len(g.orders)), FilledSz: order.Size}, nil
}

func (g *recordingGateway) CancelAllOpenOrders(context.Context, string) error {
	return nil
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func leaderSnapshot(sizes map[string]float64) *account.Snapshot {
	positions := make(map[string]mirror.Position, len(sizes))
	for instrument, size := range sizes {
		positions[instrument] = mirror.Position{Instrument: instrument, Size: size}
	}
	return &account.Snapshot{Positions: positions}
}

func newTestApp(positions *fakePositions, prices *fakePrices, gateway exec.Gateway) (*App, *mirror.RiskEngine) {
	risk := mirror.NewRiskEngine(mirror.RiskParams{MaxLeverage: 100, MaxTotalNotionalUSD: 1e9})
	log := zap.NewNop()
	m := metrics.NewNoop()
	executor := exec.New(gateway, risk, m, log, false)
	a := &App{
		cfg:       &config.Config{},
		log:       log,
		store:     newMemoryStore(),
		positions: positions,
		prices:    prices,
		risk:      risk,
		executor:  executor,
		metrics:   m,
		alerts:    &fakeNotifier{},
		follower:  "0xF",
		enabled:   true,
		params: MirrorParams{
			Ratio:          0.2,
			NotionalCapUSD: 0,
			Tif:            mirror.TifIoc,
			CopyMode:       mirror.CopyModeFull,
			Leaders:        []string{"0xA", "0xB"},
		},
		prevLeaders: make(map[string]map[string]mirror.Position),
	}
	return a, risk
}

func TestTickMirrorsAggregatedLeaders(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"BTC": 10}),
			"0xB": leaderSnapshot(map[string]float64{"BTC": 20}),
			"0xF": leaderSnapshot(nil),
		},
	}
	prices := &fakePrices{prices: map[string]mirror.MarketPrice{
		"BTC": {MarkPrice: 50000},
	}}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, prices, gateway)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if len(gateway.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(gateway.orders))
	}
	order := gateway.orders[0]
	if order.Instrument != "BTC" || order.Side != mirror.SideBuy {
		t.Fatalf("unexpected order: %+v", order)
	}
	if math.Abs(order.Size-3) > 1e-9 {
		t.Fatalf("expected size 3, got %f", order.Size)
	}
	if order.ReduceOnly {
		t.Fatalf("expected non-reduce-only order")
	}
	counters := a.executor.Counters()
	if counters.Executed != 1 || counters.Rejected != 0 || counters.Errors != 0 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}

func TestTickAbortsWhenNoLeaderData(t *testing.T) {
	positions := &fakePositions{
		errs: map[string]error{
			"0xA": errors.New("timeout"),
			"0xB": errors.New("timeout"),
		},
	}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, &fakePrices{}, gateway)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if positions.called("0xF") {
		t.Fatalf("follower should not be fetched when no leader data arrived")
	}
	if len(gateway.orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(gateway.orders))
	}
}

func TestTickPartialLeaderFailureStillMirrors(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"BTC": 10}),
			"0xF": leaderSnapshot(nil),
		},
		errs: map[string]error{"0xB": errors.New("timeout")},
	}
	prices := &fakePrices{prices: map[string]mirror.MarketPrice{
		"BTC": {MarkPrice: 50000},
	}}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, prices, gateway)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if len(gateway.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(gateway.orders))
	}
	// Only 0xA responded, so the aggregate is its position alone.
	if got := gateway.orders[0].Size; math.Abs(got-2) > 1e-9 {
		t.Fatalf("expected size 2, got %f", got)
	}
}

func TestTickFollowerFetchFails(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"BTC": 10}),
			"0xB": leaderSnapshot(map[string]float64{"BTC": 20}),
		},
		errs: map[string]error{"0xF": errors.New("unavailable")},
	}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, &fakePrices{}, gateway)

	if err := a.tick(context.Background()); err == nil {
		t.Fatalf("expected error when follower fetch fails")
	}
	if len(gateway.orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(gateway.orders))
	}
}

func TestTickClosesOrphanedFollowerPosition(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"ETH": 4}),
			"0xB": leaderSnapshot(map[string]float64{"ETH": 4}),
			"0xF": leaderSnapshot(map[string]float64{"BTC": 5, "ETH": 0.8}),
		},
	}
	prices := &fakePrices{prices: map[string]mirror.MarketPrice{
		"BTC": {MarkPrice: 50000},
		"ETH": {MarkPrice: 3000},
	}}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, prices, gateway)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	var closeOrder *mirror.OrderRequest
	for i := range gateway.orders {
		if gateway.orders[i].Instrument == "BTC" {
			closeOrder = &gateway.orders[i]
		}
	}
	if closeOrder == nil {
		t.Fatalf("expected forced close for BTC, got %+v", gateway.orders)
	}
	if closeOrder.Side != mirror.SideSell || !closeOrder.ReduceOnly {
		t.Fatalf("expected reduce-only sell, got %+v", closeOrder)
	}
	if math.Abs(closeOrder.Size-5) > 1e-9 {
		t.Fatalf("expected size 5, got %f", closeOrder.Size)
	}
}

func TestTickSkipsTargetWithoutMarkPrice(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"BTC": 10, "ETH": 10}),
			"0xB": leaderSnapshot(map[string]float64{"BTC": 10, "ETH": 10}),
			"0xF": leaderSnapshot(nil),
		},
	}
	prices := &fakePrices{prices: map[string]mirror.MarketPrice{
		"BTC": {MarkPrice: 50000},
	}}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, prices, gateway)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if len(gateway.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(gateway.orders))
	}
	if gateway.orders[0].Instrument != "BTC" {
		t.Fatalf("expected BTC order, got %+v", gateway.orders[0])
	}
}

func TestFilterTargetsEntryOnly(t *testing.T) {
	targets := []mirror.PositionTarget{
		{Instrument: "OPEN", CurrentSize: 0, TargetSize: 2, Delta: 2},
		{Instrument: "ADJUST", CurrentSize: 2, TargetSize: 3, Delta: 1},
		{Instrument: "CLOSE", CurrentSize: 2, TargetSize: 0, Delta: -2},
	}
	kept := filterTargets(targets, mirror.CopyModeEntryOnly)
	if len(kept) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(kept))
	}
	for _, target := range kept {
		if target.Instrument == "ADJUST" {
			t.Fatalf("size adjustment should be dropped in entry-only mode")
		}
	}
}

func TestFilterTargetsSignalsOnly(t *testing.T) {
	targets := []mirror.PositionTarget{
		{Instrument: "BTC", CurrentSize: 0, TargetSize: 2, Delta: 2},
	}
	if kept := filterTargets(targets, mirror.CopyModeSignalsOnly); len(kept) != 0 {
		t.Fatalf("expected all targets dropped, got %d", len(kept))
	}
}

func TestTickSignalsOnlyStillNotifies(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"BTC": 10}),
			"0xB": leaderSnapshot(map[string]float64{"BTC": 10}),
			"0xF": leaderSnapshot(nil),
		},
	}
	gateway := &recordingGateway{}
	a, _ := newTestApp(positions, &fakePrices{}, gateway)
	a.params.CopyMode = mirror.CopyModeSignalsOnly
	notifierFake := a.alerts.(*fakeNotifier)

	// First tick seeds the previous snapshots.
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	positions.snapshots["0xA"] = leaderSnapshot(map[string]float64{"BTC": 12})
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if len(gateway.orders) != 0 {
		t.Fatalf("expected no orders in signals-only mode, got %d", len(gateway.orders))
	}
	if len(notifierFake.sent) == 0 {
		t.Fatalf("expected leader change notification")
	}
}

func TestTickAlertsWhenBreakerTrips(t *testing.T) {
	positions := &fakePositions{
		snapshots: map[string]*account.Snapshot{
			"0xA": leaderSnapshot(map[string]float64{"BTC": 10}),
			"0xB": leaderSnapshot(map[string]float64{"BTC": 20}),
			"0xF": leaderSnapshot(nil),
		},
	}
	prices := &fakePrices{prices: map[string]mirror.MarketPrice{
		"BTC": {MarkPrice: 50000},
	}}
	gateway := &recordingGateway{fail: true}
	a, risk := newTestApp(positions, prices, gateway)
	a.executor.SetRetryDelay(time.Millisecond)
	notifierFake := a.alerts.(*fakeNotifier)

	// Four prior failures leave the breaker one error from tripping.
	for i := 0; i < 4; i++ {
		risk.RecordError()
	}
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if !risk.State().AutoTradingDisabled {
		t.Fatalf("expected breaker tripped after the failing tick")
	}
	tripAlert := false
	for _, msg := range notifierFake.sent {
		if strings.Contains(msg, "circuit breaker tripped") {
			tripAlert = true
		}
	}
	if !tripAlert {
		t.Fatalf("expected a circuit breaker alert, got %v", notifierFake.sent)
	}
}

func TestUpdateParamsValidation(t *testing.T) {
	a, _ := newTestApp(&fakePositions{}, &fakePrices{}, &recordingGateway{})

	bad := 1.5
	if err := a.UpdateParams(ParamUpdate{Ratio: &bad}); err == nil {
		t.Fatalf("expected error for ratio > 1")
	}
	badTif := mirror.Tif("Fok")
	if err := a.UpdateParams(ParamUpdate{Tif: &badTif}); err == nil {
		t.Fatalf("expected error for unknown tif")
	}
	if err := a.UpdateParams(ParamUpdate{Leaders: []string{"  "}}); err == nil {
		t.Fatalf("expected error for empty leader list")
	}

	ratio := 0.5
	mode := mirror.CopyModeEntryOnly
	if err := a.UpdateParams(ParamUpdate{Ratio: &ratio, CopyMode: &mode, Leaders: []string{"0xC"}}); err != nil {
		t.Fatalf("update params: %v", err)
	}
	params, _ := a.ConfigSnapshot()
	if params.Ratio != 0.5 || params.CopyMode != mirror.CopyModeEntryOnly {
		t.Fatalf("unexpected params: %+v", params)
	}
	if len(params.Leaders) != 1 || params.Leaders[0] != "0xC" {
		t.Fatalf("unexpected leaders: %v", params.Leaders)
	}
}

func TestEnableDisablePersistsRuntime(t *testing.T) {
	a, _ := newTestApp(&fakePositions{}, &fakePrices{}, &recordingGateway{})
	store := a.store.(*memoryStore)

	a.Disable()
	if a.IsEnabled() {
		t.Fatalf("expected disabled")
	}
	raw, ok, err := store.Get(context.Background(), "mirror:runtime")
	if err != nil || !ok {
		t.Fatalf("expected persisted runtime, got ok=%v err=%v", ok, err)
	}
	if raw == "" {
		t.Fatalf("expected runtime payload")
	}
	a.Enable()
	if !a.IsEnabled() {
		t.Fatalf("expected enabled")
	}
}

func TestRestoreRuntimeAppliesSavedState(t *testing.T) {
	a, _ := newTestApp(&fakePositions{}, &fakePrices{}, &recordingGateway{})
	ratio := 0.7
	if err := a.UpdateParams(ParamUpdate{Ratio: &ratio, Leaders: []string{"0xD"}}); err != nil {
		t.Fatalf("update params: %v", err)
	}
	a.Disable()

	fresh, _ := newTestApp(&fakePositions{}, &fakePrices{}, &recordingGateway{})
	fresh.store = a.store
	fresh.restoreRuntime(context.Background())
	if fresh.IsEnabled() {
		t.Fatalf("expected restored disabled state")
	}
	params, _ := fresh.ConfigSnapshot()
	if params.Ratio != 0.7 {
		t.Fatalf("expected restored ratio 0.7, got %f", params.Ratio)
	}
	if len(params.Leaders) != 1 || params.Leaders[0] != "0xD" {
		t.Fatalf("expected restored leaders, got %v", params.Leaders)
	}
}
