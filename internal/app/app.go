package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hl-mirror-bot/internal/account"
	"hl-mirror-bot/internal/alerts"
	"hl-mirror-bot/internal/config"
	"hl-mirror-bot/internal/exec"
	"hl-mirror-bot/internal/hl/exchange"
	"hl-mirror-bot/internal/hl/rest"
	"hl-mirror-bot/internal/hl/ws"
	"hl-mirror-bot/internal/market"
	"hl-mirror-bot/internal/metrics"
	"hl-mirror-bot/internal/mirror"
	"hl-mirror-bot/internal/state"
	"hl-mirror-bot/internal/state/sqlite"
	"hl-mirror-bot/internal/timescale"

	"go.uber.org/zap"
)

type positionSource interface {
	State(ctx context.Context, user string) (*account.Snapshot, error)
}

type priceSource interface {
	Prices(ctx context.Context, instruments []string) (map[string]mirror.MarketPrice, error)
}

type notifier interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alerts.Update, error)
}

// MirrorParams is the per-tick copy configuration. The loop reads one
// snapshot at the top of each tick; UpdateParams replaces fields under the
// mutex so a tick never sees a half-applied change.
type MirrorParams struct {
	Ratio          float64
	NotionalCapUSD float64
	Tif            mirror.Tif
	CopyMode       mirror.CopyMode
	Leaders        []string
}

// ParamUpdate carries optional overrides; nil fields keep the current value.
type ParamUpdate struct {
	Ratio          *float64
	NotionalCapUSD *float64
	Tif            *mirror.Tif
	CopyMode       *mirror.CopyMode
	Leaders        []string
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rest      *rest.Client
	ws        *ws.Client
	exchange  *exchange.Client
	market    *market.MarketData
	positions positionSource
	prices    priceSource
	risk      *mirror.RiskEngine
	executor  *exec.Executor
	metrics   *metrics.Metrics
	alerts    notifier
	tsdb      *timescale.Writer

	promHandler http.Handler
	follower    string

	opsMu          sync.RWMutex
	enabled        bool
	params         MirrorParams
	prevLeaders    map[string]map[string]mirror.Position
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	marketData := market.New(restClient, wsClient, log)
	accountSource := account.New(restClient, log)

	var signer *exchange.Signer
	if !cfg.Mirror.Paper {
		walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
		if walletAddress == "" {
			return nil, errors.New("HL_WALLET_ADDRESS is required")
		}
		privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
		if privateKey == "" {
			return nil, errors.New("HL_PRIVATE_KEY is required")
		}
		isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
		signer, err = exchange.NewSigner(privateKey, isMainnet)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
			return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
		}
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress, cfg.Mirror.Paper)
	if err != nil {
		return nil, err
	}
	exClient.SetLogger(log)

	riskEngine := mirror.NewRiskEngine(mirror.RiskParams{
		MaxLeverage:         cfg.Risk.MaxLeverage,
		MaxTotalNotionalUSD: cfg.Risk.MaxTotalNotionalUSD,
		Cooldown:            cfg.Risk.Cooldown,
	})

	m := metrics.NewNoop()
	var promHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		promHandler = prom.Handler()
	}

	gateway := &exchangeGateway{
		client:   exClient,
		market:   marketData,
		accounts: accountSource,
		user:     cfg.Mirror.FollowerAddress,
	}
	executor := exec.New(gateway, riskEngine, m, log, cfg.Mirror.DryRun)
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		rest:        restClient,
		ws:          wsClient,
		exchange:    exClient,
		market:      marketData,
		positions:   accountSource,
		prices:      marketData,
		risk:        riskEngine,
		executor:    executor,
		metrics:     m,
		alerts:      alertsClient,
		tsdb:        tsdb,
		promHandler: promHandler,
		follower:    cfg.Mirror.FollowerAddress,
		enabled:     cfg.Mirror.Enabled,
		params: MirrorParams{
			Ratio:          cfg.Mirror.CopyRatio,
			NotionalCapUSD: cfg.Mirror.MaxNotionalPerOrderUSD,
			Tif:            mirror.Tif(cfg.Mirror.Tif),
			CopyMode:       mirror.CopyMode(cfg.Mirror.CopyMode),
			Leaders:        append([]string(nil), cfg.Mirror.LeaderAddresses...),
		},
		prevLeaders: make(map[string]map[string]mirror.Position),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	if a.store != nil {
		defer a.store.Close()
	}
	if a.exchange != nil && a.store != nil {
		if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if nstate, ok := a.exchange.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", nstate.Key), zap.Uint64("nonce_seed", nstate.Last))
		}
	}
	a.restoreRuntime(ctx)
	if a.market != nil {
		if err := a.market.Start(ctx); err != nil {
			return err
		}
	}
	a.tsdb.Start(ctx)
	a.startMetricsServer(ctx)
	a.startOperator(ctx)

	a.log.Info("mirror loop started",
		zap.Duration("poll_interval", a.cfg.Mirror.PollInterval),
		zap.Int("leaders", len(a.paramsSnapshot().Leaders)),
		zap.Bool("enabled", a.IsEnabled()),
		zap.Bool("dry_run", a.executor.DryRun()),
		zap.Bool("paper", a.exchange.Paper()),
	)

	// Poll interval is measured from the end of each tick's work, so a slow
	// tick does not cause back-to-back ticks.
	for {
		if a.IsEnabled() {
			if err := a.tick(ctx); err != nil {
				a.log.Warn("mirror tick failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.Mirror.PollInterval):
		}
	}
}

func (a *App) tick(ctx context.Context) error {
	start := time.Now()
	params := a.paramsSnapshot()

	leaderPositions, fetched := a.fetchLeaders(ctx, params.Leaders)
	if fetched == 0 {
		a.log.Warn("no leader data this tick", zap.Int("leaders", len(params.Leaders)))
		return nil
	}

	followerSnap, err := a.positions.State(ctx, a.follower)
	if err != nil {
		return fmt.Errorf("follower fetch: %w", err)
	}

	aggregated := mirror.Aggregate(leaderPositions)
	for _, instrument := range mirror.DetectOrphans(followerSnap.Positions, aggregated) {
		aggregated[instrument] = mirror.Position{Instrument: instrument, UpdatedAt: start}
	}

	targets := mirror.ComputeTargets(aggregated, followerSnap.Positions, params.Ratio)
	targets = filterTargets(targets, params.CopyMode)
	if len(targets) == 0 {
		a.metrics.TicksProcessed.Inc()
		a.recordTick(start, params, fetched, followerSnap, 0, exec.ExecutionResult{Success: true})
		return nil
	}

	marks, err := a.fetchMarks(ctx, targets)
	if err != nil {
		a.log.Warn("market data fetch failed", zap.Error(err))
		marks = nil
	}

	var orders []mirror.OrderRequest
	for _, target := range targets {
		price, ok := marks[target.Instrument]
		if !ok || price.MarkPrice <= 0 {
			a.log.Warn("skipping target without mark price", zap.String("instrument", target.Instrument))
			continue
		}
		orders = append(orders, mirror.GenerateOrders(target, price.MarkPrice, params.NotionalCapUSD, params.Tif)...)
	}
	if len(orders) == 0 {
		a.metrics.TicksProcessed.Inc()
		a.recordTick(start, params, fetched, followerSnap, len(targets), exec.ExecutionResult{Success: true})
		return nil
	}

	result := a.executor.ExecuteOrders(ctx, orders, followerSnap.Positions, followerSnap.Account.TotalNotional, marks)
	a.metrics.TicksProcessed.Inc()
	a.recordTick(start, params, fetched, followerSnap, len(targets), result)
	a.log.Info("tick complete",
		zap.Int("targets", len(targets)),
		zap.Int("orders", len(orders)),
		zap.Int("executed", len(result.Executed)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if result.BreakerTripped {
		a.notify(ctx, "circuit breaker tripped: auto trading disabled until /breaker reset")
	}
	if len(result.Errors) > 0 {
		a.notify(ctx, fmt.Sprintf("execution errors this tick: %s", strings.Join(result.Errors, "; ")))
	}
	return nil
}

// fetchLeaders fans out one fetch per leader and waits for all of them.
// A failed leader is logged and skipped; the rest of the tick uses whatever
// data arrived.
func (a *App) fetchLeaders(ctx context.Context, leaders []string) (map[string][]mirror.Position, int) {
	type leaderResult struct {
		addr      string
		positions map[string]mirror.Position
		err       error
	}
	results := make([]leaderResult, len(leaders))
	var wg sync.WaitGroup
	for i, addr := range leaders {
		wg.Add(1)
		go func(idx int, addr string) {
			defer wg.Done()
			snap, err := a.positions.State(ctx, addr)
			if err != nil {
				results[idx] = leaderResult{addr: addr, err: err}
				return
			}
			results[idx] = leaderResult{addr: addr, positions: snap.Positions}
		}(i, addr)
	}
	wg.Wait()

	leaderPositions := make(map[string][]mirror.Position)
	fetched := 0
	for _, res := range results {
		if res.err != nil {
			a.metrics.LeaderFetchErrors.Inc()
			a.log.Warn("leader fetch failed", zap.String("leader", res.addr), zap.Error(res.err))
			continue
		}
		fetched++
		a.noteLeaderChanges(ctx, res.addr, res.positions)
		list := make([]mirror.Position, 0, len(res.positions))
		for _, pos := range res.positions {
			list = append(list, pos)
		}
		leaderPositions[res.addr] = list
	}
	return leaderPositions, fetched
}

// noteLeaderChanges diffs a leader's snapshot against the previous one and
// sends a notification per changed instrument. The cached snapshot is always
// replaced, regardless of other leaders' outcomes.
func (a *App) noteLeaderChanges(ctx context.Context, addr string, current map[string]mirror.Position) {
	a.opsMu.Lock()
	previous, seen := a.prevLeaders[addr]
	a.prevLeaders[addr] = current
	a.opsMu.Unlock()
	if !seen {
		return
	}
	instruments := make(map[string]struct{}, len(previous)+len(current))
	for instrument := range previous {
		instruments[instrument] = struct{}{}
	}
	for instrument := range current {
		instruments[instrument] = struct{}{}
	}
	names := make([]string, 0, len(instruments))
	for instrument := range instruments {
		names = append(names, instrument)
	}
	sort.Strings(names)
	for _, instrument := range names {
		before := previous[instrument].Size
		after := current[instrument].Size
		if math.Abs(after-before) <= 0.0001 {
			continue
		}
		a.log.Info("leader position changed",
			zap.String("leader", addr),
			zap.String("instrument", instrument),
			zap.Float64("before", before),
			zap.Float64("after", after),
		)
		a.notify(ctx, fmt.Sprintf("leader %s %s: %.6f -> %.6f", addr, instrument, before, after))
	}
}

func (a *App) fetchMarks(ctx context.Context, targets []mirror.PositionTarget) (map[string]mirror.MarketPrice, error) {
	seen := make(map[string]struct{}, len(targets))
	instruments := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, ok := seen[target.Instrument]; ok {
			continue
		}
		seen[target.Instrument] = struct{}{}
		instruments = append(instruments, target.Instrument)
	}
	return a.prices.Prices(ctx, instruments)
}

// filterTargets applies the copy mode: full passes everything, entry-only
// keeps opens and closes but drops size adjustments, signals-only drops all
// targets (notifications still fire from the leader diff path).
func filterTargets(targets []mirror.PositionTarget, mode mirror.CopyMode) []mirror.PositionTarget {
	switch mode {
	case mirror.CopyModeSignalsOnly:
		return nil
	case mirror.CopyModeEntryOnly:
		kept := targets[:0]
		for _, target := range targets {
			opening := math.Abs(target.CurrentSize) <= 0.0001 && math.Abs(target.TargetSize) > 0.0001
			closing := math.Abs(target.CurrentSize) > 0.0001 && math.Abs(target.TargetSize) <= 0.0001
			if opening || closing {
				kept = append(kept, target)
			}
		}
		return kept
	default:
		return targets
	}
}

func (a *App) recordTick(start time.Time, params MirrorParams, fetched int, followerSnap *account.Snapshot, targets int, result exec.ExecutionResult) {
	if a.tsdb == nil {
		return
	}
	instruments := 0
	equity := 0.0
	notional := 0.0
	if followerSnap != nil {
		instruments = len(followerSnap.Positions)
		equity = followerSnap.Account.Equity
		notional = followerSnap.Account.TotalNotional
	}
	a.tsdb.EnqueueTick(timescale.TickSnapshot{
		Time:             start.UTC(),
		Leaders:          len(params.Leaders),
		LeadersFetched:   fetched,
		Instruments:      instruments,
		Targets:          targets,
		OrdersExecuted:   len(result.Executed),
		OrdersRejected:   len(result.Rejected),
		OrderErrors:      len(result.Errors),
		FollowerEquity:   equity,
		TotalNotionalUSD: notional,
		DryRun:           a.executor.DryRun(),
	})
	for _, executed := range result.Executed {
		a.tsdb.EnqueueOrder(timescale.OrderRecord{
			Time:       time.Now().UTC(),
			Instrument: executed.Order.Instrument,
			Side:       string(executed.Order.Side),
			Size:       executed.Order.Size,
			ReduceOnly: executed.Order.ReduceOnly,
			Status:     "executed",
			OrderID:    executed.Result.OrderID,
			FilledSz:   executed.Result.FilledSz,
			AvgPrice:   executed.Result.AvgPrice,
		})
	}
	for _, rejected := range result.Rejected {
		a.tsdb.EnqueueOrder(timescale.OrderRecord{
			Time:       time.Now().UTC(),
			Instrument: rejected.Order.Instrument,
			Side:       string(rejected.Order.Side),
			Size:       rejected.Order.Size,
			ReduceOnly: rejected.Order.ReduceOnly,
			Status:     "rejected",
			Detail:     rejected.Reason,
		})
	}
	for _, msg := range result.Errors {
		a.tsdb.EnqueueOrder(timescale.OrderRecord{
			Time:   time.Now().UTC(),
			Status: "error",
			Detail: msg,
		})
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) Enable() {
	a.opsMu.Lock()
	a.enabled = true
	a.opsMu.Unlock()
	a.persistRuntime(context.Background())
}

func (a *App) Disable() {
	a.opsMu.Lock()
	a.enabled = false
	a.opsMu.Unlock()
	a.persistRuntime(context.Background())
}

func (a *App) IsEnabled() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.enabled
}

func (a *App) paramsSnapshot() MirrorParams {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	params := a.params
	params.Leaders = append([]string(nil), a.params.Leaders...)
	return params
}

// ConfigSnapshot returns the current mirror params plus the enabled flag.
func (a *App) ConfigSnapshot() (MirrorParams, bool) {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	params := a.params
	params.Leaders = append([]string(nil), a.params.Leaders...)
	return params, a.enabled
}

// UpdateParams validates and applies overrides. Changes take effect at the
// start of the next tick.
func (a *App) UpdateParams(update ParamUpdate) error {
	if update.Ratio != nil && (*update.Ratio <= 0 || *update.Ratio > 1) {
		return fmt.Errorf("ratio must be in (0, 1], got %v", *update.Ratio)
	}
	if update.NotionalCapUSD != nil && *update.NotionalCapUSD < 0 {
		return fmt.Errorf("notional cap must be >= 0, got %v", *update.NotionalCapUSD)
	}
	if update.Tif != nil && *update.Tif != mirror.TifIoc && *update.Tif != mirror.TifGtc {
		return fmt.Errorf("tif must be Ioc or Gtc, got %q", *update.Tif)
	}
	if update.CopyMode != nil {
		switch *update.CopyMode {
		case mirror.CopyModeFull, mirror.CopyModeEntryOnly, mirror.CopyModeSignalsOnly:
		default:
			return fmt.Errorf("unknown copy mode %q", *update.CopyMode)
		}
	}
	if update.Leaders != nil {
		cleaned := make([]string, 0, len(update.Leaders))
		for _, addr := range update.Leaders {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				cleaned = append(cleaned, addr)
			}
		}
		if len(cleaned) == 0 {
			return errors.New("leader list must not be empty")
		}
		update.Leaders = cleaned
	}

	a.opsMu.Lock()
	if update.Ratio != nil {
		a.params.Ratio = *update.Ratio
	}
	if update.NotionalCapUSD != nil {
		a.params.NotionalCapUSD = *update.NotionalCapUSD
	}
	if update.Tif != nil {
		a.params.Tif = *update.Tif
	}
	if update.CopyMode != nil {
		a.params.CopyMode = *update.CopyMode
	}
	if update.Leaders != nil {
		a.params.Leaders = update.Leaders
	}
	a.opsMu.Unlock()
	a.persistRuntime(context.Background())
	return nil
}

func (a *App) restoreRuntime(ctx context.Context) {
	runtime, ok, err := state.LoadRuntime(ctx, a.store)
	if err != nil {
		a.log.Warn("runtime state load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	a.opsMu.Lock()
	a.enabled = runtime.Enabled
	if runtime.CopyRatio > 0 {
		a.params.Ratio = runtime.CopyRatio
	}
	if runtime.MaxNotionalPerOrderUSD >= 0 {
		a.params.NotionalCapUSD = runtime.MaxNotionalPerOrderUSD
	}
	if runtime.Tif != "" {
		a.params.Tif = mirror.Tif(runtime.Tif)
	}
	if runtime.CopyMode != "" {
		a.params.CopyMode = mirror.CopyMode(runtime.CopyMode)
	}
	if len(runtime.LeaderAddresses) > 0 {
		a.params.Leaders = append([]string(nil), runtime.LeaderAddresses...)
	}
	a.opsMu.Unlock()
	a.log.Info("runtime state restored",
		zap.Bool("enabled", runtime.Enabled),
		zap.Float64("ratio", runtime.CopyRatio),
		zap.Strings("leaders", runtime.LeaderAddresses),
	)
}

func (a *App) persistRuntime(ctx context.Context) {
	params, enabled := a.ConfigSnapshot()
	runtime := state.Runtime{
		Enabled:                enabled,
		CopyRatio:              params.Ratio,
		MaxNotionalPerOrderUSD: params.NotionalCapUSD,
		Tif:                    string(params.Tif),
		CopyMode:               string(params.CopyMode),
		LeaderAddresses:        params.Leaders,
		UpdatedAtMS:            time.Now().UnixMilli(),
	}
	if err := state.SaveRuntime(ctx, a.store, runtime); err != nil {
		a.log.Warn("runtime state save failed", zap.Error(err))
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.promHandler == nil || !a.cfg.Metrics.Enabled || strings.TrimSpace(a.cfg.Metrics.Listen) == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.promHandler)
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		a.log.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
