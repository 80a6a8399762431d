package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"hl-mirror-bot/internal/hl/rest"
	"hl-mirror-bot/internal/hl/ws"
	"hl-mirror-bot/internal/mirror"

	"go.uber.org/zap"
)

type PerpContext struct {
	Index       int
	FundingRate float64
	OraclePrice float64
	MarkPrice   float64
	SzDecimals  int
}

// MarketData serves mark and mid prices for perp instruments. Mids stream
// over the allMids websocket subscription; mark prices and asset indices come
// from periodic metaAndAssetCtxs refreshes.
type MarketData struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger

	mu               sync.RWMutex
	midPrices        map[string]float64
	midUpdated       map[string]time.Time
	perpCtx          map[string]PerpContext
	lastCtxRefresh   time.Time
	ctxRefreshWindow time.Duration
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger) *MarketData {
	return &MarketData{
		rest:             restClient,
		ws:               wsClient,
		log:              log,
		midPrices:        make(map[string]float64),
		midUpdated:       make(map[string]time.Time),
		perpCtx:          make(map[string]PerpContext),
		ctxRefreshWindow: 30 * time.Second,
	}
}

func (m *MarketData) Start(ctx context.Context) error {
	if m.ws == nil {
		return nil
	}
	sub := map[string]any{"method": "subscribe", "subscription": map[string]any{"type": "allMids"}}
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	if err := m.ws.Subscribe(ctx, sub); err != nil {
		return err
	}
	if err := m.RefreshContexts(ctx); err != nil {
		m.log.Warn("context refresh failed", zap.Error(err))
	}
	go func() {
		_ = m.ws.Run(ctx, m.handleMessage)
	}()
	return nil
}

func (m *MarketData) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return nil
	}
	if !m.shouldRefresh() {
		return nil
	}
	resp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return err
	}
	perpCtx, err := parsePerpContexts(resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	m.lastCtxRefresh = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MarketData) shouldRefresh() bool {
	m.mu.RLock()
	last := m.lastCtxRefresh
	window := m.ctxRefreshWindow
	m.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= window
}

// Prices returns market prices for the requested instruments. An instrument
// without a known mark price is omitted; callers treat the missing entry as
// a skip for that instrument.
func (m *MarketData) Prices(ctx context.Context, instruments []string) (map[string]mirror.MarketPrice, error) {
	if err := m.RefreshContexts(ctx); err != nil {
		m.mu.RLock()
		empty := len(m.perpCtx) == 0
		m.mu.RUnlock()
		if empty {
			return nil, err
		}
		m.log.Warn("context refresh failed, using cached marks", zap.Error(err))
	}
	prices := make(map[string]mirror.MarketPrice, len(instruments))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, instrument := range instruments {
		pctx, ok := m.perpCtx[instrument]
		if !ok || pctx.MarkPrice <= 0 {
			continue
		}
		price := mirror.MarketPrice{
			MarkPrice: pctx.MarkPrice,
			UpdatedAt: m.lastCtxRefresh,
		}
		if mid, ok := m.midPrices[instrument]; ok {
			price.LastPrice = mid
			if ts, ok := m.midUpdated[instrument]; ok && ts.After(price.UpdatedAt) {
				price.UpdatedAt = ts
			}
		} else {
			price.LastPrice = pctx.MarkPrice
		}
		prices[instrument] = price
	}
	return prices, nil
}

// Mid returns the latest mid price, falling back to a REST allMids fetch when
// the stream has not delivered one yet.
func (m *MarketData) Mid(ctx context.Context, instrument string) (float64, error) {
	m.mu.RLock()
	price, ok := m.midPrices[instrument]
	m.mu.RUnlock()
	if ok {
		return price, nil
	}
	resp, err := m.rest.InfoMap(ctx, rest.InfoRequest{Type: "allMids"})
	if err != nil {
		return 0, err
	}
	m.updateMids(resp)
	m.mu.RLock()
	price, ok = m.midPrices[instrument]
	m.mu.RUnlock()
	if !ok {
		return 0, errors.New("mid price not found")
	}
	return price, nil
}

func (m *MarketData) PerpContext(instrument string) (PerpContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pctx, ok := m.perpCtx[instrument]
	return pctx, ok
}

func (m *MarketData) AssetID(instrument string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pctx, ok := m.perpCtx[instrument]
	if !ok {
		return 0, false
	}
	return pctx.Index, true
}

func (m *MarketData) SzDecimals(instrument string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pctx, ok := m.perpCtx[instrument]
	if !ok {
		return 0, false
	}
	return pctx.SzDecimals, true
}

func (m *MarketData) FundingRate(instrument string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pctx, ok := m.perpCtx[instrument]
	if !ok {
		return 0, false
	}
	return pctx.FundingRate, true
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	m.updateMids(payload)
}

func (m *MarketData) updateMids(payload map[string]any) {
	var mids map[string]any
	if data, ok := payload["data"].(map[string]any); ok {
		if raw, ok := data["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		if raw, ok := payload["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		// /info allMids returns a flat map of symbol -> mid.
		if _, hasData := payload["data"]; !hasData {
			mids = payload
		}
	}
	if mids == nil {
		return
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for instrument, v := range mids {
		if f, ok := floatFromAny(v); ok {
			m.midPrices[instrument] = f
			m.midUpdated[instrument] = now
		}
	}
}
