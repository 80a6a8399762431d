package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"hl-mirror-bot/internal/account"
	"hl-mirror-bot/internal/hl/exchange"
	"hl-mirror-bot/internal/market"
	"hl-mirror-bot/internal/mirror"
)

// slippageFraction pads IOC limit prices past the mark so marketable orders
// cross the spread.
const slippageFraction = 0.005

type exchangeGateway struct {
	client   *exchange.Client
	market   *market.MarketData
	accounts *account.Source
	user     string
}

func (g *exchangeGateway) PlaceOrder(ctx context.Context, order mirror.OrderRequest) (mirror.OrderResult, error) {
	if g.client == nil {
		return mirror.OrderResult{}, errors.New("exchange client is required")
	}
	assetID, szDecimals, err := g.resolveAsset(ctx, order.Instrument)
	if err != nil {
		return mirror.OrderResult{}, err
	}
	limit := order.LimitPrice
	if limit <= 0 {
		pctx, ok := g.market.PerpContext(order.Instrument)
		if !ok || pctx.MarkPrice <= 0 {
			return mirror.OrderResult{}, fmt.Errorf("no mark price for %s", order.Instrument)
		}
		if order.Side == mirror.SideBuy {
			limit = pctx.MarkPrice * (1 + slippageFraction)
		} else {
			limit = pctx.MarkPrice * (1 - slippageFraction)
		}
	}
	limit = normalizeLimitPrice(limit, szDecimals)
	size := order.Size
	if szDecimals >= 0 {
		size = roundDown(size, szDecimals)
	}
	if size <= 0 || limit <= 0 {
		return mirror.OrderResult{}, fmt.Errorf("derived order size or limit price is invalid for %s", order.Instrument)
	}
	wire, err := exchange.LimitOrderWire(assetID, order.Side == mirror.SideBuy, size, limit, order.ReduceOnly, exchange.Tif(order.Tif), "")
	if err != nil {
		return mirror.OrderResult{}, err
	}
	resp, err := g.client.PlaceOrder(ctx, wire)
	if err != nil {
		return mirror.OrderResult{}, err
	}
	outcome, err := exchange.ParseOrderResponse(resp)
	if err != nil {
		return mirror.OrderResult{}, err
	}
	return mirror.OrderResult{
		Success:  true,
		OrderID:  outcome.OrderID,
		FilledSz: outcome.FilledSz,
		AvgPrice: outcome.AvgPrice,
	}, nil
}

// CancelAllOpenOrders cancels the follower's resting orders, optionally
// scoped to one instrument.
func (g *exchangeGateway) CancelAllOpenOrders(ctx context.Context, instrument string) error {
	if g.client == nil {
		return errors.New("exchange client is required")
	}
	refs, err := g.accounts.OpenOrders(ctx, g.user)
	if err != nil {
		return err
	}
	var cancels []exchange.CancelWire
	for _, ref := range refs {
		if instrument != "" && ref.Instrument != instrument {
			continue
		}
		assetID, _, err := g.resolveAsset(ctx, ref.Instrument)
		if err != nil {
			return err
		}
		cancels = append(cancels, exchange.CancelWire{Asset: assetID, OrderID: ref.OrderID})
	}
	if len(cancels) == 0 {
		return nil
	}
	_, err = g.client.CancelOrders(ctx, cancels)
	return err
}

func (g *exchangeGateway) resolveAsset(ctx context.Context, instrument string) (int, int, error) {
	if id, ok := g.market.AssetID(instrument); ok {
		decimals, _ := g.market.SzDecimals(instrument)
		return id, decimals, nil
	}
	if err := g.market.RefreshContexts(ctx); err != nil {
		return 0, 0, fmt.Errorf("asset id for %s: %w", instrument, err)
	}
	if id, ok := g.market.AssetID(instrument); ok {
		decimals, _ := g.market.SzDecimals(instrument)
		return id, decimals, nil
	}
	return 0, 0, fmt.Errorf("asset id not found for %s", instrument)
}

func roundDown(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Floor(value)
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor) / factor
}

func roundTo(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}

// normalizeLimitPrice clamps a perp price to 5 significant figures and at
// most 6-szDecimals decimal places, matching the exchange's tick rules.
func normalizeLimitPrice(price float64, szDecimals int) float64 {
	if price == 0 {
		return 0
	}
	if sig, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', 5, 64), 64); err == nil {
		price = sig
	}
	decimals := 6
	if szDecimals >= 0 {
		decimals -= szDecimals
		if decimals < 0 {
			decimals = 0
		}
	}
	return roundTo(price, decimals)
}
