package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-mirror-bot/internal/hl/rest"
	"hl-mirror-bot/internal/mirror"

	"go.uber.org/zap"
)

// Source reads account state from the /info endpoint. It is stateless and
// serves any number of addresses, so one Source covers every leader plus the
// follower.
type Source struct {
	rest *rest.Client
	log  *zap.Logger
}

// Snapshot is one address's perp state at a point in time.
type Snapshot struct {
	Positions map[string]mirror.Position
	Account   mirror.AccountInfo
	FetchedAt time.Time
}

func New(restClient *rest.Client, log *zap.Logger) *Source {
	return &Source{rest: restClient, log: log}
}

// State fetches the clearinghouse state for user: all open perp positions
// plus the margin summary.
func (s *Source) State(ctx context.Context, user string) (*Snapshot, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, fmt.Errorf("user address is required")
	}
	payload, err := s.rest.InfoMap(ctx, rest.InfoRequest{Type: "clearinghouseState", User: user})
	if err != nil {
		return nil, fmt.Errorf("clearinghouseState for %s: %w", user, err)
	}
	now := time.Now()
	return &Snapshot{
		Positions: parsePositions(payload, now),
		Account:   parseAccountInfo(payload),
		FetchedAt: now,
	}, nil
}

// Positions is State without the margin summary, for callers that only care
// about exposure.
func (s *Source) Positions(ctx context.Context, user string) (map[string]mirror.Position, error) {
	snap, err := s.State(ctx, user)
	if err != nil {
		return nil, err
	}
	return snap.Positions, nil
}

// OrderRef identifies one resting order for cancellation.
type OrderRef struct {
	OrderID    int64
	Instrument string
}

// OpenOrders lists the user's resting orders.
func (s *Source) OpenOrders(ctx context.Context, user string) ([]OrderRef, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, fmt.Errorf("user address is required")
	}
	raw, err := s.rest.InfoAny(ctx, rest.InfoRequest{Type: "openOrders", User: user})
	if err != nil {
		return nil, fmt.Errorf("openOrders for %s: %w", user, err)
	}
	return parseOpenOrders(raw), nil
}

func parsePositions(payload map[string]any, now time.Time) map[string]mirror.Position {
	positions := make(map[string]mirror.Position)
	if payload == nil {
		return positions
	}
	raw, ok := payload["assetPositions"].([]any)
	if !ok || len(raw) == 0 {
		return positions
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		instrument := stringFromAny(pos["coin"])
		if instrument == "" {
			continue
		}
		size, ok := floatFromAny(pos["szi"])
		if !ok {
			continue
		}
		p := mirror.Position{
			Instrument: instrument,
			Size:       size,
			UpdatedAt:  now,
		}
		if v, ok := floatFromAny(pos["entryPx"]); ok {
			p.EntryPrice = v
		}
		if lev, ok := pos["leverage"].(map[string]any); ok {
			if v, ok := floatFromAny(lev["value"]); ok {
				p.Leverage = v
			}
		}
		if v, ok := floatFromAny(pos["unrealizedPnl"]); ok {
			p.UnrealizedPnl = v
		}
		if v, ok := floatFromAny(pos["marginUsed"]); ok {
			p.MarginUsed = v
		}
		if v, ok := floatFromAny(pos["liquidationPx"]); ok {
			p.LiquidationPx = v
		}
		if v, ok := floatFromAny(pos["returnOnEquity"]); ok {
			p.ReturnOnEquity = v
		}
		positions[instrument] = p
	}
	return positions
}

func parseAccountInfo(payload map[string]any) mirror.AccountInfo {
	var info mirror.AccountInfo
	if payload == nil {
		return info
	}
	summary, ok := payload["marginSummary"].(map[string]any)
	if !ok {
		return info
	}
	if v, ok := floatFromAny(summary["accountValue"]); ok {
		info.Equity = v
	}
	if v, ok := floatFromAny(summary["totalMarginUsed"]); ok {
		info.TotalMarginUsed = v
	}
	if v, ok := floatFromAny(summary["totalNtlPos"]); ok {
		info.TotalNotional = v
	}
	return info
}

func parseOpenOrders(payload any) []OrderRef {
	list, ok := payload.([]any)
	if !ok {
		return nil
	}
	refs := make([]OrderRef, 0, len(list))
	for _, item := range list {
		order, ok := item.(map[string]any)
		if !ok {
			continue
		}
		oid := int64FromAny(order["oid"])
		if oid == 0 {
			continue
		}
		refs = append(refs, OrderRef{
			OrderID:    oid,
			Instrument: stringFromAny(order["coin"]),
		})
	}
	return refs
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}
