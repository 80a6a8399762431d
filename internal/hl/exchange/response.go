package exchange

import (
	"fmt"
	"strconv"
)

// OrderOutcome is the parsed result of a single order submission. The
// exchange reports one status entry per order in the batch.
type OrderOutcome struct {
	OrderID   string
	FilledSz  float64
	AvgPrice  float64
	Resting   bool
	SubmitErr string
}

// ParseOrderResponse extracts the first order status from an /exchange
// response. A top-level error status or a per-order error status both
// surface as errors; the caller treats them as failed submissions.
func ParseOrderResponse(resp map[string]any) (OrderOutcome, error) {
	if resp == nil {
		return OrderOutcome{}, fmt.Errorf("empty exchange response")
	}
	if status, _ := resp["status"].(string); status != "ok" {
		return OrderOutcome{}, fmt.Errorf("exchange rejected action: %v", resp["response"])
	}
	inner, _ := resp["response"].(map[string]any)
	data, _ := inner["data"].(map[string]any)
	statuses, _ := data["statuses"].([]any)
	if len(statuses) == 0 {
		return OrderOutcome{}, fmt.Errorf("exchange response missing order statuses")
	}
	entry, _ := statuses[0].(map[string]any)
	if entry == nil {
		return OrderOutcome{}, fmt.Errorf("malformed order status: %v", statuses[0])
	}
	if msg, ok := entry["error"].(string); ok {
		return OrderOutcome{SubmitErr: msg}, fmt.Errorf("order rejected: %s", msg)
	}
	if filled, ok := entry["filled"].(map[string]any); ok {
		return OrderOutcome{
			OrderID:  oidString(filled["oid"]),
			FilledSz: parseNumeric(filled["totalSz"]),
			AvgPrice: parseNumeric(filled["avgPx"]),
		}, nil
	}
	if resting, ok := entry["resting"].(map[string]any); ok {
		return OrderOutcome{
			OrderID: oidString(resting["oid"]),
			Resting: true,
		}, nil
	}
	return OrderOutcome{}, fmt.Errorf("unrecognized order status: %v", entry)
}

func oidString(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case string:
		return val
	default:
		return ""
	}
}

func parseNumeric(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
