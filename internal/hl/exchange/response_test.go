package exchange

import (
	"strings"
	"testing"
)

func TestParseOrderResponseFilled(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{
						"filled": map[string]any{
							"oid":     float64(292577153770),
							"totalSz": "2.5",
							"avgPx":   "100.25",
						},
					},
				},
			},
		},
	}
	outcome, err := ParseOrderResponse(resp)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if outcome.OrderID != "292577153770" {
		t.Fatalf("expected order id 292577153770, got %s", outcome.OrderID)
	}
	if outcome.FilledSz != 2.5 || outcome.AvgPrice != 100.25 {
		t.Fatalf("unexpected fill: %+v", outcome)
	}
	if outcome.Resting {
		t.Fatalf("expected non-resting outcome")
	}
}

func TestParseOrderResponseResting(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{
						"resting": map[string]any{
							"oid": float64(77),
						},
					},
				},
			},
		},
	}
	outcome, err := ParseOrderResponse(resp)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if outcome.OrderID != "77" || !outcome.Resting {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestParseOrderResponseOrderError(t *testing.T) {
	resp := map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{
				"statuses": []any{
					map[string]any{
						"error": "Order must have minimum value of $10.",
					},
				},
			},
		},
	}
	outcome, err := ParseOrderResponse(resp)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "minimum value") {
		t.Fatalf("expected exchange message in error, got %v", err)
	}
	if outcome.SubmitErr == "" {
		t.Fatalf("expected submit error to be recorded")
	}
}

func TestParseOrderResponseTopLevelError(t *testing.T) {
	resp := map[string]any{
		"status":   "err",
		"response": "Invalid signature",
	}
	if _, err := ParseOrderResponse(resp); err == nil {
		t.Fatalf("expected error for non-ok status")
	}
}
