package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusCountersExposed(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersExecuted.Inc()
	prom.Metrics.OrdersRejected.Inc()
	prom.Metrics.OrdersRejected.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	prom.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "hl_mirror_bot_orders_executed_total 1") {
		t.Fatalf("missing executed counter in output:\n%s", body)
	}
	if !strings.Contains(body, "hl_mirror_bot_orders_rejected_total 2") {
		t.Fatalf("missing rejected counter in output:\n%s", body)
	}
}
