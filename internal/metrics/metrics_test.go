package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/linemk/shop-orders/internal/metrics"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/orders/"+id, nil))
	}

	expected := `
# HELP shop_http_requests_total Total number of HTTP requests.
# TYPE shop_http_requests_total counter
shop_http_requests_total{method="GET",route="/api/orders/{id}",status="404"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "shop_http_requests_total"))
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Order(metrics.OrderPlaced)
	m.Order(metrics.OrderPlaced)
	m.Payment(metrics.PaymentSourceWebhook, metrics.PaymentOutcomeNoop)

	expected := `
# HELP shop_orders_total Order operations by outcome.
# TYPE shop_orders_total counter
shop_orders_total{outcome="placed"} 2
# HELP shop_payment_events_total Payment reconciliations by source and outcome.
# TYPE shop_payment_events_total counter
shop_payment_events_total{outcome="noop",source="webhook"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "shop_orders_total", "shop_payment_events_total"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Order(metrics.OrderPlaced)
		m.Payment(metrics.PaymentSourceConfirm, metrics.PaymentOutcomeApplied)
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Order(metrics.OrderCancelled)

	rr := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `shop_orders_total{outcome="cancelled"} 1`)
}
