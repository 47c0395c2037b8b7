package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// исходы оформления и изменения заказа
const (
	OrderPlaced            = "placed"
	OrderRejectedStock     = "rejected_stock"
	OrderRejectedInvalid   = "rejected_invalid"
	OrderFailed            = "failed"
	OrderCancelled         = "cancelled"
	OrderStatusChanged     = "status_changed"
	PaymentSourceConfirm   = "confirm"
	PaymentSourceWebhook   = "webhook"
	PaymentSourceRefund    = "refund"
	PaymentOutcomeApplied  = "applied"
	PaymentOutcomeNoop     = "noop"
	PaymentOutcomeRejected = "rejected"
	PaymentOutcomeError    = "error"
)

// Metrics хранит коллекторы сервиса. У nil-указателя методы ничего не делают.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	orders   *prometheus.CounterVec
	payments *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shop",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Name:      "orders_total",
			Help:      "Order operations by outcome.",
		}, []string{"outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Name:      "payment_events_total",
			Help:      "Payment reconciliations by source and outcome.",
		}, []string{"source", "outcome"}),
	}
	reg.MustRegister(m.requests, m.latency, m.orders, m.payments)
	return m
}

func (m *Metrics) Order(outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Payment(source, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(source, outcome).Inc()
}

// Middleware считает запросы по шаблону маршрута chi, чтобы id в пути не раздували кардинальность.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
