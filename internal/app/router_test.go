package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linemk/shop-orders/internal/app"
	"github.com/linemk/shop-orders/internal/domain/models"
	security "github.com/linemk/shop-orders/internal/jwt-new"
	"github.com/linemk/shop-orders/internal/metrics"
	"github.com/linemk/shop-orders/internal/service"
)

const secret = "router-secret"

type users map[int64]*models.User

func (u users) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, errors.New("not found")
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

// stubPayments реализует только то, что нужно маршрутам в тесте
type stubPayments struct {
	service.PaymentService
	webhookCalls int
}

func (s *stubPayments) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	s.webhookCalls++
	if signature != "ok" {
		return service.ErrInvalidSignature
	}
	return nil
}

func (s *stubPayments) Refund(ctx context.Context, orderID int64, amount *decimal.Decimal) (*models.Order, error) {
	return &models.Order{ID: orderID, PaymentStatus: models.PaymentStatusRefunded}, nil
}

func newRouter(t *testing.T, db pinger) (http.Handler, *stubPayments, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	payments := &stubPayments{}
	router := app.NewRouter(app.RouterDeps{
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		JWTSecret: secret,
		Users: users{
			1: {ID: 1, Email: "buyer@example.com"},
			2: {ID: 2, Email: "admin@example.com", IsAdmin: true},
		},
		DB:       db,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
		Services: app.Services{Payments: payments},
	})
	return router, payments, reg
}

func bearer(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := security.NewToken(context.Background(), user, secret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRouter_AuthGates(t *testing.T) {
	router, _, _ := newRouter(t, pinger{})

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"no token", http.MethodGet, "/api/orders", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/cart", "Bearer nope", http.StatusUnauthorized},
		{"unknown user", http.MethodGet, "/api/cart", bearer(t, &models.User{ID: 99}), http.StatusUnauthorized},
		{"buyer on admin route", http.MethodGet, "/api/admin/orders", bearer(t, &models.User{ID: 1}), http.StatusForbidden},
		// флаг admin в токене не даёт прав: роль берётся из базы
		{"forged admin claim", http.MethodPost, "/api/admin/payments/refund", bearer(t, &models.User{ID: 1, IsAdmin: true}), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRouter_AdminRefund(t *testing.T) {
	router, _, _ := newRouter(t, pinger{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/payments/refund", strings.NewReader(`{"order_id": 5}`))
	req.Header.Set("Authorization", bearer(t, &models.User{ID: 2}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"payment_status":"refunded"`)
}

func TestRouter_WebhookNeedsNoToken(t *testing.T) {
	router, payments, _ := newRouter(t, pinger{})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "ok")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "forged")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, 2, payments.webhookCalls)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router, _, _ := newRouter(t, pinger{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `shop_http_requests_total{method="GET",route="/healthz",status="200"} 1`)

	down, _, _ := newRouter(t, pinger{err: errors.New("connection refused")})
	rr = httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
