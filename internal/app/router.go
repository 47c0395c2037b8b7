package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linemk/shop-orders/internal/app/handlers"
	"github.com/linemk/shop-orders/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/shop-orders/internal/lib/logger/handlers/urllog"
	"github.com/linemk/shop-orders/internal/metrics"
	"github.com/linemk/shop-orders/internal/service"
)

// Services собирает сервисы, которые нужны роутеру
type Services struct {
	Auth     service.AuthServiceInterface
	Catalog  service.CatalogService
	Cart     service.CartService
	Orders   service.OrderService
	Payments service.PaymentService
}

type RouterDeps struct {
	Log       *slog.Logger
	JWTSecret string
	Users     jwtmiddleware.UserLookup
	DB        handlers.Pinger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Services  Services
}

// NewRouter собирает chi-роутер со всеми эндпоинтами API
func NewRouter(d RouterDeps) http.Handler {
	log := d.Log
	s := d.Services

	router := chi.NewRouter()
	// настройка middleware
	router.Use(middleware.RequestID)
	router.Use(urllog.CustomLoggerMiddleware(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)
	if d.Metrics != nil {
		router.Use(d.Metrics.Middleware)
	}

	router.Get("/healthz", handlers.HealthHandler(log, d.DB))
	if d.Gatherer != nil {
		router.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	router.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", handlers.RegisterHandler(log, s.Auth))
		r.Post("/auth/login", handlers.LoginHandler(log, s.Auth))

		r.Get("/products", handlers.ListProductsHandler(log, s.Catalog))
		r.Get("/products/{id}", handlers.GetProductHandler(log, s.Catalog))

		// подпись Stripe вместо JWT
		r.Post("/payments/webhook", handlers.WebhookHandler(log, s.Payments))

		r.Group(func(r chi.Router) {
			r.Use(jwtmiddleware.NewJWTMiddleware(log, d.JWTSecret, d.Users))

			r.Get("/cart", handlers.GetCartHandler(log, s.Cart))
			r.Post("/cart/items", handlers.AddCartItemHandler(log, s.Cart))
			r.Delete("/cart/items/{productId}", handlers.RemoveCartItemHandler(log, s.Cart))

			r.Post("/orders", handlers.CreateOrderHandler(log, s.Orders))
			r.Get("/orders", handlers.ListMyOrdersHandler(log, s.Orders))
			r.Get("/orders/{id}", handlers.GetOrderHandler(log, s.Orders))
			r.Post("/orders/{id}/cancel", handlers.CancelOrderHandler(log, s.Orders))

			r.Post("/payments/intent", handlers.CreateIntentHandler(log, s.Payments))
			r.Post("/payments/confirm", handlers.ConfirmPaymentHandler(log, s.Payments))

			r.Route("/admin", func(r chi.Router) {
				r.Use(jwtmiddleware.RequireAdmin)

				r.Post("/products", handlers.CreateProductHandler(log, s.Catalog))
				r.Patch("/products/{id}/stock", handlers.SetStockHandler(log, s.Catalog))

				r.Get("/orders", handlers.AdminListOrdersHandler(log, s.Orders))
				r.Patch("/orders/{id}/status", handlers.UpdateOrderStatusHandler(log, s.Orders))
				r.Post("/orders/{id}/cancel", handlers.CancelOrderHandler(log, s.Orders))

				r.Post("/payments/refund", handlers.RefundHandler(log, s.Payments))
			})
		})
	})

	return router
}
