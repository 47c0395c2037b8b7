package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/linemk/shop-orders/internal/app"
	"github.com/linemk/shop-orders/internal/cache"
	"github.com/linemk/shop-orders/internal/config"
	"github.com/linemk/shop-orders/internal/lib/logger"
	"github.com/linemk/shop-orders/internal/lib/telemetry"
	"github.com/linemk/shop-orders/internal/metrics"
	"github.com/linemk/shop-orders/internal/notify"
	"github.com/linemk/shop-orders/internal/payment"
	"github.com/linemk/shop-orders/internal/service"
	"github.com/linemk/shop-orders/internal/storage"
)

func main() {
	// загрузка конфигурации
	cfg := config.MustLoad()

	// инициализация логгера, зависит от настройки окружения
	log := logger.SetupLogger(cfg.Env)
	log.Info("starting app", slog.String("env", cfg.Env))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.Tracing, cfg.Env)
	if err != nil {
		log.Error("failed to setup tracing", slog.Any("error", err))
		panic(errors.Wrap(err, "failed to setup tracing"))
	}

	// загружаем объект приложения, конфигом и подключением к БД
	application, err := app.NewApp(ctx, log, cfg)
	if err != nil {
		log.Error("failed to initialize app", slog.Any("error", err))
		panic(errors.Wrap(err, "failed to initialize app"))
	}
	defer application.DB.Close()

	pricer, err := service.NewPricerFromConfig(cfg.Pricing)
	if err != nil {
		panic(errors.Wrap(err, "invalid pricing config"))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// уведомления: kafka, если заданы брокеры, иначе только в лог
	var sender notify.Sender = notify.NewLogSender(log)
	if cfg.Kafka.Brokers != "" {
		kafkaSender, err := notify.NewKafkaSender(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			panic(errors.Wrap(err, "failed to create kafka sender"))
		}
		defer kafkaSender.Close()
		sender = kafkaSender
		log.Info("notifications go to kafka", slog.String("topic", cfg.Kafka.Topic))
	}
	dispatcher := notify.NewDispatcher(log, sender, cfg.Notify.Timeout)

	// обработанные события вебхука; без redis повторы отсекаются условными апдейтами
	var events cache.EventMarker = cache.NopEventMarker{}
	if cfg.Redis.Addr != "" {
		rdb := cache.NewRedisClient(cfg.Redis.Addr)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, webhook replays will be re-applied", slog.Any("error", err))
		}
		events = cache.NewRedisEventMarker(rdb, cfg.Tracing.ServiceName, cfg.Redis.EventTTL)
	}

	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		log.Warn("stripe keys are not set, payment endpoints will fail")
	}
	gateway := payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)

	// реализация слоев по работе с БД по каждому направлению
	userRepo := storage.NewUserRepository(application.DB)
	productRepo := storage.NewProductRepository(application.DB)
	cartRepo := storage.NewCartRepository(application.DB)
	orderRepo := storage.NewOrderRepository(application.DB)

	services := app.Services{
		Auth:    service.NewAuthService(log, userRepo, cfg.JWT.Secret, time.Duration(cfg.JWT.TokenTTL)*time.Minute),
		Catalog: service.NewCatalogService(log, productRepo),
		Cart:    service.NewCartService(log, cartRepo, productRepo),
		Orders:  service.NewOrderService(log, application.DB, productRepo, orderRepo, cartRepo, pricer, dispatcher, m),
		Payments: service.NewPaymentService(log, application.DB, orderRepo, productRepo, gateway, events, dispatcher, m,
			cfg.Pricing.Currency),
	}

	router := app.NewRouter(app.RouterDeps{
		Log:       log,
		JWTSecret: cfg.JWT.Secret,
		Users:     userRepo,
		DB:        application.DB,
		Metrics:   m,
		Gatherer:  reg,
		Services:  services,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("starting server", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.Any("error", err))
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	stopSign := <-stop
	log.Info("received shutdown signal", slog.String("signal", stopSign.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", slog.Any("error", err))
	}
	// дожидаемся уведомлений, отправленных уже закоммиченными заказами
	dispatcher.Wait()
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", slog.Any("error", err))
	}
	log.Info("server gracefully stopped")
}
