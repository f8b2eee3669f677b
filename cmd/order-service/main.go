package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/internal/availability"
	"github.com/jogardn/stylestore/internal/config"
	"github.com/jogardn/stylestore/internal/events"
	"github.com/jogardn/stylestore/internal/metrics"
	"github.com/jogardn/stylestore/internal/orders"
	"github.com/jogardn/stylestore/internal/payment"
	"github.com/jogardn/stylestore/internal/server"
	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/internal/store/memory"
	"github.com/jogardn/stylestore/internal/store/mongo"
	"github.com/jogardn/stylestore/internal/store/postgres"
	"github.com/jogardn/stylestore/internal/websocket"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Durable store behind the availability monitor
	durable := newDurable(cfg, logger)
	fallback := memory.New()
	var selector *availability.Selector

	monitor := availability.NewMonitor(durable, availability.Config{
		BaseDelay:           cfg.ReconnectBaseDelay,
		MaxAttempts:         cfg.ReconnectMaxAttempts,
		HealthCheckInterval: cfg.HealthCheckInterval,
		ConnectTimeout:      cfg.ConnectTimeout,
		OnStateChange: func(name string, from, to availability.State) {
			m.SetStoreState(name, int(to), to == availability.StateConnected)
			if to == availability.StateConnected {
				seedAdmin(cfg, durable, logger)
				selector.FallbackOrderIDs(ctx)
			}
		},
		OnAttempt: m.ConnectAttempt,
	}, logger)
	selector = availability.NewSelector(monitor, durable, fallback, availability.Mode(cfg.StoreMode), logger)
	seedAdmin(cfg, fallback, logger)

	// Lifecycle events and the push channel
	hub := websocket.NewHub(logger)
	go hub.Run()
	local := events.NewLocal(logger, hub)

	var (
		publisher events.Publisher = local
		producer  *events.KafkaProducer
		consumer  *events.KafkaConsumer
	)
	if cfg.KafkaBrokers != "" {
		producer, err = events.NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		publisher = producer

		// Every instance needs every event for its own websocket clients.
		consumer, err = events.NewKafkaConsumer(cfg.KafkaBrokers, consumerGroup(cfg.KafkaGroupID), local, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	}

	// Order lifecycle
	service := orders.NewService(selector, logger)
	service.SetPublisher(publisher)
	service.SetTransitionHook(func(eventType events.EventType) {
		m.OrderTransition(string(eventType))
	})
	if cfg.CatalogURL != "" {
		service.SetCatalog(orders.NewCatalogClient(cfg.CatalogURL, cfg.CatalogTimeout))
	}
	admin := orders.NewAdmin(service, logger)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	authn := auth.Middleware(issuer, logger)

	// Routes
	srv := server.New(cfg.Port, logger, m)
	router := srv.Router()

	availability.NewHandler(monitor, selector, logger).RegisterRoutes(router)
	auth.NewHandler(selector, issuer, logger).RegisterRoutes(router)

	ordersHandler := orders.NewHandler(service, admin, logger)
	ordersHandler.SetUpdateStream(hub)
	ordersHandler.RegisterRoutes(router, authn)

	paymentHandler := payment.NewHandler(payment.NewReconciler(service, logger), logger)
	if cfg.PaymentWebhookSecret != "" {
		paymentHandler.EnableWebhook(cfg.PaymentWebhookSecret)
	}
	paymentHandler.RegisterRoutes(router, authn)

	if err := monitor.Start(ctx); err != nil && !errors.Is(err, availability.ErrAlreadyStarted) {
		logger.WithFields(logrus.Fields{
			"store": durable.Host(),
			"mode":  cfg.StoreMode,
			"error": err.Error(),
		}).Warn("Durable store not reachable at startup, reconnecting in background")
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close Kafka consumer")
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close Kafka producer")
		}
	}
	hub.Stop()
	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to close durable store")
	}
}

func newDurable(cfg *config.Config, logger *logrus.Logger) store.Durable {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		return mongo.New(cfg.MongoURI, cfg.MongoDatabase, logger)
	default:
		return postgres.New(cfg.Postgres(), logger)
	}
}

func seedAdmin(cfg *config.Config, users store.UserStore, logger *logrus.Logger) {
	if cfg.AdminEmail == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	admin, err := auth.EnsureAdmin(ctx, users, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		logger.WithError(err).Warn("Failed to seed admin account")
		return
	}
	logger.WithField("user_id", admin.ID).Info("Admin account ready")
}

func consumerGroup(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return prefix + "-" + host
}
