package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/handlers"
	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/services/bank"
	"ticket-marketplace/internal/services/bank/paypal"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/monitoring"
	"ticket-marketplace/security"
	"ticket-marketplace/utils"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go/v7"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		logger := app.Logger()

		deps, err := wire(ctx, cfg, logger)
		if err != nil {
			return err
		}

		app.OnTerminate().BindFunc(func(te *core.TerminateEvent) error {
			cancel()
			deps.close(logger)
			return te.Next()
		})

		registerRoutes(e, deps, cfg)
		logger.Info("Server routes registered")

		go func() {
			if err := runWorkers(ctx, deps, cfg, logger); err != nil {
				logger.Error("Background workers stopped", "error", err)
			}
		}()

		return e.Next()
	})

	// Start server
	return app.Start()
}

type dependencies struct {
	redis      *redis.Client
	store      *store.Store
	inventory  *services.InventoryService
	discounts  *services.DiscountService
	settlement *services.SettlementService
	refunds    *services.RefundService
	notifier   *services.PubNubNotifier
	limiter    *security.RateLimiter
}

func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, error) {
	// Initialize Redis
	redisClient, err := utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	gateways := bank.NewRegistry(bank.NewFactory())
	if cfg.PayPal.ClientID != "" {
		err := gateways.Register(ctx, bank.ProviderPayPal, &paypal.Config{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
			WebhookID:    cfg.PayPal.WebhookID,
			Timeout:      cfg.GatewayTimeout,
			TokenStore:   paypal.NewRedisTokenStore(redisClient, cfg.PayPal.ClientID),
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("PayPal is not configured, only free orders can settle")
	}

	// Initialize PubNub
	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	notifier := services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig), logger)

	wmLogger := watermill.NewStdLogger(false, false)
	pub, err := events.NewRedisPublisher(redisClient, wmLogger)
	if err != nil {
		return nil, err
	}
	bus, err := events.NewEventBus(pub, cfg.EventStreamPrefix, wmLogger)
	if err != nil {
		return nil, err
	}

	inventory := services.NewInventoryService(st, cfg.ReservationTTL, logger)
	discounts := services.NewDiscountService(st, logger)
	locker := utils.NewRedisLocker(redisClient, "lock:capture", cfg.CaptureLockTTL)

	settlement := services.NewSettlementService(st, inventory, discounts, gateways, locker, notifier, bus,
		services.SettlementConfig{
			Currency:        cfg.Currency,
			GatewayTimeout:  cfg.GatewayTimeout,
			StaleOrderAfter: cfg.StaleOrderAfter,
			ReconcileAfter:  cfg.ReconcileAfter,
		}, logger)
	refunds := services.NewRefundService(st, inventory, gateways, notifier, bus, cfg.RestockOnRefund, cfg.GatewayTimeout, logger)

	return &dependencies{
		redis:      redisClient,
		store:      st,
		inventory:  inventory,
		discounts:  discounts,
		settlement: settlement,
		refunds:    refunds,
		notifier:   notifier,
		limiter:    security.NewRateLimiter(redisClient, cfg.CheckoutRateLimit, cfg.CheckoutRateWindow, logger),
	}, nil
}

func (d *dependencies) close(logger *slog.Logger) {
	// let in-flight notifications go out
	d.notifier.Wait()
	if err := d.store.Close(); err != nil {
		logger.Error("Failed to close store", "error", err)
	}
	if err := d.redis.Close(); err != nil {
		logger.Error("Failed to close redis", "error", err)
	}
}

func registerRoutes(e *core.ServeEvent, d *dependencies, cfg *config.Config) {
	logger := e.App.Logger()

	eventHandler := handlers.NewEventHandler(d.inventory, logger)
	orderHandler := handlers.NewOrderHandler(d.settlement, d.refunds, logger)
	paymentHandler := handlers.NewPaymentHandler(d.settlement, logger)
	discountHandler := handlers.NewDiscountHandler(d.discounts, d.inventory, logger)
	adminHandler := handlers.NewAdminHandler(d.refunds, logger)

	// Event endpoints
	e.Router.POST("/api/v1/events", eventHandler.RegisterEvent)
	e.Router.GET("/api/v1/events/{eventId}", eventHandler.GetEvent)
	e.Router.POST("/api/v1/events/{eventId}/ticket-types/{type}/availability", eventHandler.UpdateAvailability)

	// Order endpoints
	e.Router.POST("/api/v1/orders", orderHandler.Checkout).BindFunc(d.limiter.Checkout)
	e.Router.GET("/api/v1/orders/{orderId}", orderHandler.GetOrder)
	e.Router.POST("/api/v1/orders/{orderId}/pay", orderHandler.Pay).BindFunc(d.limiter.Checkout)
	e.Router.POST("/api/v1/orders/{orderId}/cancel", orderHandler.Cancel)
	e.Router.POST("/api/v1/orders/{orderId}/refund", orderHandler.RequestRefund)

	// Payment endpoints
	e.Router.POST("/api/v1/payments/{externalId}/capture", paymentHandler.Capture)
	e.Router.POST("/api/v1/payments/webhook", paymentHandler.Webhook)

	// Discount endpoints
	e.Router.POST("/api/v1/discounts/validate", discountHandler.Validate)
	e.Router.GET("/api/v1/discounts", discountHandler.List)
	e.Router.POST("/api/v1/discounts", discountHandler.Create)
	e.Router.PATCH("/api/v1/discounts/{id}", discountHandler.Update)
	e.Router.DELETE("/api/v1/discounts/{id}", discountHandler.Delete)

	// Admin endpoints
	e.Router.GET("/api/v1/admin/refunds", adminHandler.ListRefunds)
	e.Router.POST("/api/v1/admin/refunds/{id}/approve", adminHandler.ApproveRefund)
	e.Router.POST("/api/v1/admin/refunds/{id}/reject", adminHandler.RejectRefund)

	// Health check
	e.Router.GET("/health", func(e *core.RequestEvent) error {
		if err := utils.RedisHealthCheck(e.Request.Context(), d.redis); err != nil {
			return e.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return e.JSON(http.StatusOK, map[string]string{
			"status":      "healthy",
			"environment": cfg.Environment,
		})
	})
}

// runWorkers blocks until ctx is done or a worker fails.
func runWorkers(ctx context.Context, d *dependencies, cfg *config.Config, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, cfg.ReconcileInterval, func() {
			if n, err := d.settlement.ReconcilePending(ctx); err != nil {
				logger.Error("Reconcile pass failed", "error", err)
			} else if n > 0 {
				logger.Info("Reconciled capturing orders", "count", n)
			}
			if n, err := d.inventory.ExpireReservations(ctx); err != nil {
				logger.Error("Reservation sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("Released expired reservations", "count", n)
			}
		})
	})

	g.Go(func() error {
		return every(ctx, cfg.StaleOrderAfter/2, func() {
			if n, err := d.settlement.ExpireStale(ctx); err != nil {
				logger.Error("Stale order sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("Cancelled stale orders", "count", n)
			}
		})
	})

	if cfg.EnableMetrics {
		g.Go(func() error {
			return monitoring.NewMonitor(d.store, cfg.MetricsInterval, logger).Run(ctx)
		})

		srv := &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Shutdown signal received, stopping background workers")
	cancel()
}
