package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/currency"

	"storefront/cache"
	"storefront/config"
	"storefront/consumers"
	"storefront/controllers"
	"storefront/database"
	"storefront/events"
	"storefront/logger"
	"storefront/middlewares"
	"storefront/payments"
	"storefront/rabbitmq"
	"storefront/services"
	"storefront/utils"
)

func main() {
	cfg := config.LoadConfig()

	log := logger.New(logger.Options{
		Service: "storefront",
		Env:     cfg.AppEnv,
		Level:   cfg.LogLevel,
	})

	if err := run(cfg, log); err != nil {
		log.Error("storefront stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := database.DSN(cfg)
	if cfg.MigrateOnStart {
		if err := database.Migrate(dsn); err != nil {
			return err
		}
	}

	db, err := database.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	cur, err := currency.ParseISO(cfg.Currency)
	if err != nil {
		return err
	}

	var ledger services.EventLedger
	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		ledger = cache.NewEventLedger(rdb, 0)
	} else {
		log.Warn("REDIS_URL not set, webhook deliveries rely on order state for idempotency")
	}

	if cfg.StripeWebhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET not set, every webhook will be rejected")
	}
	gateway := payments.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	orderSvc := services.NewOrderService(db, log)
	lifecycleSvc := services.NewLifecycleService(db, log, cfg.StrictStatusTransitions)
	paymentSvc := services.NewPaymentService(db, gateway, cur, ledger, log)
	cartSvc := services.NewCartService(db, log)

	g, ctx := errgroup.WithContext(ctx)

	if err := startBroker(ctx, g, cfg, db, lifecycleSvc, log); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(newRouter(cfg, db, orderSvc, lifecycleSvc, paymentSvc, cartSvc, log), "storefront"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	g.Go(func() error {
		log.Info("storefront starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startBroker wires the outbox relay to the configured broker. With RabbitMQ
// the order consumer also runs, expiring unpaid orders on the delayed check.
func startBroker(ctx context.Context, g *errgroup.Group, cfg *config.Config, db *database.DB, expirer consumers.PaymentExpirer, log *slog.Logger) error {
	var publisher events.Publisher

	switch cfg.EventBroker {
	case "rabbitmq":
		rmq, err := rabbitmq.NewRabbitMQ(cfg, log)
		if err != nil {
			return err
		}
		if err := rmq.SetupQueues(); err != nil {
			_ = rmq.Close()
			return err
		}
		publisher = rmq

		consumer := consumers.NewOrderConsumer(rmq.Conn, cfg, expirer, log)
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	case "kafka":
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		publisher = kp
	case "none", "":
		log.Warn("EVENT_BROKER is none, outbox events stay pending")
		return nil
	default:
		return errors.New("unknown EVENT_BROKER " + cfg.EventBroker)
	}

	relay := events.NewRelay(db, publisher, cfg.OutboxInterval, cfg.OutboxBatchSize, log)
	g.Go(func() error {
		defer publisher.Close()
		return relay.Run(ctx)
	})

	return nil
}

func newRouter(
	cfg *config.Config,
	db *database.DB,
	orderSvc controllers.OrderService,
	lifecycleSvc controllers.LifecycleService,
	paymentSvc controllers.PaymentService,
	cartSvc controllers.CartService,
	log *slog.Logger,
) *gin.Engine {
	if cfg.AppEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	orders := controllers.NewOrderController(orderSvc, lifecycleSvc, log)
	pay := controllers.NewPaymentController(paymentSvc, log)
	carts := controllers.NewCartController(cartSvc, log)

	r := gin.New()
	r.Use(middlewares.RequestLogger(log), middlewares.PrometheusMiddleware(), gin.Recovery())

	timeout := middlewares.RequestTimeout(cfg.RequestTimeout)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The gateway authenticates with its signature, not a bearer token.
	r.POST("/api/payments/webhook", timeout, pay.Webhook)

	authGroup := r.Group("/api")
	authGroup.Use(timeout, middlewares.AuthMiddleware(cfg.JWTSecret))
	{
		authGroup.GET("/cart", carts.GetCart)
		authGroup.POST("/cart/items", carts.AddToCart)
		authGroup.DELETE("/cart", carts.ClearCart)

		authGroup.POST("/orders", orders.CreateOrder)
		authGroup.GET("/orders", orders.GetUserOrders)
		authGroup.GET("/orders/:id", orders.GetOrderDetails)
		authGroup.PATCH("/orders/:id/cancel", orders.CancelOrder)
		authGroup.PATCH("/orders/:id/status", middlewares.RequireRole(utils.RoleAdmin), orders.UpdateOrderStatus)

		authGroup.POST("/payments/create-payment-intent", pay.CreatePaymentIntent)
		authGroup.GET("/payments/intents/:id", middlewares.RequireRole(utils.RoleAdmin), pay.GetPaymentIntent)
	}

	return r
}
