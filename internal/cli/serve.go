package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/cluster"
	"marketplace-chat/internal/db"
	grpcclient "marketplace-chat/internal/grpc"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/notify"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready",
		"mode", rabbitmq.PublisherMode(publisher),
		"reason", rabbitmq.PublisherNoopReason(publisher),
	)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment, logger)

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(ctx, database, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		return fmt.Errorf("dial auth grpc: %w", err)
	}
	defer authConn.Close()

	userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
	if err != nil {
		return fmt.Errorf("dial user grpc: %w", err)
	}
	defer userConn.Close()

	authClient := grpcclient.NewAuthClient(authConn)
	userClient := grpcclient.NewUserClient(userConn)

	conversations := repositories.NewConversationRepo(database)
	messages := repositories.NewMessageRepo(database)

	hub := ws.NewHub(logger)
	defer hub.Close()

	var broadcaster chat.Broadcaster = hub
	var notifier chat.Notifier
	if cfg.RedisURL != "" {
		rdb, err := cluster.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()

		bus := cluster.NewRedisBus(rdb, cfg.FanoutChannel, hub, logger)
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("fanout subscribe: %w", err)
		}
		broadcaster = bus

		queue, err := notify.NewClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("notification queue: %w", err)
		}
		defer queue.Close()
		notifier = notify.NewEnqueuer(queue, notify.Options{
			Queue:    cfg.NotifyQueue,
			Debounce: cfg.NotifyDebounce,
		}, logger)
	} else {
		logger.Warn("REDIS_URL not set, running single-node without push notifications")
	}

	if cfg.AMQPURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.NotifyRelayQueue, notify.RelayBindingKey, logger)
		if err != nil {
			logger.Warn("notification relay disabled", "error", err)
		} else {
			defer consumer.Close()
			relay := notify.NewRelay(broadcaster, logger)
			go func() {
				if err := consumer.Run(ctx, relay.Handle); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("notification relay stopped", "error", err)
				}
			}()
		}
	}

	service := chat.NewService(conversations, messages, userClient, broadcaster, notifier, logger)
	chatHandler := handlers.NewChatHandler(service, audit, logger)
	gateway := ws.NewGateway(hub, service, authClient, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterHealthRoutes(router, database)
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)
	chatHandler.RegisterRoutes(router, middleware.AuthMiddleware(authClient))
	router.GET("/ws", gateway.Handle)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chat service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
