package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"group-chat/internal/auth"
	"group-chat/internal/authz"
	"group-chat/internal/config"
	"group-chat/internal/db"
	"group-chat/internal/encryption"
	"group-chat/internal/grpcserver"
	"group-chat/internal/handlers"
	"group-chat/internal/middleware"
	"group-chat/internal/notify"
	"group-chat/internal/observability"
	"group-chat/internal/rabbitmq"
	"group-chat/internal/repositories"
	"group-chat/internal/storage"
	"group-chat/internal/store"
	"group-chat/internal/telemetry"
	"group-chat/internal/ws"
)

const serviceName = "group-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// the logger level depends on config, so fall back to a production logger here
		zap.Must(zap.NewProduction()).Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	messageRepo, groupRepo, database := openRepositories(cfg, logger)

	codec, err := encryption.NewCodec(cfg.EncryptionKey, cfg.EncryptionOn)
	if err != nil {
		logger.Fatal("init encryption", zap.Error(err))
	}
	logger.Info("encryption configured", zap.Bool("enabled", codec.Enabled()))

	messages := store.NewMessageStore(messageRepo, groupRepo, codec, store.WithMaxMessageLength(cfg.MaxMessageLength))
	gate := authz.NewGate(groupRepo)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange, logger)
	logger.Info("audit publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(auditPublisher)),
		zap.String("reason", rabbitmq.PublisherNoopReason(auditPublisher)))
	observability.SetPublisher(auditPublisher)
	audit := telemetry.NewAuditEmitter(auditPublisher, "audit.messages", serviceName, cfg.Env, logger)

	notifyPublisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.NotifyExchange, logger)
	notifier := notify.NewMessageNotifier(notify.NewDispatcher(notifyPublisher), gate, logger)

	var media handlers.MediaStore
	if cfg.S3.Enabled() {
		s3, err := storage.NewS3Storage(cfg.S3)
		if err != nil {
			logger.Fatal("init media storage", zap.Error(err))
		}
		media = s3
	} else {
		logger.Info("media storage disabled", zap.String("reason", "missing S3 settings"))
	}

	hub := ws.NewHub(logger)
	groupWS := ws.NewGroupWebSocketHandler(hub, messages, gate, verifier, notifier, logger, cfg.WSAuthTimeout)
	messageHandler := handlers.NewMessageHandler(messages, gate, hub, notifier, media, audit)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if database != nil {
			if err := database.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": hub.Rooms()})
	})
	router.GET("/metrics", observability.MetricsHandler())
	router.GET("/ws", groupWS.Handle)

	api := router.Group("", middleware.AuthMiddleware(verifier))
	messageHandler.Register(api)
	handlers.RegisterDebugRoutes(api, audit, hub, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	health := grpcserver.NewHealthServer(logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
		}
	}()
	health.SetServing(true)

	<-ctx.Done()
	logger.Info("shutting down")
	health.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	health.Stop()
	notifier.Wait()
	audit.Wait()
	observability.WaitEvents()

	_ = notifyPublisher.Close()
	_ = auditPublisher.Close()
	if database != nil {
		_ = database.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("service", serviceName))
}

func openRepositories(cfg *config.Config, logger *zap.Logger) (repositories.MessageRepository, repositories.GroupRepository, *sqlx.DB) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return repositories.NewMemoryMessageRepo(), repositories.NewMemoryGroupRepo(), nil
	}

	database, err := db.Connect(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	return repositories.NewMessageRepo(database), repositories.NewGroupRepo(database), database
}
