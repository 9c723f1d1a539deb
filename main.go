package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"anon-chat/internal/config"
	"anon-chat/internal/db"
	"anon-chat/internal/handlers"
	"anon-chat/internal/logging"
	"anon-chat/internal/middleware"
	"anon-chat/internal/observability"
	"anon-chat/internal/rabbitmq"
	"anon-chat/internal/repositories"
	"anon-chat/internal/telemetry"
	"anon-chat/internal/ws"
)

const serviceName = "anon-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Server.OTLPEndpoint, serviceName, cfg.Server.Environment)
	if err != nil {
		logger.WithError(err).Warn("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	clk := clock.New()

	// A missing backend does not stop the process: every /api call then
	// answers {code:500} so clients can tell misconfiguration from outage.
	kv, err := db.Open(ctx, db.Options{
		Backend:    cfg.Store.Backend,
		BadgerPath: cfg.Store.BadgerPath,
		DSN:        cfg.Store.DSN,
	}, clk, logger)
	if err != nil {
		logger.WithError(err).Error("storage backend unavailable")
		kv = nil
	} else {
		defer kv.Close()
		go runJanitor(ctx, kv, clk, cfg.Store.JanitorInterval, logger)
	}

	publisher := rabbitmq.NewPublisher(rabbitmq.Config{
		URL:      cfg.Audit.AMQPURL,
		Exchange: cfg.Audit.Exchange,
	}, logger)
	defer publisher.Close()
	audit := telemetry.NewAuditEmitter(publisher, cfg.Audit.RoutingKey, serviceName, cfg.Server.Environment, logger)

	repo := repositories.NewConversationRepo(kv, cfg.RepositoryOptions(),
		repositories.WithClock(clk),
		repositories.WithLogger(logger),
		repositories.WithExpiryHook(audit.ConversationExpired),
	)

	router := newRouter(routerDeps{
		cfg:       cfg,
		repo:      repo,
		hub:       ws.NewHub(logger),
		audit:     audit,
		publisher: publisher,
		logger:    logger,
		storeUp:   func() bool { return kv != nil },
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown")
	}
}

type routerDeps struct {
	cfg       *config.Config
	repo      repositories.ConversationRepository
	hub       *ws.Hub
	audit     *telemetry.AuditEmitter
	publisher rabbitmq.Publisher
	logger    *logrus.Logger
	storeUp   func() bool
}

func newRouter(d routerDeps) *gin.Engine {
	conversationHandler := handlers.NewConversationHandler(d.repo, d.hub, d.audit, d.logger, d.cfg.Server.MaxMessageBytes)
	conversationWS := ws.NewConversationWebSocketHandler(d.hub, d.repo, d.logger)

	gin.SetMode(d.cfg.Server.GinMode)
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(d.logger))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.CORS(d.cfg.Server.CORSOrigin))

	router.GET("/metrics", observability.MetricsHandler())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "store": d.storeUp()})
	})
	handlers.RegisterDebugRoutes(router, d.audit, d.publisher, d.cfg.Server.DebugRoutes)

	createLimit := middleware.RateLimit(d.cfg.Server.RateLimitRPS, d.cfg.Server.RateLimitBurst)
	api := router.Group("/api", middleware.RequireStore(d.storeUp))

	api.POST("/create-room", createLimit, conversationHandler.CreateRoom)
	api.POST("/send-msg", conversationHandler.SendRoomMessage)
	api.GET("/get-msg", conversationHandler.GetRoomMessages)

	api.POST("/create-friend-code", createLimit, conversationHandler.CreateFriendCode)
	api.POST("/add-friend", createLimit, conversationHandler.AddFriend)
	api.POST("/send-friend-msg", conversationHandler.SendFriendMessage)
	api.GET("/get-friend-msg", conversationHandler.GetFriendMessages)

	api.GET("/ws", conversationWS.Handle)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "unknown endpoint"})
	})
	return router
}

// runJanitor reclaims space held by expired entries until ctx is done.
func runJanitor(ctx context.Context, kv db.KV, clk clock.Clock, every time.Duration, logger *logrus.Logger) {
	if every <= 0 {
		return
	}
	ticker := clk.Ticker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := kv.Sweep(ctx); err != nil {
				logger.WithError(err).Warn("janitor sweep failed")
			}
		}
	}
}
