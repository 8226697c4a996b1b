package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messenger/internal/config"
	"messenger/internal/db"
	"messenger/internal/delivery"
	grpcclient "messenger/internal/grpc"
	"messenger/internal/handlers"
	"messenger/internal/logging"
	"messenger/internal/middleware"
	"messenger/internal/observability"
	"messenger/internal/presence"
	"messenger/internal/rabbitmq"
	"messenger/internal/repositories"
	"messenger/internal/telemetry"
	"messenger/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	var (
		conversations repositories.ConversationRepository
		messages      repositories.MessageRepository
		users         repositories.UserRepository
	)
	switch cfg.StoreDriver {
	case "memory":
		store := repositories.NewMemoryStore()
		conversations, messages, users = store.Conversations(), store.Messages(), store.Users()
		log.Warn("using in-memory store, data is lost on restart")
	default:
		database, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("failed to connect to db: %v", err)
		}
		defer database.Close()
		conversations = repositories.NewConversationRepo(database)
		messages = repositories.NewMessageRepo(database)
		users = repositories.NewUserRepo(database)
	}

	authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		log.Fatalf("failed to connect to auth grpc: %v", err)
	}
	defer authConn.Close()

	userConn, err := grpcclient.Dial(cfg.UserGRPCAddr)
	if err != nil {
		log.Fatalf("failed to connect to user grpc: %v", err)
	}
	defer userConn.Close()

	authClient := grpcclient.NewAuthClient(authConn)
	userClient := grpcclient.NewUserClient(userConn)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.WithFields(log.Fields{
		"mode":   rabbitmq.PublisherMode(publisher),
		"reason": rabbitmq.PublisherNoopReason(publisher),
	}).Info("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "messenger", cfg.Environment)

	registry := presence.NewRegistry(users)
	hub := ws.NewHub()
	coordinator := delivery.New(conversations, messages, hub, registry, delivery.WithAudit(audit))
	go coordinator.Run(ctx)

	socket := ws.NewSocketHandler(hub, coordinator, authClient, ws.Options{
		SendBuffer:   cfg.WSSendBuffer,
		PingInterval: cfg.WSPingInterval,
		RateLimit:    cfg.WSRateLimit,
		RateBurst:    cfg.WSRateBurst,
	})
	conversationHandler := handlers.NewConversationHandler(conversations, messages, userClient, registry, audit, cfg.HistoryLimit)
	messageHandler := handlers.NewMessageHandler(coordinator)
	presenceHandler := handlers.NewPresenceHandler(registry)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware("messenger"))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", socket.Handle)

	authMiddleware := middleware.AuthMiddleware(authClient)
	api := router.Group("/", authMiddleware)
	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations", conversationHandler.OpenConversation)
	api.GET("/conversations/:id/messages", conversationHandler.GetMessages)
	api.POST("/conversations/:id/messages", messageHandler.PostMessage)
	api.DELETE("/conversations/:id/messages", conversationHandler.ClearHistory)
	api.PUT("/conversations/:id/background", conversationHandler.SetBackground)
	api.PATCH("/messages/:id", messageHandler.EditMessage)
	api.DELETE("/messages/:id", messageHandler.DeleteMessage)
	api.GET("/users/:id/presence", presenceHandler.GetPresence)

	handlers.RegisterDebugRoutes(router, audit, registry, cfg.DebugRoutes)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("port", cfg.Port).Info("messenger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
}
