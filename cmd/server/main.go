package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/storechat/internal/api"
	"github.com/lalith-99/storechat/internal/assign"
	"github.com/lalith-99/storechat/internal/config"
	"github.com/lalith-99/storechat/internal/db"
	"github.com/lalith-99/storechat/internal/lifecycle"
	"github.com/lalith-99/storechat/internal/middleware"
	"github.com/lalith-99/storechat/internal/models"
	"github.com/lalith-99/storechat/internal/notify"
	"github.com/lalith-99/storechat/internal/observ"
	"github.com/lalith-99/storechat/internal/presence"
	"github.com/lalith-99/storechat/internal/registry"
	"github.com/lalith-99/storechat/internal/repository"
	"github.com/lalith-99/storechat/internal/repository/postgres"
	"github.com/lalith-99/storechat/internal/router"
	"github.com/lalith-99/storechat/internal/search"
	"github.com/lalith-99/storechat/internal/ws"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ctx cancels on SIGINT/SIGTERM; every background loop hangs off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	rdb, err := db.NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	pool := database.Pool()
	store := repository.Store{
		Conversations: postgres.NewConversationStore(pool),
		Messages:      postgres.NewMessageStore(pool),
		ReadMarks:     postgres.NewReadMarkStore(pool),
	}

	// Engine wiring, dependency order: registry → dispatcher → router →
	// assignment manager → lifecycle → presence tracker → gateway.
	reg := registry.New(logger)

	dispatcher := notify.NewDispatcher(reg, rdb, models.NotificationPrefs{
		QuietHours: models.QuietHours{
			Start:    cfg.QuietHoursStart,
			End:      cfg.QuietHoursEnd,
			Timezone: cfg.QuietHoursTimezone,
			Enabled:  true,
		},
		Types:                notify.DefaultTypes(),
		SoundEnabled:         cfg.SoundEnabled,
		DesktopNotifications: cfg.DesktopNotifications,
	}, logger)

	rt := router.New(store, reg, dispatcher, logger)
	manager := assign.NewManager(store, reg, rt, dispatcher, cfg.MaxConcurrentChats, cfg.AssignSweepInterval, logger)
	lc := lifecycle.NewService(store, rt, manager, logger)
	tracker := presence.NewTracker(reg, manager, rt, logger)
	gateway := ws.NewGateway(reg, rt, lc, manager, tracker, store, logger)

	go tracker.Run(ctx)
	go manager.Run(ctx)

	searchSvc := search.NewService(store, logger)
	conversations := api.NewConversationHandler(searchSvc, lc, manager, store, logger)
	agents := api.NewAgentHandler(searchSvc, logger)
	notifications := api.NewNotificationHandler(dispatcher, logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Recovery())

	// Health check is PUBLIC — load balancers hit this unauthenticated.
	srv.GET("/v1/health", func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	v1.GET("/ws", gateway.Handle)

	v1.POST("/conversations", middleware.RequireRole(models.RoleCustomer), conversations.Create)
	v1.GET("/conversations", middleware.RequireRole(models.RoleAgent, models.RoleSupervisor), conversations.List)
	v1.GET("/conversations/:id", conversations.GetByID)
	v1.PATCH("/conversations/:id", middleware.RequireRole(models.RoleAgent, models.RoleSupervisor), conversations.Update)
	v1.GET("/conversations/:id/messages", conversations.Messages)

	v1.GET("/agents/:id/metrics", middleware.RequireRole(models.RoleSupervisor), agents.Metrics)

	v1.GET("/notifications/prefs", notifications.GetPrefs)
	v1.PUT("/notifications/prefs", notifications.UpdatePrefs)
	v1.GET("/notifications/feed", notifications.Feed)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting storechat",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// Drain in-flight requests; WebSocket pumps notice their connections
	// closing and unregister themselves.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
