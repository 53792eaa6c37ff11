package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"servify/automation/internal/config"
	"servify/automation/internal/handlers"
	"servify/automation/internal/metrics"
	"servify/automation/internal/middleware"
	"servify/automation/internal/observability"
	"servify/automation/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP API, the ticket event consumer and the time_check scheduler",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err != nil {
		log.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	engine, rdb := newEngine(cfg, db, log)
	if rdb != nil {
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 事件总线：HTTP 入口发布，订阅方触发工作流
	bus := services.NewTicketEventBus(cfg.Automation.Events, log)
	defer bus.Close()
	publisher := services.NewTicketEventPublisher(bus, cfg.Automation.Events.Topic)
	subscriber := services.NewTicketEventSubscriber(bus, cfg.Automation.Events.Topic, engine.Dispatcher, log)
	go func() {
		if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("event subscriber stopped: %v", err)
		}
	}()
	// 订阅建立前发布的事件会被丢弃
	select {
	case <-subscriber.Ready():
	case <-time.After(5 * time.Second):
		log.Warn("event subscriber not ready, events published now may be dropped")
	}

	if cfg.Automation.Scheduler.Enabled {
		if err := engine.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer engine.Scheduler.Stop()
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, engine, publisher, db, rdb, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()
	log.Info("Server exited")
	return nil
}

func setupRouter(cfg *config.Config, engine *services.Engine, publisher handlers.EventPublisher, db *gorm.DB, rdb redis.UniversalClient, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg, "global"))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	r.GET("/health", handlers.NewHealthHandler(db, rdb, Version).Health)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	require := func(perm string) gin.HandlerFunc { return middleware.RequirePermission(cfg, perm) }
	handlers.RegisterWorkflowRoutes(api, handlers.NewWorkflowHandler(engine.Workflows, engine.Dispatcher, publisher, log), require)
	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PATCH, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization"
	if cors := cfg.Security.CORS; cors.Enabled {
		if len(cors.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cors.AllowedOrigins, ", ")
		}
		if len(cors.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cors.AllowedMethods, ", ")
		}
		if len(cors.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cors.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
