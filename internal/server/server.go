package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tasksync/backend/internal/cache"
	"tasksync/backend/internal/config"
	"tasksync/backend/internal/handlers"
	"tasksync/backend/internal/middleware"
	"tasksync/backend/internal/monitoring"
	"tasksync/backend/internal/repositories"
	"tasksync/backend/internal/services"
	"tasksync/backend/internal/worker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const cacheKeyPrefix = "tasksync"

// App holds the wired services and the HTTP router. Redis is optional: without
// it the list cache stays in-process and failed propagation targets are only
// reported, never queued.
type App struct {
	Router  *gin.Engine
	Metrics *monitoring.Metrics

	Tasks   *services.TaskServiceImpl
	Sharing *services.ShareServiceImpl
	Auth    *services.AuthServiceImpl

	cfg     *config.Config
	db      *gorm.DB
	redis   *redis.Client
	logger  *slog.Logger
	cache   *cache.MultiLevelCache
	limiter *middleware.RateLimiter
	worker  *worker.Worker
	queue   *worker.JobQueue
	cancel  context.CancelFunc
}

// New builds every component on top of an open database. redisClient may be nil.
func New(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{
		cfg:     cfg,
		db:      db,
		redis:   redisClient,
		logger:  logger,
		Metrics: monitoring.NewMetrics(),
	}

	taskRepo := repositories.NewTaskRepository(db)
	userRepo := repositories.NewUserRepository(db)
	requestRepo := repositories.NewShareRequestRepository(db)

	var l2 *cache.RedisCache
	if redisClient != nil && cfg.Cache.UseRedis {
		l2 = cache.NewRedisCache(redisClient, cacheKeyPrefix)
	}
	cacheLogger := logger.With("component", "cache")
	breakerConfig := cache.DefaultCircuitBreakerConfig()
	breakerConfig.OnStateChange = func(from, to cache.CircuitBreakerState) {
		cacheLogger.Warn("shared cache breaker changed state", "from", from.String(), "to", to.String())
	}
	app.cache = cache.NewMultiLevelCache(cache.MultiLevelConfig{
		L1:      cache.NewMemoryCache(nil, cfg.Cache.MaxEntries),
		L2:      l2,
		Breaker: cache.NewCircuitBreaker(breakerConfig),
		Logger:  cacheLogger,
		L1TTL:   cfg.Cache.TTL,
	})
	lists := cache.NewTaskListCache(app.cache, cfg.Cache.TTL, cacheLogger)

	propCfg := services.PropagatorConfig{
		Tasks:    taskRepo,
		Cache:    lists,
		Recorder: app.Metrics,
		Logger:   logger.With("component", "propagation"),
	}
	if redisClient != nil {
		app.queue = worker.NewJobQueue(redisClient, cfg.Worker.Queue, cfg.Worker.MaxAttempts)
		propCfg.Queue = app.queue
	}
	propagator := services.NewPropagator(propCfg)

	app.Tasks = services.NewTaskService(services.TaskServiceConfig{
		DB:             db,
		Tasks:          taskRepo,
		Propagator:     propagator,
		Cache:          lists,
		TitleMaxLength: cfg.Tasks.TitleMaxLength,
		Logger:         logger.With("component", "tasks"),
	})
	app.Sharing = services.NewShareService(services.ShareServiceConfig{
		DB:       db,
		Tasks:    taskRepo,
		Users:    userRepo,
		Requests: requestRepo,
		Cache:    lists,
		Logger:   logger.With("component", "sharing"),
	})
	app.Auth = services.NewAuthService(services.AuthServiceConfig{
		Users:             userRepo,
		Secret:            cfg.Auth.JWTSecret,
		TokenTTL:          cfg.Auth.TokenTTL,
		BCryptCost:        cfg.Auth.BCryptCost,
		UsernameMinLength: cfg.Auth.UsernameMinLength,
		PasswordMinLength: cfg.Auth.PasswordMinLength,
		Logger:            logger.With("component", "auth"),
	})

	if redisClient != nil {
		app.worker = worker.NewWorker(worker.WorkerConfig{
			RedisClient:  redisClient,
			Queue:        cfg.Worker.Queue,
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval,
			Logger:       logger.With("component", "worker"),
		})
		app.worker.RegisterHandler(worker.JobTypeResyncCopy, propagator.ResyncHandler())
	}

	if cfg.RateLimit.Enabled {
		app.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMin: cfg.RateLimit.RequestsPerMin,
			BurstSize:      cfg.RateLimit.BurstSize,
			IdleTTL:        cfg.RateLimit.IdleTTL,
		})
	}

	app.registerChecks()
	app.Router = app.routes()
	return app, nil
}

func (a *App) registerChecks() {
	a.Metrics.RegisterHealthCheck("database", true, func(ctx context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	a.Metrics.RegisterStats("cache", func() interface{} { return a.cache.Stats() })

	if a.redis == nil {
		return
	}
	a.Metrics.RegisterHealthCheck("redis", false, func(ctx context.Context) error {
		return a.redis.Ping(ctx).Err()
	})
	a.Metrics.RegisterStats("resync_queue", func() interface{} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stats := map[string]interface{}{}
		if n, err := a.queue.Size(ctx); err == nil {
			stats["pending"] = n
		}
		if n, err := a.queue.RetrySize(ctx); err == nil {
			stats["retrying"] = n
		}
		if n, err := a.queue.DeadSize(ctx); err == nil {
			stats["dead"] = n
		}
		return stats
	})
}

func (a *App) routes() *gin.Engine {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryWithLog())
	router.Use(a.Metrics.Middleware())
	corsConfig := cors.Config{
		AllowOrigins:  a.cfg.Server.AllowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{handlers.SyncWarningHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", a.Metrics.HealthHandler())
	router.GET("/ready", a.Metrics.ReadinessHandler())
	router.GET("/live", a.Metrics.LivenessHandler())
	router.GET("/metrics", a.Metrics.MetricsHandler())

	authHandler := handlers.NewAuthHandler(a.Auth, a.logger)
	taskHandler := handlers.NewTaskHandler(a.Tasks, a.logger)
	sharingHandler := handlers.NewSharingHandler(a.Sharing, a.Tasks, a.logger)

	authGroup := router.Group("/api/auth")
	if a.limiter != nil {
		authGroup.Use(a.limiter.Middleware())
	}
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(a.Auth))
	if a.limiter != nil {
		api.Use(a.limiter.Middleware())
	}

	tasks := api.Group("/tasks")
	tasks.GET("", taskHandler.GetTasks)
	tasks.POST("", taskHandler.CreateTask)
	tasks.GET("/:id", taskHandler.GetTaskByID)
	tasks.PUT("/:id", taskHandler.UpdateTask)
	tasks.DELETE("/:id", taskHandler.DeleteTask)
	tasks.POST("/:id/subtasks", taskHandler.AddSubtask)
	tasks.PUT("/:id/subtasks/:index", taskHandler.ToggleSubtask)
	tasks.DELETE("/:id/subtasks/:index", taskHandler.RemoveSubtask)
	tasks.PUT("/:id/due-date", taskHandler.SetDueDate)

	sharing := api.Group("/sharing")
	sharing.GET("/requests", sharingHandler.GetRequests)
	sharing.POST("/send-request", sharingHandler.SendRequest)
	sharing.POST("/accept-request/:id", sharingHandler.AcceptRequest)
	sharing.POST("/decline-request/:id", sharingHandler.DeclineRequest)
	sharing.GET("/shared-tasks", sharingHandler.GetSharedTasks)
	sharing.DELETE("/unlink-task/:taskId", sharingHandler.UnlinkTask)
	sharing.POST("/sync-changes/:taskId", sharingHandler.SyncChanges)

	return router
}

// Start launches the background loops: cache sweeper, rate-limit cleanup and,
// with Redis, the resync worker.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.cache.StartSweeper(ctx, a.cfg.Cache.SweepInterval)
	if a.limiter != nil {
		a.limiter.StartCleanup(ctx, a.cfg.RateLimit.CleanupInterval)
	}
	if a.worker != nil {
		a.worker.Start(ctx)
	}
}

// Stop halts the background loops and waits for in-flight resync jobs.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
}
