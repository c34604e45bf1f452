package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"tasksync/backend/internal/cache"
	"tasksync/backend/internal/config"
	"tasksync/backend/internal/database"
	"tasksync/backend/internal/server"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := newLogger(cfg)
	slog.SetDefault(appLogger)

	log.Printf("Starting tasksync (%s) on %s", cfg.Server.Environment, cfg.GetServerAddr())

	poolConfig := database.DefaultPoolConfig()
	poolConfig.Driver = cfg.Database.Driver
	poolConfig.DSN = cfg.GetDatabaseDSN()
	poolConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	poolConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	poolConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	if cfg.IsProduction() {
		poolConfig.LogLevel = logger.Warn
	}

	pool, err := database.NewDatabasePool(poolConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := pool.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Printf("Database ready (%s)", cfg.Database.Driver)

	redisClient := connectRedis(cfg)

	app, err := server.New(cfg, pool.DB, redisClient, appLogger)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	app.Start(context.Background())

	srv := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	log.Printf("Listening on %s", srv.Addr)

	// Operations run concurrently, so ordered teardown stays in one of them.
	operations := map[string]gfshutdown.Operation{
		"tasksync": func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			app.Stop()
			if redisClient != nil {
				err = errors.Join(err, redisClient.Close())
			}
			return errors.Join(err, pool.Close())
		},
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, operations)
	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// connectRedis returns nil when Redis is disabled or unreachable; the service
// then runs with an in-process cache and no resync queue.
func connectRedis(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		log.Printf("Redis disabled")
		return nil
	}

	client := cache.NewRedisClient(&cache.RedisConfig{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis at %s unreachable, continuing without it: %v", cfg.GetRedisAddr(), err)
		client.Close()
		return nil
	}
	log.Printf("Redis connected at %s", cfg.GetRedisAddr())
	return client
}
