package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"tasksync/backend/internal/models"

	"github.com/BurntSushi/toml"
)

const defaultJWTSecret = "your-secret-key"

type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Database  DatabaseConfig  `toml:"database" json:"database"`
	Redis     RedisConfig     `toml:"redis" json:"redis"`
	Worker    WorkerConfig    `toml:"worker" json:"worker"`
	Auth      AuthConfig      `toml:"auth" json:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	Cache     CacheConfig     `toml:"cache" json:"cache"`
	Tasks     TasksConfig     `toml:"tasks" json:"tasks"`
}

type ServerConfig struct {
	Host            string        `toml:"host" json:"host"`
	Port            string        `toml:"port" json:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" json:"shutdown_timeout"`
	Environment     string        `toml:"environment" json:"environment"`
	AllowedOrigins  []string      `toml:"allowed_origins" json:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string        `toml:"driver" json:"driver"`
	SQLitePath      string        `toml:"sqlite_path" json:"sqlite_path"`
	Host            string        `toml:"host" json:"host"`
	Port            string        `toml:"port" json:"port"`
	User            string        `toml:"user" json:"user"`
	Password        string        `toml:"password" json:"-"`
	Name            string        `toml:"name" json:"name"`
	SSLMode         string        `toml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `toml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

type RedisConfig struct {
	Enabled      bool          `toml:"enabled" json:"enabled"`
	Host         string        `toml:"host" json:"host"`
	Port         string        `toml:"port" json:"port"`
	Password     string        `toml:"password" json:"-"`
	DB           int           `toml:"db" json:"db"`
	PoolSize     int           `toml:"pool_size" json:"pool_size"`
	MinIdleConns int           `toml:"min_idle_conns" json:"min_idle_conns"`
	MaxRetries   int           `toml:"max_retries" json:"max_retries"`
	DialTimeout  time.Duration `toml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `toml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout" json:"write_timeout"`
}

type WorkerConfig struct {
	Concurrency  int           `toml:"concurrency" json:"concurrency"`
	PollInterval time.Duration `toml:"poll_interval" json:"poll_interval"`
	MaxAttempts  int           `toml:"max_attempts" json:"max_attempts"`
	Queue        string        `toml:"queue" json:"queue"`
}

type AuthConfig struct {
	JWTSecret         string        `toml:"jwt_secret" json:"-"`
	TokenTTL          time.Duration `toml:"token_ttl" json:"token_ttl"`
	BCryptCost        int           `toml:"bcrypt_cost" json:"bcrypt_cost"`
	UsernameMinLength int           `toml:"username_min_length" json:"username_min_length"`
	PasswordMinLength int           `toml:"password_min_length" json:"password_min_length"`
}

type RateLimitConfig struct {
	Enabled         bool          `toml:"enabled" json:"enabled"`
	RequestsPerMin  int           `toml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize       int           `toml:"burst_size" json:"burst_size"`
	CleanupInterval time.Duration `toml:"cleanup_interval" json:"cleanup_interval"`
	// IdleTTL is how long a client's bucket survives without requests.
	IdleTTL time.Duration `toml:"idle_ttl" json:"idle_ttl"`
}

// CacheConfig controls the per-user task list cache.
type CacheConfig struct {
	TTL           time.Duration `toml:"ttl" json:"ttl"`
	SweepInterval time.Duration `toml:"sweep_interval" json:"sweep_interval"`
	MaxEntries    int           `toml:"max_entries" json:"max_entries"`
	UseRedis      bool          `toml:"use_redis" json:"use_redis"`
}

type TasksConfig struct {
	TitleMaxLength int `toml:"title_max_length" json:"title_max_length"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            "8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Environment:     "development",
			AllowedOrigins:  []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			SQLitePath:      "tasksync.db",
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			Name:            "tasksync",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Host:         "localhost",
			Port:         "6379",
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			PollInterval: 5 * time.Second,
			MaxAttempts:  5,
			Queue:        "resync",
		},
		Auth: AuthConfig{
			JWTSecret:         defaultJWTSecret,
			TokenTTL:          30 * 24 * time.Hour,
			BCryptCost:        10,
			UsernameMinLength: 3,
			PasswordMinLength: 6,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			RequestsPerMin:  100,
			BurstSize:       10,
			CleanupInterval: 10 * time.Minute,
			IdleTTL:         30 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			SweepInterval: 5 * time.Minute,
			MaxEntries:    10000,
			UseRedis:      true,
		},
		Tasks: TasksConfig{
			TitleMaxLength: 200,
		},
	}
}

// LoadConfig layers the optional TOML file named by CONFIG_FILE and then the
// environment on top of Default.
func LoadConfig() (*Config, error) {
	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnv(config)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) {
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.ConnMaxIdleTime = getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", c.Database.ConnMaxIdleTime)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvAsInt("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.MinIdleConns = getEnvAsInt("REDIS_MIN_IDLE_CONNS", c.Redis.MinIdleConns)
	c.Redis.MaxRetries = getEnvAsInt("REDIS_MAX_RETRIES", c.Redis.MaxRetries)
	c.Redis.DialTimeout = getEnvAsDuration("REDIS_DIAL_TIMEOUT", c.Redis.DialTimeout)
	c.Redis.ReadTimeout = getEnvAsDuration("REDIS_READ_TIMEOUT", c.Redis.ReadTimeout)
	c.Redis.WriteTimeout = getEnvAsDuration("REDIS_WRITE_TIMEOUT", c.Redis.WriteTimeout)

	c.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.PollInterval = getEnvAsDuration("WORKER_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.MaxAttempts = getEnvAsInt("WORKER_MAX_ATTEMPTS", c.Worker.MaxAttempts)
	c.Worker.Queue = getEnv("WORKER_QUEUE", c.Worker.Queue)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvAsDuration("TOKEN_TTL", c.Auth.TokenTTL)
	c.Auth.BCryptCost = getEnvAsInt("BCRYPT_COST", c.Auth.BCryptCost)
	c.Auth.UsernameMinLength = getEnvAsInt("USERNAME_MIN_LENGTH", c.Auth.UsernameMinLength)
	c.Auth.PasswordMinLength = getEnvAsInt("PASSWORD_MIN_LENGTH", c.Auth.PasswordMinLength)

	c.RateLimit.Enabled = getEnvAsBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RequestsPerMin = getEnvAsInt("RATE_LIMIT_RPM", c.RateLimit.RequestsPerMin)
	c.RateLimit.BurstSize = getEnvAsInt("RATE_LIMIT_BURST", c.RateLimit.BurstSize)
	c.RateLimit.CleanupInterval = getEnvAsDuration("RATE_LIMIT_CLEANUP", c.RateLimit.CleanupInterval)
	c.RateLimit.IdleTTL = getEnvAsDuration("RATE_LIMIT_IDLE_TTL", c.RateLimit.IdleTTL)

	c.Cache.TTL = getEnvAsDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.SweepInterval = getEnvAsDuration("CACHE_SWEEP_INTERVAL", c.Cache.SweepInterval)
	c.Cache.MaxEntries = getEnvAsInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.UseRedis = getEnvAsBool("CACHE_USE_REDIS", c.Cache.UseRedis)

	c.Tasks.TitleMaxLength = getEnvAsInt("TASK_TITLE_MAX_LENGTH", c.Tasks.TitleMaxLength)
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Tasks.TitleMaxLength <= 0 || c.Tasks.TitleMaxLength > models.TitleColumnSize {
		return fmt.Errorf("task title max length must be between 1 and %d", models.TitleColumnSize)
	}

	if c.RateLimit.Enabled && c.RateLimit.IdleTTL <= 0 {
		return fmt.Errorf("rate limit idle TTL must be positive")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if !c.IsProduction() {
		return nil
	}

	if c.Database.Driver == "postgres" && c.Database.Password == "" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT secret must be set in production")
	}

	return nil
}

func (c *Config) GetDatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
