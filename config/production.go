// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	JWT        JWTConfig        `json:"jwt"`
	SMS        SMSConfig        `json:"sms"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Cache      CacheConfig      `json:"cache"`
	WatchLink  WatchLinkConfig  `json:"watch_link"`
	Fraud      FraudConfig      `json:"fraud"`
	Video      VideoConfig      `json:"video"`
	Settlement SettlementConfig `json:"settlement"`
	Deployment DeploymentConfig `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

// DSN renders the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	BodyLimit         int           `json:"body_limit"`
	EnableMetrics     bool          `json:"enable_metrics"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	ProxyHeader       string        `json:"proxy_header"`
	EnableCompression bool          `json:"enable_compression"`
}

type SecurityConfig struct {
	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// Rate Limiting
	TrackRateLimit  int           `json:"track_rate_limit"`  // requests per minute per IP on public phase calls
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per minute
	RateLimitWindow time.Duration `json:"rate_limit_window"`
}

// JWTConfig configures the service tokens that guard link creation and ops endpoints
type JWTConfig struct {
	SecretKey      string        `json:"secret_key"`
	AccessTokenTTL time.Duration `json:"access_token_ttl"`
	Issuer         string        `json:"issuer"`
	Audience       string        `json:"audience"`
	Algorithm      string        `json:"algorithm"`
}

type SMSConfig struct {
	ProviderDomain string        `json:"provider_domain"`
	APIKey         string        `json:"api_key"`
	SourceNumber   string        `json:"source_number"`
	RetryCount     int           `json:"retry_count"`
	ValidityPeriod int           `json:"validity_period"`
	Timeout        time.Duration `json:"timeout"`
}

type LoggingConfig struct {
	Level            string `json:"level"`  // debug, info, warn, error
	Format           string `json:"format"` // json, console
	Output           string `json:"output"` // stdout, file, both
	FilePath         string `json:"file_path"`
	MaxSize          int    `json:"max_size"` // MB
	MaxBackups       int    `json:"max_backups"`
	MaxAge           int    `json:"max_age"` // days
	Compress         bool   `json:"compress"`
	EnableCaller     bool   `json:"enable_caller"`
	EnableStacktrace bool   `json:"enable_stacktrace"`
	EnableAccessLog  bool   `json:"enable_access_log"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled         bool          `json:"enabled"`
	Provider        string        `json:"provider"` // redis, memory
	RedisURL        string        `json:"redis_url"`
	RedisDB         int           `json:"redis_db"`
	RedisPrefix     string        `json:"redis_prefix"`
	DefaultTTL      time.Duration `json:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// WatchLinkConfig tunes the watch-link session protocol
type WatchLinkConfig struct {
	SessionTTL       time.Duration `json:"session_ttl"`
	APIDomain        string        `json:"api_domain"`
	DayLocation      string        `json:"day_location"`
	SMSTemplate      string        `json:"sms_template"`
	CredentialSecret string        `json:"-"`
	RotationQueueTTL time.Duration `json:"rotation_queue_ttl"`
	LockTTL          time.Duration `json:"lock_ttl"`
	LockWait         time.Duration `json:"lock_wait"`
	SweepInterval    time.Duration `json:"sweep_interval"`
	SweepBatchSize   int           `json:"sweep_batch_size"`
	Retention        time.Duration `json:"retention"`
}

// FraudConfig selects which fraud flags block a phase transition
type FraudConfig struct {
	BlockingFlags []string `json:"blocking_flags"`
	BlockRule     string   `json:"block_rule"`
}

// VideoConfig selects how the video locator of an ad is produced
type VideoConfig struct {
	Provider       string        `json:"provider"` // cdn, minio
	CDNDomain      string        `json:"cdn_domain"`
	DefaultPath    string        `json:"default_path"`
	MinIOEndpoint  string        `json:"minio_endpoint"`
	MinIOAccessKey string        `json:"-"`
	MinIOSecretKey string        `json:"-"`
	MinIOBucket    string        `json:"minio_bucket"`
	MinIOUseSSL    bool          `json:"minio_use_ssl"`
	PresignTTL     time.Duration `json:"presign_ttl"`
}

// SettlementConfig configures reward issuance and the retry queue
type SettlementConfig struct {
	NodeID             int64         `json:"node_id"`
	DefaultCostPerView int64         `json:"default_cost_per_view"`
	RetryEnabled       bool          `json:"retry_enabled"`
	RetryQueue         string        `json:"retry_queue"`
	MaxRetry           int           `json:"max_retry"`
	RetryDelay         time.Duration `json:"retry_delay"`
	WorkerConcurrency  int           `json:"worker_concurrency"`
}

type DeploymentConfig struct {
	Domain      string `json:"domain"`
	APIDomain   string `json:"api_domain"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from the environment and an optional .env file
func LoadProductionConfig() (*ProductionConfig, error) {
	v, err := newViper(".env")
	if err != nil {
		return nil, err
	}

	cfg := buildConfig(envReader{v})

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newViper reads envFile when present; process environment variables always win
func newViper(envFile string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	if envFile == "" {
		return v, nil
	}
	if _, err := os.Stat(envFile); errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return v, nil
}

func buildConfig(env envReader) *ProductionConfig {
	return &ProductionConfig{
		Database: DatabaseConfig{
			Host:            env.String("DB_HOST", "localhost"),
			Port:            env.Int("DB_PORT", 5432),
			Name:            env.String("DB_NAME", "kusanagi"),
			User:            env.String("DB_USER", "postgres"),
			Password:        env.String("DB_PASSWORD", ""),
			SSLMode:         env.String("DB_SSL_MODE", "require"),
			MaxOpenConns:    env.Int("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    env.Int("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: env.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: env.Duration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    env.Bool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   env.Duration("DB_SLOW_QUERY_TIME", 1*time.Second),
			AutoMigrate:     env.Bool("DB_AUTO_MIGRATE", false),
		},
		Server: ServerConfig{
			Host:              env.String("SERVER_HOST", "0.0.0.0"),
			Port:              env.Int("SERVER_PORT", 8080),
			ReadTimeout:       env.Duration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      env.Duration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       env.Duration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   env.Duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestTimeout:    env.Duration("SERVER_REQUEST_TIMEOUT", 10*time.Second),
			BodyLimit:         env.Int("SERVER_BODY_LIMIT", 1*1024*1024), // 1MB
			EnableMetrics:     env.Bool("SERVER_ENABLE_METRICS", true),
			TrustedProxies:    env.StringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:       env.String("SERVER_PROXY_HEADER", "X-Real-IP"),
			EnableCompression: env.Bool("SERVER_ENABLE_COMPRESSION", true),
		},
		Security: SecurityConfig{
			AllowedOrigins:   env.StringSlice("CORS_ALLOWED_ORIGINS", []string{"https://your-domain.com"}),
			AllowedMethods:   env.StringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:   env.StringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", "X-Meta-Base64"}),
			AllowCredentials: env.Bool("CORS_ALLOW_CREDENTIALS", false),
			CORSMaxAge:       env.Int("CORS_MAX_AGE", 86400),
			TrackRateLimit:   env.Int("TRACK_RATE_LIMIT", 120),
			GlobalRateLimit:  env.Int("GLOBAL_RATE_LIMIT", 2000),
			RateLimitWindow:  env.Duration("RATE_LIMIT_WINDOW", 1*time.Minute),
		},
		JWT: JWTConfig{
			SecretKey:      env.String("JWT_SECRET_KEY", ""),
			AccessTokenTTL: env.Duration("JWT_ACCESS_TOKEN_TTL", 24*time.Hour),
			Issuer:         env.String("JWT_ISSUER", "kusanagi"),
			Audience:       env.String("JWT_AUDIENCE", "kusanagi-api"),
			Algorithm:      env.String("JWT_ALGORITHM", "HS256"),
		},
		SMS: SMSConfig{
			ProviderDomain: env.String("SMS_PROVIDER_DOMAIN", "mock"),
			APIKey:         env.String("SMS_API_KEY", ""),
			SourceNumber:   env.String("SMS_SOURCE_NUMBER", ""),
			RetryCount:     env.Int("SMS_RETRY_COUNT", 3),
			ValidityPeriod: env.Int("SMS_VALIDITY_PERIOD", 300),
			Timeout:        env.Duration("SMS_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:            env.String("LOG_LEVEL", "info"),
			Format:           env.String("LOG_FORMAT", "json"),
			Output:           env.String("LOG_OUTPUT", "stdout"),
			FilePath:         env.String("LOG_FILE_PATH", "/var/log/kusanagi/app.log"),
			MaxSize:          env.Int("LOG_MAX_SIZE", 100),
			MaxBackups:       env.Int("LOG_MAX_BACKUPS", 10),
			MaxAge:           env.Int("LOG_MAX_AGE", 30),
			Compress:         env.Bool("LOG_COMPRESS", true),
			EnableCaller:     env.Bool("LOG_ENABLE_CALLER", true),
			EnableStacktrace: env.Bool("LOG_ENABLE_STACKTRACE", false),
			EnableAccessLog:  env.Bool("LOG_ENABLE_ACCESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: env.Bool("METRICS_ENABLED", true),
			Path:    env.String("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:         env.Bool("CACHE_ENABLED", true),
			Provider:        env.String("CACHE_PROVIDER", "redis"),
			RedisURL:        env.String("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:         env.Int("CACHE_REDIS_DB", 0),
			RedisPrefix:     env.String("CACHE_REDIS_PREFIX", "kusanagi:"),
			DefaultTTL:      env.Duration("CACHE_DEFAULT_TTL", 1*time.Hour),
			CleanupInterval: env.Duration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		},
		WatchLink: WatchLinkConfig{
			SessionTTL:       env.Duration("WATCH_LINK_TTL", 3*time.Hour),
			APIDomain:        env.String("WATCH_LINK_API_DOMAIN", "https://api.your-domain.com"),
			DayLocation:      env.String("WATCH_LINK_DAY_LOCATION", "UTC"),
			SMSTemplate:      env.String("WATCH_LINK_SMS_TEMPLATE", "Watch this short video and earn a reward: %s"),
			CredentialSecret: env.String("WATCH_LINK_CREDENTIAL_SECRET", ""),
			RotationQueueTTL: env.Duration("WATCH_LINK_ROTATION_TTL", 24*time.Hour),
			LockTTL:          env.Duration("WATCH_LINK_LOCK_TTL", 10*time.Second),
			LockWait:         env.Duration("WATCH_LINK_LOCK_WAIT", 3*time.Second),
			SweepInterval:    env.Duration("WATCH_LINK_SWEEP_INTERVAL", 5*time.Minute),
			SweepBatchSize:   env.Int("WATCH_LINK_SWEEP_BATCH_SIZE", 500),
			Retention:        env.Duration("WATCH_LINK_RETENTION", 7*24*time.Hour),
		},
		Fraud: FraudConfig{
			BlockingFlags: env.StringSlice("FRAUD_BLOCKING_FLAGS", nil),
			BlockRule:     env.String("FRAUD_BLOCK_RULE", ""),
		},
		Video: VideoConfig{
			Provider:       env.String("VIDEO_STORAGE_PROVIDER", "cdn"),
			CDNDomain:      env.String("CDN_DOMAIN", "https://cdn.your-domain.com"),
			DefaultPath:    env.String("VIDEO_DEFAULT_PATH", "/ads/default.mp4"),
			MinIOEndpoint:  env.String("MINIO_ENDPOINT", ""),
			MinIOAccessKey: env.String("MINIO_ACCESS_KEY", ""),
			MinIOSecretKey: env.String("MINIO_SECRET_KEY", ""),
			MinIOBucket:    env.String("MINIO_BUCKET", "ads"),
			MinIOUseSSL:    env.Bool("MINIO_USE_SSL", true),
			PresignTTL:     env.Duration("VIDEO_PRESIGN_TTL", 15*time.Minute),
		},
		Settlement: SettlementConfig{
			NodeID:             env.Int64("SETTLEMENT_NODE_ID", 1),
			DefaultCostPerView: env.Int64("SETTLEMENT_DEFAULT_COST_PER_VIEW", 1),
			RetryEnabled:       env.Bool("SETTLEMENT_RETRY_ENABLED", true),
			RetryQueue:         env.String("SETTLEMENT_RETRY_QUEUE", "settlement"),
			MaxRetry:           env.Int("SETTLEMENT_MAX_RETRY", 10),
			RetryDelay:         env.Duration("SETTLEMENT_RETRY_DELAY", 30*time.Second),
			WorkerConcurrency:  env.Int("SETTLEMENT_WORKER_CONCURRENCY", 4),
		},
		Deployment: DeploymentConfig{
			Domain:      env.String("DOMAIN", "your-domain.com"),
			APIDomain:   env.String("API_DOMAIN", "api.your-domain.com"),
			Environment: env.String("APP_ENV", "production"),
			Version:     env.String("VERSION", "1.0.0"),
			CommitHash:  env.String("COMMIT_HASH", "unknown"),
			BuildTime:   env.String("BUILD_TIME", "unknown"),
		},
	}
}

// envReader reads typed keys from viper, falling back to the default when a key is unset
type envReader struct {
	v *viper.Viper
}

func (e envReader) String(key, defaultValue string) string {
	e.v.SetDefault(key, defaultValue)
	return strings.TrimSpace(e.v.GetString(key))
}

func (e envReader) Int(key string, defaultValue int) int {
	e.v.SetDefault(key, defaultValue)
	return e.v.GetInt(key)
}

func (e envReader) Int64(key string, defaultValue int64) int64 {
	e.v.SetDefault(key, defaultValue)
	return e.v.GetInt64(key)
}

func (e envReader) Bool(key string, defaultValue bool) bool {
	e.v.SetDefault(key, defaultValue)
	return e.v.GetBool(key)
}

func (e envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	e.v.SetDefault(key, defaultValue)
	return e.v.GetDuration(key)
}

// StringSlice splits comma separated values
func (e envReader) StringSlice(key string, defaultValue []string) []string {
	if !e.v.IsSet(key) {
		return defaultValue
	}
	var result []string
	for _, item := range strings.Split(e.v.GetString(key), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) > 0 {
		return result
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errs []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errs = append(errs, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errs = append(errs, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "DB_USER is required")
	}
	if cfg.Database.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Validate JWT configuration
	if len(cfg.JWT.SecretKey) < 32 {
		errs = append(errs, "JWT_SECRET_KEY must be at least 32 characters long")
	}
	if cfg.JWT.AccessTokenTTL <= 0 {
		errs = append(errs, "JWT_ACCESS_TOKEN_TTL must be positive")
	}
	if cfg.JWT.Issuer == "" {
		errs = append(errs, "JWT_ISSUER is required")
	}
	if cfg.JWT.Audience == "" {
		errs = append(errs, "JWT_AUDIENCE is required")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errs = append(errs, "SERVER_WRITE_TIMEOUT must be positive")
	}

	// Validate SMS configuration if enabled
	if cfg.SMS.ProviderDomain != "mock" {
		if cfg.SMS.APIKey == "" {
			errs = append(errs, "SMS_API_KEY is required for SMS provider")
		}
		if cfg.SMS.SourceNumber == "" {
			errs = append(errs, "SMS_SOURCE_NUMBER is required for SMS provider")
		}
	}

	// Validate logging configuration
	if cfg.Logging.Level != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.Logging.Level) {
		errs = append(errs, "LOG_LEVEL must be one of: [debug info warn error]")
	}
	if !slices.Contains([]string{"stdout", "file", "both"}, cfg.Logging.Output) {
		errs = append(errs, "LOG_OUTPUT must be one of: [stdout file both]")
	}

	// Validate cache configuration if enabled
	if cfg.Cache.Enabled && cfg.Cache.Provider == "redis" && cfg.Cache.RedisURL == "" {
		errs = append(errs, "CACHE_REDIS_URL is required when cache is enabled with redis provider")
	}

	// Validate watch link configuration
	if cfg.WatchLink.SessionTTL <= 0 {
		errs = append(errs, "WATCH_LINK_TTL must be positive")
	}
	if cfg.WatchLink.APIDomain == "" {
		errs = append(errs, "WATCH_LINK_API_DOMAIN is required")
	}
	if _, err := time.LoadLocation(cfg.WatchLink.DayLocation); err != nil {
		errs = append(errs, fmt.Sprintf("WATCH_LINK_DAY_LOCATION is invalid: %v", err))
	}
	if len(cfg.WatchLink.CredentialSecret) < 16 {
		errs = append(errs, "WATCH_LINK_CREDENTIAL_SECRET must be at least 16 characters long")
	}
	if cfg.WatchLink.SweepInterval <= 0 {
		errs = append(errs, "WATCH_LINK_SWEEP_INTERVAL must be positive")
	}
	if cfg.WatchLink.Retention <= 0 {
		errs = append(errs, "WATCH_LINK_RETENTION must be positive")
	}
	if !strings.Contains(cfg.WatchLink.SMSTemplate, "%s") {
		errs = append(errs, "WATCH_LINK_SMS_TEMPLATE must contain %s for the watch url")
	}

	// Validate video configuration
	switch cfg.Video.Provider {
	case "cdn":
		if cfg.Video.CDNDomain == "" {
			errs = append(errs, "CDN_DOMAIN is required for the cdn video provider")
		}
	case "minio":
		if cfg.Video.MinIOEndpoint == "" || cfg.Video.MinIOBucket == "" {
			errs = append(errs, "MINIO_ENDPOINT and MINIO_BUCKET are required for the minio video provider")
		}
		if cfg.Video.MinIOAccessKey == "" || cfg.Video.MinIOSecretKey == "" {
			errs = append(errs, "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio video provider")
		}
	default:
		errs = append(errs, "VIDEO_STORAGE_PROVIDER must be one of: [cdn minio]")
	}

	// Validate settlement configuration
	if cfg.Settlement.NodeID < 0 || cfg.Settlement.NodeID > 1023 {
		errs = append(errs, "SETTLEMENT_NODE_ID must be between 0 and 1023")
	}
	if cfg.Settlement.DefaultCostPerView <= 0 {
		errs = append(errs, "SETTLEMENT_DEFAULT_COST_PER_VIEW must be positive")
	}
	if cfg.Settlement.RetryEnabled && !(cfg.Cache.Enabled && cfg.Cache.Provider == "redis") {
		errs = append(errs, "SETTLEMENT_RETRY_ENABLED requires the redis cache provider")
	}

	// Return validation errors if any
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
