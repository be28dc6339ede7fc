package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BrokerConfig  BrokerConfig  `json:"broker"`
	GuardConfig   GuardConfig   `json:"guard"`
	LoggingConfig LoggingConfig `json:"logging"`
	ServerConfig  ServerConfig  `json:"server"`
	AuthConfig    AuthConfig    `json:"auth"`
	VaultConfig   VaultConfig   `json:"vault"`
	RedisConfig   RedisConfig   `json:"redis"`
}

// BrokerConfig holds trading venue connectivity settings.
// API credentials are per-account and stored in Vault, never here.
type BrokerConfig struct {
	BaseURL        string `json:"base_url"`
	StreamURL      string `json:"stream_url"`
	TestNet        bool   `json:"testnet"`
	RequestTimeout int    `json:"request_timeout"` // Seconds per broker call
}

// GuardConfig holds every tunable of the safety control plane.
type GuardConfig struct {
	// Circuit breaker
	BreakerEnabled       bool    `json:"breaker_enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"` // Percent of account equity

	// Reconciliation
	ReconcileInterval           time.Duration `json:"reconcile_interval"`
	ReconcileAccountTimeout     time.Duration `json:"reconcile_account_timeout"`
	ReconcileMaxConcurrent      int           `json:"reconcile_max_concurrent"`
	QtyTolerance                float64       `json:"qty_tolerance"`
	PriceTolerancePct           float64       `json:"price_tolerance_pct"`
	AutoCancelPendingOnMismatch bool          `json:"auto_cancel_pending_on_mismatch"`
	AutoFlattenOnMismatch       bool          `json:"auto_flatten_on_mismatch"`

	// Exit retry
	RetryDrainInterval time.Duration `json:"retry_drain_interval"`
	RetryBackoffBase   time.Duration `json:"retry_backoff_base"`
	RetryBackoffMax    time.Duration `json:"retry_backoff_max"`
	RetryMaxAttempts   int           `json:"retry_max_attempts"`

	// Stop-loss enforcement
	StopAckTimeout time.Duration `json:"stop_ack_timeout"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
	AdminEmail          string        `json:"admin_email"`
	AdminPasswordHash   string        `json:"admin_password_hash"` // bcrypt hash
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func Load() (*Config, error) {
	// Base config from file when present, environment always wins
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Broker config - credentials are per-account, stored in Vault
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	if cfg.BrokerConfig.BaseURL == "" {
		cfg.BrokerConfig.BaseURL = "https://fapi.binance.com"
	}
	cfg.BrokerConfig.StreamURL = getEnvOrDefault("BROKER_STREAM_URL", cfg.BrokerConfig.StreamURL)
	if cfg.BrokerConfig.StreamURL == "" {
		cfg.BrokerConfig.StreamURL = "wss://fstream.binance.com"
	}
	cfg.BrokerConfig.TestNet = getEnvOrDefault("BROKER_TESTNET", "false") == "true"
	cfg.BrokerConfig.RequestTimeout = getEnvIntOrDefault("BROKER_REQUEST_TIMEOUT", 10)

	// Guard config - circuit breaker
	cfg.GuardConfig.BreakerEnabled = getEnvOrDefault("GUARD_BREAKER_ENABLED", "true") == "true"
	cfg.GuardConfig.MaxConsecutiveLosses = getEnvIntOrDefault("GUARD_MAX_CONSECUTIVE_LOSSES", 3)
	cfg.GuardConfig.CooldownMinutes = getEnvIntOrDefault("GUARD_COOLDOWN_MINUTES", 30)
	cfg.GuardConfig.MaxDailyLossPct = getEnvFloatOrDefault("GUARD_MAX_DAILY_LOSS_PCT", 5.0)

	// Guard config - reconciliation
	cfg.GuardConfig.ReconcileInterval = getEnvDurationOrDefault("GUARD_RECONCILE_INTERVAL", 1*time.Minute)
	cfg.GuardConfig.ReconcileAccountTimeout = getEnvDurationOrDefault("GUARD_RECONCILE_ACCOUNT_TIMEOUT", 30*time.Second)
	cfg.GuardConfig.ReconcileMaxConcurrent = getEnvIntOrDefault("GUARD_RECONCILE_MAX_CONCURRENT", 5)
	cfg.GuardConfig.QtyTolerance = getEnvFloatOrDefault("GUARD_QTY_TOLERANCE", 0.0001)
	cfg.GuardConfig.PriceTolerancePct = getEnvFloatOrDefault("GUARD_PRICE_TOLERANCE_PCT", 0.5)
	cfg.GuardConfig.AutoCancelPendingOnMismatch = getEnvOrDefault("GUARD_AUTO_CANCEL_ON_MISMATCH", "true") == "true"
	cfg.GuardConfig.AutoFlattenOnMismatch = getEnvOrDefault("GUARD_AUTO_FLATTEN_ON_MISMATCH", "false") == "true"

	// Guard config - exit retry
	cfg.GuardConfig.RetryDrainInterval = getEnvDurationOrDefault("GUARD_RETRY_DRAIN_INTERVAL", 15*time.Second)
	cfg.GuardConfig.RetryBackoffBase = getEnvDurationOrDefault("GUARD_RETRY_BACKOFF_BASE", 10*time.Second)
	cfg.GuardConfig.RetryBackoffMax = getEnvDurationOrDefault("GUARD_RETRY_BACKOFF_MAX", 5*time.Minute)
	cfg.GuardConfig.RetryMaxAttempts = getEnvIntOrDefault("GUARD_RETRY_MAX_ATTEMPTS", 8)

	// Guard config - stop-loss enforcement
	cfg.GuardConfig.StopAckTimeout = getEnvDurationOrDefault("GUARD_STOP_ACK_TIMEOUT", 20*time.Second)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", "false") == "true"

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8088)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config - always from environment
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)
	cfg.AuthConfig.AdminEmail = getEnvOrDefault("AUTH_ADMIN_EMAIL", cfg.AuthConfig.AdminEmail)
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-guardian/broker-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
