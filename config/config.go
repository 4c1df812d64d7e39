package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ChainConfig    ChainConfig    `json:"chain"`
	PricingConfig  PricingConfig  `json:"pricing"`
	LicenseConfig  LicenseConfig  `json:"license"`
	WebhookConfig  WebhookConfig  `json:"webhook"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	VaultConfig    VaultConfig    `json:"vault"`
	EmailConfig    EmailConfig    `json:"email"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ChainConfig holds blockchain RPC and payment verification settings
type ChainConfig struct {
	Network           string            `json:"network"` // e.g. "bsc"
	NativeSymbol      string            `json:"native_symbol"`
	RPCURL            string            `json:"rpc_url"`
	ChainID           int64             `json:"chain_id"`
	MerchantWallet    string            `json:"merchant_wallet"`     // payment recipient address
	ContractAddress   string            `json:"contract_address"`    // license contract emitting events
	MinConfirmations  uint64            `json:"min_confirmations"`   // blocks on top before a tx counts
	ReorgSafetyMargin uint64            `json:"reorg_safety_margin"` // blocks kept behind head by the poller
	PollInterval      time.Duration     `json:"poll_interval"`
	MaxBlockBatch     uint64            `json:"max_block_batch"` // blocks per FilterLogs call
	RPCTimeout        time.Duration     `json:"rpc_timeout"`
	TokenAddresses    map[string]string `json:"token_addresses"` // asset symbol -> ERC-20 contract
}

// PricingConfig holds price oracle settings
type PricingConfig struct {
	SourceURL        string        `json:"source_url"` // market data endpoint
	CacheTTL         time.Duration `json:"cache_ttl"`
	StalenessMax     time.Duration `json:"staleness_max"`     // older samples fail closed
	TolerancePercent float64       `json:"tolerance_percent"` // band around nominal amount
	RequestTimeout   time.Duration `json:"request_timeout"`
}

// LicenseConfig holds license issuance settings
type LicenseConfig struct {
	TermDays      int    `json:"term_days"`
	SigningSecret string `json:"signing_secret"` // key derivation secret; Vault overrides when enabled
	JWTSecret     string `json:"jwt_secret"`     // license token signing
}

// WebhookConfig holds delivery settings for subscriber notifications
type WebhookConfig struct {
	Workers          int           `json:"workers"`
	MaxAttempts      int           `json:"max_attempts"`
	BaseBackoff      time.Duration `json:"base_backoff"`
	DeliveryTimeout  time.Duration `json:"delivery_timeout"`
	MaxPerRegistrant int           `json:"max_per_registrant"`
	QueueSize        int           `json:"queue_size"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the quote cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	AdminEmail          string        `json:"admin_email"`
	AdminPasswordHash   string        `json:"admin_password_hash"` // bcrypt
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// EmailConfig holds SMTP settings for license delivery mail
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // console writer when false
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Secrets (signing, JWT, SMTP password) come from the environment or Vault,
// never the checked-in config file.
func applyEnvOverrides(cfg *Config) {
	// Chain config
	cfg.ChainConfig.Network = getEnvOrDefault("CHAIN_NETWORK", defaultString(cfg.ChainConfig.Network, "bsc"))
	cfg.ChainConfig.NativeSymbol = getEnvOrDefault("CHAIN_NATIVE_SYMBOL", defaultString(cfg.ChainConfig.NativeSymbol, "BNB"))
	cfg.ChainConfig.RPCURL = getEnvOrDefault("CHAIN_RPC_URL", defaultString(cfg.ChainConfig.RPCURL, "https://bsc-dataseed.binance.org/"))
	cfg.ChainConfig.ChainID = int64(getEnvIntOrDefault("CHAIN_ID", int(defaultInt64(cfg.ChainConfig.ChainID, 56))))
	cfg.ChainConfig.MerchantWallet = getEnvOrDefault("MERCHANT_WALLET", cfg.ChainConfig.MerchantWallet)
	cfg.ChainConfig.ContractAddress = getEnvOrDefault("LICENSE_CONTRACT_ADDRESS", cfg.ChainConfig.ContractAddress)
	cfg.ChainConfig.MinConfirmations = uint64(getEnvIntOrDefault("CHAIN_MIN_CONFIRMATIONS", intOrDefault(int(cfg.ChainConfig.MinConfirmations), 3)))
	cfg.ChainConfig.ReorgSafetyMargin = uint64(getEnvIntOrDefault("CHAIN_REORG_MARGIN", intOrDefault(int(cfg.ChainConfig.ReorgSafetyMargin), 12)))
	cfg.ChainConfig.PollInterval = getEnvDurationOrDefault("CHAIN_POLL_INTERVAL", durationOrDefault(cfg.ChainConfig.PollInterval, 15*time.Second))
	cfg.ChainConfig.MaxBlockBatch = uint64(getEnvIntOrDefault("CHAIN_MAX_BLOCK_BATCH", intOrDefault(int(cfg.ChainConfig.MaxBlockBatch), 100)))
	cfg.ChainConfig.RPCTimeout = getEnvDurationOrDefault("CHAIN_RPC_TIMEOUT", durationOrDefault(cfg.ChainConfig.RPCTimeout, 10*time.Second))
	if cfg.ChainConfig.TokenAddresses == nil {
		// BSC mainnet defaults, same tokens the payment contract accepts
		cfg.ChainConfig.TokenAddresses = map[string]string{
			"USDT": "0x55d398326f99059fF775485246999027B3197955",
			"ETH":  "0x2170Ed0880ac9A755fd29B2688956BD959F933F8",
		}
	}

	// Pricing config
	cfg.PricingConfig.SourceURL = getEnvOrDefault("PRICE_SOURCE_URL", defaultString(cfg.PricingConfig.SourceURL, "https://api.binance.com/api/v3/ticker/price"))
	cfg.PricingConfig.CacheTTL = getEnvDurationOrDefault("PRICE_CACHE_TTL", durationOrDefault(cfg.PricingConfig.CacheTTL, 30*time.Second))
	cfg.PricingConfig.StalenessMax = getEnvDurationOrDefault("PRICE_STALENESS_MAX", durationOrDefault(cfg.PricingConfig.StalenessMax, 5*time.Minute))
	cfg.PricingConfig.TolerancePercent = getEnvFloatOrDefault("PRICE_TOLERANCE_PERCENT", floatOrDefault(cfg.PricingConfig.TolerancePercent, 3.0))
	cfg.PricingConfig.RequestTimeout = getEnvDurationOrDefault("PRICE_REQUEST_TIMEOUT", durationOrDefault(cfg.PricingConfig.RequestTimeout, 5*time.Second))

	// License config
	cfg.LicenseConfig.TermDays = getEnvIntOrDefault("LICENSE_TERM_DAYS", intOrDefault(cfg.LicenseConfig.TermDays, 30))
	cfg.LicenseConfig.SigningSecret = getEnvOrDefault("LICENSE_SIGNING_SECRET", cfg.LicenseConfig.SigningSecret)
	cfg.LicenseConfig.JWTSecret = getEnvOrDefault("LICENSE_JWT_SECRET", cfg.LicenseConfig.JWTSecret)

	// Webhook config
	cfg.WebhookConfig.Workers = getEnvIntOrDefault("WEBHOOK_WORKERS", intOrDefault(cfg.WebhookConfig.Workers, 4))
	cfg.WebhookConfig.MaxAttempts = getEnvIntOrDefault("WEBHOOK_MAX_ATTEMPTS", intOrDefault(cfg.WebhookConfig.MaxAttempts, 5))
	cfg.WebhookConfig.BaseBackoff = getEnvDurationOrDefault("WEBHOOK_BASE_BACKOFF", durationOrDefault(cfg.WebhookConfig.BaseBackoff, time.Second))
	cfg.WebhookConfig.DeliveryTimeout = getEnvDurationOrDefault("WEBHOOK_DELIVERY_TIMEOUT", durationOrDefault(cfg.WebhookConfig.DeliveryTimeout, 10*time.Second))
	cfg.WebhookConfig.MaxPerRegistrant = getEnvIntOrDefault("WEBHOOK_MAX_PER_REGISTRANT", intOrDefault(cfg.WebhookConfig.MaxPerRegistrant, 10))
	cfg.WebhookConfig.QueueSize = getEnvIntOrDefault("WEBHOOK_QUEUE_SIZE", intOrDefault(cfg.WebhookConfig.QueueSize, 1024))

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", intOrDefault(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "srpk"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "srpk_licenses"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", intOrDefault(cfg.RedisConfig.PoolSize, 10))

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", intOrDefault(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", intOrDefault(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", intOrDefault(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", intOrDefault(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AdminEmail = getEnvOrDefault("AUTH_ADMIN_EMAIL", cfg.AuthConfig.AdminEmail)
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", durationOrDefault(cfg.AuthConfig.AccessTokenDuration, 15*time.Minute))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "license-server/secrets"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", boolString(cfg.VaultConfig.TLSEnabled)) == "true"

	// Email config
	cfg.EmailConfig.Enabled = getEnvOrDefault("EMAIL_ENABLED", boolString(cfg.EmailConfig.Enabled)) == "true"
	cfg.EmailConfig.Host = getEnvOrDefault("SMTP_HOST", cfg.EmailConfig.Host)
	cfg.EmailConfig.Port = getEnvOrDefault("SMTP_PORT", defaultString(cfg.EmailConfig.Port, "587"))
	cfg.EmailConfig.Username = getEnvOrDefault("SMTP_USERNAME", cfg.EmailConfig.Username)
	cfg.EmailConfig.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.EmailConfig.Password)
	cfg.EmailConfig.From = getEnvOrDefault("SMTP_FROM", cfg.EmailConfig.From)
	cfg.EmailConfig.FromName = getEnvOrDefault("SMTP_FROM_NAME", defaultString(cfg.EmailConfig.FromName, "SRPK Licensing"))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func floatOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func durationOrDefault(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
