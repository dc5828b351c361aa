package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Yieldflow  YieldflowConfig  `yaml:"yieldflow"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Assets     []AssetConfig    `yaml:"assets"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Quotes     QuotesConfig     `yaml:"quotes"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type YieldflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PricingConfig struct {
	RiskFreeRate float64 `yaml:"risk_free_rate"`
}

type AssetConfig struct {
	Symbol       string  `yaml:"symbol"`
	SpotSymbol   string  `yaml:"spot_symbol"`
	VolCurrency  string  `yaml:"vol_currency"`
	ContractSize float64 `yaml:"contract_size"`
}

type ScannerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	RowBuffer int           `yaml:"row_buffer"`
}

type MarketDataConfig struct {
	RefreshInterval time.Duration        `yaml:"refresh_interval"`
	TTL             time.Duration        `yaml:"ttl"`
	MaxStale        time.Duration        `yaml:"max_stale"`
	Spot            SpotProviderConfig   `yaml:"spot"`
	Volatility      VolProviderConfig    `yaml:"volatility"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
}

type SpotProviderConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
}

type VolProviderConfig struct {
	URL          string        `yaml:"url"`
	WebsocketURL string        `yaml:"websocket_url"`
	Stream       bool          `yaml:"stream"`
	Timeout      time.Duration `yaml:"timeout"`
}

type QuotesConfig struct {
	URL       string          `yaml:"url"`
	Timeout   time.Duration   `yaml:"timeout"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	ScanHistory     int           `yaml:"scan_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type MetricsConfig struct {
	PrometheusAddress string           `yaml:"prometheus_address"`
	CloudWatch        CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Region        string `yaml:"region"`
	Namespace     string `yaml:"namespace"`
	DashboardName string `yaml:"dashboard_name"`
}

type WriterConfig struct {
	MaxWorkers    int                `yaml:"max_workers"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	Compression   string             `yaml:"compression"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConfigPath is the configuration file used when no flag is given.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

// ResolveConfigPath selects the environment specific configuration file for
// the current APP_ENV when the caller did not override the path.
func ResolveConfigPath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Pricing: PricingConfig{RiskFreeRate: 0.04},
		Scanner: ScannerConfig{Interval: time.Minute, RowBuffer: 256},
		MarketData: MarketDataConfig{
			RefreshInterval: 30 * time.Second,
			TTL:             2 * time.Minute,
			MaxStale:        15 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Yieldflow.Name == "" {
		return fmt.Errorf("yieldflow.name is required")
	}

	if cfg.Yieldflow.Version == "" {
		return fmt.Errorf("yieldflow.version is required")
	}

	if len(cfg.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}

	seen := make(map[string]bool, len(cfg.Assets))
	for i, asset := range cfg.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("assets[%d].symbol is required", i)
		}
		if seen[asset.Symbol] {
			return fmt.Errorf("assets[%d].symbol '%s' is duplicated", i, asset.Symbol)
		}
		seen[asset.Symbol] = true
		// Zero means "use the venue default for this symbol", resolved later.
		if asset.ContractSize < 0 {
			return fmt.Errorf("assets[%d].contract_size must not be negative", i)
		}
	}

	if cfg.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner.interval must be greater than 0")
	}

	if cfg.MarketData.RefreshInterval <= 0 {
		return fmt.Errorf("market_data.refresh_interval must be greater than 0")
	}
	if cfg.MarketData.TTL <= 0 {
		return fmt.Errorf("market_data.ttl must be greater than 0")
	}
	if cfg.MarketData.MaxStale < cfg.MarketData.TTL {
		return fmt.Errorf("market_data.max_stale must not be below market_data.ttl")
	}

	if cfg.Quotes.URL == "" {
		return fmt.Errorf("quotes.url is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
