package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wrapbridge/engine/internal/types"
)

// Config holds the process-wide settings
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Network   string `mapstructure:"bridge_network"`
	HTTPAddr  string `mapstructure:"http_addr"`

	StorageDriver string `mapstructure:"storage_driver"` // memory, file or postgres
	StoragePath   string `mapstructure:"storage_path"`
	DatabaseURL   string `mapstructure:"database_url"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	AllowanceTTL  time.Duration `mapstructure:"allowance_ttl"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	GatewayURL      string `mapstructure:"gateway_url"`
	GatewayLiveFees bool   `mapstructure:"gateway_live_fees"`

	EVMRPCURL     string `mapstructure:"evm_rpc_url"`
	EVMChainID    uint64 `mapstructure:"evm_chain_id"`
	EVMPrivateKey string `mapstructure:"evm_private_key"`

	MonitorSyncInterval time.Duration `mapstructure:"monitor_sync_interval"`
	MonitorMaxAttempts  int           `mapstructure:"monitor_max_attempts"`
	MonitorRetryBackoff time.Duration `mapstructure:"monitor_retry_backoff"`
	// Owners restricts monitoring to these wallets; empty watches every owner
	Owners []string `mapstructure:"owners"`
}

var defaults = map[string]any{
	"log_level":             "info",
	"log_format":            "text",
	"bridge_network":        "mainnet",
	"http_addr":             ":8080",
	"storage_driver":        "file",
	"storage_path":          "bridge-ledger.json",
	"allowance_ttl":         15 * time.Second,
	"kafka_topic":           "bridge.transactions",
	"gateway_live_fees":     false,
	"evm_chain_id":          1,
	"monitor_sync_interval": 30 * time.Second,
	"monitor_max_attempts":  3,
	"monitor_retry_backoff": 2 * time.Second,
}

// LoadConfig merges defaults, an optional bridge.yaml and the environment (including .env); the environment wins
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigName("bridge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bridge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about
	for _, key := range []string{
		"database_url", "redis_addr", "redis_password", "kafka_brokers", "gateway_url",
		"evm_rpc_url", "evm_private_key", "owners",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.Owners = splitList(cfg.Owners)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted
func (c *Config) Validate() error {
	if _, err := types.ParseNetwork(c.Network); err != nil {
		return err
	}
	switch c.StorageDriver {
	case "memory", "file":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	if c.MonitorMaxAttempts < 1 {
		return fmt.Errorf("MONITOR_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// BridgeNetwork returns the parsed network selection
func (c *Config) BridgeNetwork() types.Network {
	n, err := types.ParseNetwork(c.Network)
	if err != nil {
		return types.Mainnet
	}
	return n
}

// splitList flattens comma-separated env values that viper decodes as a single element
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
