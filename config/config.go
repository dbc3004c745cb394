// Package config loads tipengine settings from a YAML file, a .env file and
// TIPENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	tipengine "github.com/tink-protocol/tipengine"
	"github.com/tink-protocol/tipengine/mechanisms/evm"
	"github.com/tink-protocol/tipengine/split"
)

// EnvPrefix prefixes every environment override (TIPENGINE_NETWORK, TIPENGINE_FACILITATOR_URL, ...)
const EnvPrefix = "TIPENGINE"

// FacilitatorConfig selects between a remote facilitator (URL set) and the
// in-process EVM facilitator (PrivateKey/RPCURL, or simulated when both are empty)
type FacilitatorConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	APIKey     string        `mapstructure:"api_key"`
	PrivateKey string        `mapstructure:"private_key"`
	RPCURL     string        `mapstructure:"rpc_url"`
}

// Remote reports whether settlement goes to an HTTP facilitator
func (f FacilitatorConfig) Remote() bool {
	return f.URL != ""
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// AuthSecret, when set, requires HS256 bearer tokens on facilitator routes
	AuthSecret string `mapstructure:"auth_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full process configuration
type Config struct {
	Network            string        `mapstructure:"network"`
	Scheme             string        `mapstructure:"scheme"`
	MaxTimeoutSeconds  int           `mapstructure:"max_timeout_seconds"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	SettlementCacheTTL time.Duration `mapstructure:"settlement_cache_ttl"`
	Currency           string        `mapstructure:"currency"`
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	DatabaseURL        string        `mapstructure:"database_url"`
	SplitFile          string        `mapstructure:"split_file"`

	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	d := tipengine.DefaultEngineConfig()
	v.SetDefault("network", string(d.Network))
	v.SetDefault("scheme", d.Scheme)
	v.SetDefault("max_timeout_seconds", d.MaxTimeoutSeconds)
	v.SetDefault("session_ttl", d.SessionTTL)
	v.SetDefault("settlement_cache_ttl", d.SettlementCacheTTL)
	v.SetDefault("currency", d.Currency)
	v.SetDefault("webhook_secret", "")
	v.SetDefault("database_url", "")
	v.SetDefault("split_file", "")

	v.SetDefault("facilitator.url", "")
	v.SetDefault("facilitator.timeout", 30*time.Second)
	v.SetDefault("facilitator.api_key", "")
	v.SetDefault("facilitator.private_key", "")
	v.SetDefault("facilitator.rpc_url", "")

	v.SetDefault("server.addr", ":4021")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.auth_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads .env (when present), then path (when non-empty), then the
// environment. Later sources win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the engine and server cannot run without
func (c *Config) Validate() error {
	var errs []string
	if !evm.IsValidNetwork(c.Network) {
		errs = append(errs, fmt.Sprintf("network %q is not supported (want one of %s)",
			c.Network, strings.Join(evm.SupportedNetworks(), ", ")))
	}
	if c.Scheme != evm.SchemeExact {
		errs = append(errs, fmt.Sprintf("scheme %q is not supported", c.Scheme))
	}
	if c.MaxTimeoutSeconds <= 0 {
		errs = append(errs, "max_timeout_seconds must be positive")
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, "session_ttl must be positive")
	}
	if c.SettlementCacheTTL <= 0 {
		errs = append(errs, "settlement_cache_ttl must be positive")
	}
	if c.Currency == "" {
		errs = append(errs, "currency is required")
	}
	if c.Facilitator.PrivateKey != "" && c.Facilitator.RPCURL == "" {
		errs = append(errs, "facilitator.rpc_url is required with facilitator.private_key")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EngineConfig returns the subset the engine consumes
func (c *Config) EngineConfig() tipengine.EngineConfig {
	return tipengine.EngineConfig{
		Network:            tipengine.Network(c.Network),
		Scheme:             c.Scheme,
		X402Version:        evm.X402Version,
		MaxTimeoutSeconds:  c.MaxTimeoutSeconds,
		SessionTTL:         c.SessionTTL,
		SettlementCacheTTL: c.SettlementCacheTTL,
		Currency:           c.Currency,
	}
}

// Logger builds a zap logger for the configured level and format
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

type splitFile struct {
	Shares []struct {
		Name       string `yaml:"name"`
		Percentage string `yaml:"percentage"`
		Address    string `yaml:"walletAddress"`
	} `yaml:"shares"`
}

// LoadSplitFile reads a YAML split configuration:
//
//	shares:
//	  - name: Front Of House
//	    percentage: "60"
//
// and validates it.
func LoadSplitFile(path string) ([]split.Share, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSplit(raw)
}

// ParseSplit decodes and validates a YAML split configuration
func ParseSplit(raw []byte) ([]split.Share, error) {
	var f splitFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse split config: %w", err)
	}

	shares := make([]split.Share, 0, len(f.Shares))
	for i, s := range f.Shares {
		pct, err := decimal.NewFromString(s.Percentage)
		if err != nil {
			return nil, fmt.Errorf("share %d: invalid percentage %q", i, s.Percentage)
		}
		shares = append(shares, split.Share{Name: s.Name, Percentage: pct, Address: s.Address})
	}
	if err := split.ValidateConfig(shares); err != nil {
		return nil, err
	}
	return shares, nil
}
