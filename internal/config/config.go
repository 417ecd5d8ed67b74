// Package config loads the engine configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/tracer"
	"github.com/rawblock/trace-engine/pkg/models"
)

// ChainConfig describes the ledger endpoint and token of one chain.
type ChainConfig struct {
	RPCURL            string           `yaml:"rpc_url"` // Empty leaves the chain unconfigured
	Token             ledger.TokenInfo `yaml:"token"`
	RequestsPerSecond float64          `yaml:"requests_per_second"`
	CallTimeout       time.Duration    `yaml:"call_timeout"`
}

// Config is the full engine configuration.
type Config struct {
	Port            string `yaml:"port"`
	AllowedOrigins  string `yaml:"allowed_origins"`
	AuthToken       string `yaml:"auth_token"`
	DatabaseURL     string `yaml:"database_url"` // Optional; labels stay in memory without it
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"` // auto, console or json
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
	CacheSize       int    `yaml:"cache_size"`

	Chains map[models.Chain]ChainConfig `yaml:"chains"`
	Limits tracer.Limits                `yaml:"limits"`
}

// Default returns the configuration used when no file or env is present.
func Default() Config {
	return Config{
		Port:            "5339",
		LogLevel:        "info",
		LogFormat:       "auto",
		RateLimitPerMin: 30,
		CacheSize:       tracer.DefaultCacheSize,
		Chains: map[models.Chain]ChainConfig{
			models.ChainEthereum: {
				Token: ledger.TokenInfo{
					Contract:       "0xdAC17F958D2ee523a2206206994597C13D831ec7",
					Symbol:         "USDT",
					Decimals:       6,
					NativeSymbol:   "ETH",
					NativeDecimals: 18,
				},
				RequestsPerSecond: 10,
				CallTimeout:       10 * time.Second,
			},
			models.ChainBSC: {
				Token: ledger.TokenInfo{
					Contract:       "0x55d398326f99059fF775485246999027B3197955",
					Symbol:         "USDT",
					Decimals:       18,
					NativeSymbol:   "BNB",
					NativeDecimals: 18,
				},
				RequestsPerSecond: 10,
				CallTimeout:       10 * time.Second,
			},
			models.ChainPolygon: {
				Token: ledger.TokenInfo{
					Contract:       "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
					Symbol:         "USDT",
					Decimals:       6,
					NativeSymbol:   "MATIC",
					NativeDecimals: 18,
				},
				RequestsPerSecond: 10,
				CallTimeout:       10 * time.Second,
			},
		},
		Limits: tracer.DefaultLimits(),
	}
}

// rpcEnv names the RPC URL variable of each EVM chain.
var rpcEnv = map[models.Chain]string{
	models.ChainEthereum: "ETH_RPC_URL",
	models.ChainBSC:      "BSC_RPC_URL",
	models.ChainPolygon:  "POLYGON_RPC_URL",
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.merge(file)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// merge overlays the non-zero fields of file onto c.
func (c *Config) merge(file Config) {
	if file.Port != "" {
		c.Port = file.Port
	}
	if file.AllowedOrigins != "" {
		c.AllowedOrigins = file.AllowedOrigins
	}
	if file.AuthToken != "" {
		c.AuthToken = file.AuthToken
	}
	if file.DatabaseURL != "" {
		c.DatabaseURL = file.DatabaseURL
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		c.LogFormat = file.LogFormat
	}
	if file.RateLimitPerMin != 0 {
		c.RateLimitPerMin = file.RateLimitPerMin
	}
	if file.RateLimitBurst != 0 {
		c.RateLimitBurst = file.RateLimitBurst
	}
	if file.CacheSize != 0 {
		c.CacheSize = file.CacheSize
	}

	for chain, fc := range file.Chains {
		chain = models.Chain(strings.ToUpper(string(chain)))
		cc := c.Chains[chain]
		if fc.RPCURL != "" {
			cc.RPCURL = fc.RPCURL
		}
		if fc.Token.Contract != "" {
			cc.Token = fc.Token
		}
		if fc.RequestsPerSecond != 0 {
			cc.RequestsPerSecond = fc.RequestsPerSecond
		}
		if fc.CallTimeout != 0 {
			cc.CallTimeout = fc.CallTimeout
		}
		c.Chains[chain] = cc
	}

	c.Limits = file.Limits.WithDefaults()
}

func (c *Config) applyEnv() error {
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.AuthToken = getEnvOrDefault("API_AUTH_TOKEN", c.AuthToken)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault("LOG_FORMAT", c.LogFormat)

	var err error
	if c.RateLimitPerMin, err = getEnvInt("RATE_LIMIT_PER_MIN", c.RateLimitPerMin); err != nil {
		return err
	}

	rps := os.Getenv("RPC_REQUESTS_PER_SEC")
	for chain, env := range rpcEnv {
		cc := c.Chains[chain]
		cc.RPCURL = getEnvOrDefault(env, cc.RPCURL)
		if rps != "" {
			v, err := strconv.ParseFloat(rps, 64)
			if err != nil {
				return fmt.Errorf("RPC_REQUESTS_PER_SEC: %w", err)
			}
			cc.RequestsPerSecond = v
		}
		c.Chains[chain] = cc
	}
	return nil
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	for chain, cc := range c.Chains {
		if _, ok := models.ParseChain(string(chain)); !ok {
			errs = append(errs, fmt.Errorf("unknown chain %q", chain))
		}
		if cc.RPCURL != "" && cc.Token.Contract == "" {
			errs = append(errs, fmt.Errorf("chain %s: token contract is required", chain))
		}
	}
	if c.Limits.MaxDepth < 0 || c.Limits.DefaultDepth < 0 {
		errs = append(errs, errors.New("limits: depths must not be negative"))
	}
	if c.Limits.MaxDepth > 0 && c.Limits.DefaultDepth > c.Limits.MaxDepth {
		errs = append(errs, errors.New("limits: default_depth exceeds max_depth"))
	}
	return errors.Join(errs...)
}

// ConfiguredChains returns the chains that have an RPC endpoint.
func (c Config) ConfiguredChains() []models.Chain {
	var out []models.Chain
	for _, chain := range models.SupportedChains {
		if cc, ok := c.Chains[chain]; ok && cc.RPCURL != "" {
			out = append(out, chain)
		}
	}
	return out
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
