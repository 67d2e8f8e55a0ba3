package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cfmmsync/internal/dex"
	"cfmmsync/internal/pool"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL        string
	Multicall     string
	TargetBlock   uint64
	Dexes         []DexConfig
	CheckpointDir string
	CheckpointKey string
	PgDSN         string
	Out           string

	MaxBlockRange        uint64
	MaxSplits            int
	MaxCallsPerBatch     int
	MaxConcurrentBatches int
	MaxAttempts          int
	RetryBackoff         time.Duration
	MaxRetryBackoff      time.Duration
	RequestTimeout       time.Duration
	TickWindow           int32

	RateCeiling   float64
	RateFloor     float64
	RateIncrement float64
	SuccessStreak int
	Cooldown      time.Duration
	MaxInFlight   int64

	LogLevel string
}

// DexConfig describes one dex deployment in the config file.
type DexConfig struct {
	ID            string           `mapstructure:"id"`
	Variant       string           `mapstructure:"variant"`
	Factory       string           `mapstructure:"factory"`
	CreationBlock uint64           `mapstructure:"creation-block"`
	FeeBips       uint32           `mapstructure:"fee-bips"`
	FeeTiers      map[uint32]int32 `mapstructure:"fee-tiers"`
}

// Build converts the config entry into a validated dex descriptor.
func (c DexConfig) Build() (*dex.Dex, error) {
	variant, err := pool.ParseVariant(c.Variant)
	if err != nil {
		return nil, fmt.Errorf("dex %s: %w", c.ID, err)
	}
	if !common.IsHexAddress(c.Factory) {
		return nil, fmt.Errorf("dex %s: invalid factory address %q", c.ID, c.Factory)
	}
	return dex.New(c.ID, variant, common.HexToAddress(c.Factory), c.CreationBlock, dex.Params{
		DefaultFeeBips: c.FeeBips,
		FeeTiers:       c.FeeTiers,
	})
}

// BuildDexes converts every configured dex entry.
func (c Config) BuildDexes() ([]*dex.Dex, error) {
	if len(c.Dexes) == 0 {
		return nil, fmt.Errorf("at least one dex is required")
	}
	out := make([]*dex.Dex, 0, len(c.Dexes))
	for _, dc := range c.Dexes {
		d, err := dc.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CFMMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("multicall", "0xcA11bde05977b3631167028862bE2a173976CA11")
	v.SetDefault("checkpoint-dir", "./data")
	v.SetDefault("checkpoint-key", "cfmmsync")
	v.SetDefault("max-block-range", uint64(10000))
	v.SetDefault("max-splits", 6)
	v.SetDefault("max-calls-per-batch", 200)
	v.SetDefault("max-concurrent-batches", 4)
	v.SetDefault("max-attempts", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("max-retry-backoff", 10*time.Second)
	v.SetDefault("request-timeout", 30*time.Second)
	v.SetDefault("tick-window", 16)
	v.SetDefault("rate-ceiling", 20.0)
	v.SetDefault("rate-floor", 1.0)
	v.SetDefault("rate-increment", 1.0)
	v.SetDefault("success-streak", 8)
	v.SetDefault("cooldown", 2*time.Second)
	v.SetDefault("max-in-flight", 8)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:               v.GetString("rpc"),
		Multicall:            v.GetString("multicall"),
		TargetBlock:          v.GetUint64("target-block"),
		CheckpointDir:        v.GetString("checkpoint-dir"),
		CheckpointKey:        v.GetString("checkpoint-key"),
		PgDSN:                v.GetString("pg-dsn"),
		Out:                  v.GetString("out"),
		MaxBlockRange:        v.GetUint64("max-block-range"),
		MaxSplits:            v.GetInt("max-splits"),
		MaxCallsPerBatch:     v.GetInt("max-calls-per-batch"),
		MaxConcurrentBatches: v.GetInt("max-concurrent-batches"),
		MaxAttempts:          v.GetInt("max-attempts"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		MaxRetryBackoff:      v.GetDuration("max-retry-backoff"),
		RequestTimeout:       v.GetDuration("request-timeout"),
		TickWindow:           v.GetInt32("tick-window"),
		RateCeiling:          v.GetFloat64("rate-ceiling"),
		RateFloor:            v.GetFloat64("rate-floor"),
		RateIncrement:        v.GetFloat64("rate-increment"),
		SuccessStreak:        v.GetInt("success-streak"),
		Cooldown:             v.GetDuration("cooldown"),
		MaxInFlight:          v.GetInt64("max-in-flight"),
		LogLevel:             v.GetString("log-level"),
	}

	if err := v.UnmarshalKey("dexes", &cfg.Dexes); err != nil {
		return Config{}, fmt.Errorf("parse dexes: %w", err)
	}

	return cfg, nil
}
