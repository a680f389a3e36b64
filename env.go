package docudb

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/hupe1980/docudb/codec"
)

// DefaultEnvPrefix is the prefix of the environment variables read by
// OptionsFromEnv.
const DefaultEnvPrefix = "DOCUDB"

// EnvConfig holds the settings read from the environment.
type EnvConfig struct {
	CompressionLevel      string        `envconfig:"COMPRESSION_LEVEL" default:"balanced"`
	CacheSize             int           `envconfig:"CACHE_SIZE" default:"1000"`
	CacheTTL              time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	PartitionTimeout      time.Duration `envconfig:"PARTITION_TIMEOUT" default:"5s"`
	QueryTimeout          time.Duration `envconfig:"QUERY_TIMEOUT" default:"30s"`
	MaxParallelPartitions int           `envconfig:"MAX_PARALLEL_PARTITIONS" default:"16"`
	Durability            string        `envconfig:"DURABILITY" default:"sync"`
	LogLevel              string        `envconfig:"LOG_LEVEL"`
}

// LoadEnvConfig loads dotenvFiles (existing variables win) and reads the
// variables with the given prefix.
func LoadEnvConfig(prefix string, dotenvFiles ...string) (EnvConfig, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if len(dotenvFiles) > 0 {
		if err := godotenv.Load(dotenvFiles...); err != nil {
			return EnvConfig{}, fmt.Errorf("load env files: %w", err)
		}
	}
	var cfg EnvConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("process env config: %w", err)
	}
	return cfg, nil
}

// Options converts the configuration into Open options.
func (c EnvConfig) Options() ([]Option, error) {
	level, err := codec.ParseLevel(c.CompressionLevel)
	if err != nil {
		return nil, err
	}

	var durability Durability
	switch strings.ToLower(strings.TrimSpace(c.Durability)) {
	case "", "sync":
		durability = DurabilitySync
	case "async":
		durability = DurabilityAsync
	default:
		return nil, fmt.Errorf("unknown durability %q", c.Durability)
	}

	opts := []Option{
		WithCompression(level),
		WithDurability(durability),
		WithQueryCache(c.CacheSize, c.CacheTTL),
		WithTimeouts(c.PartitionTimeout, c.QueryTimeout),
		WithMaxParallelPartitions(c.MaxParallelPartitions),
	}
	if c.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
		}
		opts = append(opts, WithLogLevel(lvl))
	}
	return opts, nil
}

// OptionsFromEnv is LoadEnvConfig followed by EnvConfig.Options.
func OptionsFromEnv(prefix string, dotenvFiles ...string) ([]Option, error) {
	cfg, err := LoadEnvConfig(prefix, dotenvFiles...)
	if err != nil {
		return nil, err
	}
	return cfg.Options()
}
