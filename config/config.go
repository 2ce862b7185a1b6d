package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is where LoadDefault looks for a config file
	DefaultConfigPath = "config/config.json"

	// MergeLastRoundEnv enables the terminal-round concurrency heuristic when set to "1"
	MergeLastRoundEnv = "SHARDED_PARTITIONER__MERGE_LAST_ROUND"

	// EnvPrefix prefixes environment overrides, e.g. SHARDEXEC_SHARD_NUM
	EnvPrefix = "SHARDEXEC"
)

// Config holds all configurable parameters for the application
type Config struct {
	ShardNum         int           `mapstructure:"shard_num"`
	ExecutionThreads int           `mapstructure:"execution_threads"` // 0 = NumCPU / shards
	ConcurrencyLevel int           `mapstructure:"concurrency_level"`
	BlockGasLimit    uint64        `mapstructure:"block_gas_limit"` // 0 = unlimited
	MergeLastRound   bool          `mapstructure:"merge_last_round"`
	StorageDir       string        `mapstructure:"storage_dir"`
	MetricsPort      int           `mapstructure:"metrics_port"` // 0 = disabled
	Network          NetworkConfig `mapstructure:"network"`
}

// NetworkConfig holds network-level configuration for cross-shard transports
type NetworkConfig struct {
	DelayEnabled bool `mapstructure:"delay_enabled" json:"delay_enabled"`
	MinDelayMs   int  `mapstructure:"min_delay_ms" json:"min_delay_ms"`
	MaxDelayMs   int  `mapstructure:"max_delay_ms" json:"max_delay_ms"`
}

// GasLimit returns the block gas limit, or nil when unlimited
func (c *Config) GasLimit() *uint64 {
	if c.BlockGasLimit == 0 {
		return nil
	}
	limit := c.BlockGasLimit
	return &limit
}

// NewViper returns a viper instance with defaults and env bindings applied
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("shard_num", 4)
	v.SetDefault("execution_threads", 0)
	v.SetDefault("concurrency_level", 8)
	v.SetDefault("block_gas_limit", 0)
	v.SetDefault("merge_last_round", false)
	v.SetDefault("storage_dir", "")
	v.SetDefault("metrics_port", 0)
	v.SetDefault("network.delay_enabled", false)
	v.SetDefault("network.min_delay_ms", 0)
	v.SetDefault("network.max_delay_ms", 0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("merge_last_round", MergeLastRoundEnv)
	return v
}

// FromViper decodes a config from an already populated viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.ShardNum < 1 {
		return fmt.Errorf("shard_num must be positive, got %d", c.ShardNum)
	}
	if c.ExecutionThreads < 0 {
		return fmt.Errorf("execution_threads must not be negative, got %d", c.ExecutionThreads)
	}
	if c.ConcurrencyLevel < 1 {
		return fmt.Errorf("concurrency_level must be positive, got %d", c.ConcurrencyLevel)
	}
	if c.Network.MaxDelayMs < c.Network.MinDelayMs {
		return fmt.Errorf("network.max_delay_ms (%d) below min_delay_ms (%d)", c.Network.MaxDelayMs, c.Network.MinDelayMs)
	}
	return nil
}

// Load reads and parses the config file, then applies env overrides.
// A missing file is not an error: defaults and env are used.
func Load(configPath string) (*Config, error) {
	return LoadInto(NewViper(), configPath)
}

// LoadInto is Load on a caller-prepared viper instance, e.g. one with
// command line flags bound by BindFlags.
func LoadInto(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	return FromViper(v)
}

// LoadDefault loads the default config from config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load(DefaultConfigPath)
}

// RegisterFlags defines a command line flag for every scalar setting.
// Flags only override the file and env when set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("shard-num", 0, "Number of shards")
	fs.Int("execution-threads", 0, "Execution threads per shard (0 = NumCPU / shards)")
	fs.Int("concurrency-level", 0, "Executor concurrency level per sub-block")
	fs.Uint64("block-gas-limit", 0, "Block gas limit (0 = unlimited)")
	fs.Bool("merge-last-round", false, "Run the last round with the merged concurrency of all shards on the last shard")
	fs.String("storage-dir", "", "State database directory (empty = in-memory)")
	fs.Int("metrics-port", 0, "Prometheus metrics port (0 = disabled)")
}

// BindFlags binds the flags defined by RegisterFlags to their config keys
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isConfigKey(key) {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("failed to bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

func isConfigKey(key string) bool {
	switch key {
	case "shard_num", "execution_threads", "concurrency_level", "block_gas_limit",
		"merge_last_round", "storage_dir", "metrics_port":
		return true
	}
	return false
}
