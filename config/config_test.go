package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.ShardNum)
	require.Equal(t, 8, cfg.ConcurrencyLevel)
	require.False(t, cfg.MergeLastRound)
	require.Nil(t, cfg.GasLimit())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"shard_num": 2,
		"concurrency_level": 4,
		"block_gas_limit": 50000,
		"network": {"delay_enabled": true, "min_delay_ms": 5, "max_delay_ms": 10}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.ShardNum)
	require.Equal(t, 4, cfg.ConcurrencyLevel)
	require.NotNil(t, cfg.GasLimit())
	require.Equal(t, uint64(50000), *cfg.GasLimit())
	require.True(t, cfg.Network.DelayEnabled)
	require.Equal(t, 10, cfg.Network.MaxDelayMs)
}

func TestLoad_MergeLastRoundEnv(t *testing.T) {
	t.Setenv(MergeLastRoundEnv, "1")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.MergeLastRound)

	t.Setenv(MergeLastRoundEnv, "0")
	cfg, err = Load("")
	require.NoError(t, err)
	require.False(t, cfg.MergeLastRound)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SHARDEXEC_SHARD_NUM", "6")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 6, cfg.ShardNum)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"shard_num": 0}`), 0o644))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"network": {"min_delay_ms": 10, "max_delay_ms": 1}}`), 0o644))
	_, err = Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	fs.Bool("verbose", false, "not a config key")
	require.NoError(t, fs.Parse([]string{"--shard-num=3", "--merge-last-round"}))

	v := NewViper()
	require.NoError(t, BindFlags(v, fs))
	cfg, err := LoadInto(v, "")
	require.NoError(t, err)
	require.Equal(t, 3, cfg.ShardNum)
	require.True(t, cfg.MergeLastRound)
	// unset flags keep the defaults
	require.Equal(t, 8, cfg.ConcurrencyLevel)
	require.Nil(t, cfg.GasLimit())
}
