package lsmkv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/lsmkv/compression"
	"github.com/xiaoxuxiansheng/lsmkv/filter"
	"github.com/xiaoxuxiansheng/lsmkv/wal"
)

func Test_Config_Default(t *testing.T) {
	fs := afero.NewMemMapFs()
	conf, err := NewConfig(testDir, WithFS(fs))
	require.NoError(t, err)

	assert.Equal(t, 7, conf.MaxLevel)
	assert.Equal(t, 4<<20, conf.MemTableSize)
	assert.Equal(t, 4<<10, conf.BlockSize)
	assert.Equal(t, uint64(2<<20), conf.SSTSize)
	assert.Equal(t, StrategyLeveled, conf.CompactionStrategy)
	assert.Equal(t, wal.SyncEveryWrite, conf.WALSyncPolicy)
	assert.Equal(t, compression.None, conf.Compression)
	assert.Equal(t, filter.KindMurmur3, conf.filterPolicy.Kind())
	assert.NotNil(t, conf.Logger)
	assert.NotNil(t, conf.MemTableConstructor)

	// 目录在校验时创建
	for _, dir := range []string{testDir, filepath.Join(testDir, walDirName)} {
		exists, err := afero.DirExists(fs, dir)
		require.NoError(t, err)
		assert.True(t, exists, dir)
	}
}

func Test_Config_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  ConfigOption
	}{
		{name: "max_level", opt: WithMaxLevel(1)},
		{name: "memtable_size", opt: WithMemTableSize(0)},
		{name: "block_size", opt: WithBlockSize(-1)},
		{name: "sst_size", opt: WithSSTSize(0)},
		{name: "strategy", opt: WithCompactionStrategy("universal")},
		{name: "fan_out", opt: func(c *Config) {
			c.CompactionStrategy = StrategySizeTiered
			c.SizeTieredFanOut = 1
		}},
		{name: "multiplier", opt: WithLeveled(4, 10<<20, 1)},
		{name: "filter_policy", opt: WithFilter("cuckoo", 10)},
		{name: "bits_per_key", opt: WithFilter("murmur3", 0)},
		{name: "wal_sync_policy", opt: WithWALSyncPolicy("sometimes")},
		{name: "wal_sync_interval", opt: func(c *Config) {
			c.WALSyncPolicy = wal.SyncPeriodic
			c.WALSyncInterval = 0
		}},
		{name: "compression", opt: WithCompression(compression.Type(9))},
		{name: "block_cache_size", opt: WithBlockCacheSize(-1)},
		{name: "manifest_rewrite_threshold", opt: WithManifestRewriteThreshold(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(testDir, WithFS(afero.NewMemMapFs()), tt.opt)
			assert.True(t, errors.Is(err, ErrConfig), "%v", err)
		})
	}

	_, err := NewConfig("", WithFS(afero.NewMemMapFs()))
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = NewTree(nil)
	assert.True(t, errors.Is(err, ErrConfig))
}

func Test_LoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "lsmkv.yaml")
	body := `
dir: /data/lsm
max_level: 5
memtable_size: 1048576
compaction_strategy: size_tiered
size_tiered_fan_out: 6
filter_policy: bitset
filter_bits_per_key: 8
wal_sync_policy: sync_periodic
wal_sync_interval: 200ms
compression: zstd
block_cache_size: 0
`
	require.NoError(t, os.WriteFile(file, []byte(body), 0644))

	// 选项在文件内容之后生效
	conf, err := LoadConfig(file, WithFS(afero.NewMemMapFs()), WithMaxLevel(4))
	require.NoError(t, err)
	assert.Equal(t, "/data/lsm", conf.Dir)
	assert.Equal(t, 4, conf.MaxLevel)
	assert.Equal(t, 1<<20, conf.MemTableSize)
	assert.Equal(t, 4<<10, conf.BlockSize)
	assert.Equal(t, StrategySizeTiered, conf.CompactionStrategy)
	assert.Equal(t, 6, conf.SizeTieredFanOut)
	assert.Equal(t, filter.KindBitset, conf.filterPolicy.Kind())
	assert.Equal(t, 8, conf.FilterBitsPerKey)
	assert.Equal(t, wal.SyncPeriodic, conf.WALSyncPolicy)
	assert.Equal(t, 200*time.Millisecond, conf.WALSyncInterval)
	assert.Equal(t, compression.Zstd, conf.Compression)
	assert.Equal(t, int64(0), conf.BlockCacheSize)

	require.NoError(t, os.WriteFile(file, []byte("compression: lz4\ndir: /data\n"), 0644))
	_, err = LoadConfig(file, WithFS(afero.NewMemMapFs()))
	assert.True(t, errors.Is(err, ErrConfig))

	require.NoError(t, os.WriteFile(file, []byte("max_level: [1, 2]\n"), 0644))
	_, err = LoadConfig(file, WithFS(afero.NewMemMapFs()))
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, ErrConfig))
}
