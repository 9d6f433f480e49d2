package lsmkv

import (
	"os"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xiaoxuxiansheng/lsmkv/compression"
	"github.com/xiaoxuxiansheng/lsmkv/filter"
	"github.com/xiaoxuxiansheng/lsmkv/memtable"
	"github.com/xiaoxuxiansheng/lsmkv/wal"
)

const (
	StrategyLeveled    = "leveled"
	StrategySizeTiered = "size_tiered"
)

// lsm tree 配置项聚合
type Config struct {
	Dir      string // sst、wal、manifest 文件存放的目录
	MaxLevel int    // lsm tree 总共多少层

	// memtable 与 sst 相关
	MemTableSize int    // 读写 memtable 的容量阈值，超过后冻结并溢写. 默认 4MB
	BlockSize    int    // sst table 中 block 大小. 默认 4KB
	SSTSize      uint64 // compaction 输出的单个 sst 目标大小. 默认 2MB

	// compaction 相关
	CompactionStrategy string // leveled | size_tiered
	SizeTieredFanOut   int    // size tiered 下每层最多容纳的 sst 数量. 默认 4
	LevelMultiplier    int    // leveled 下相邻两层容量倍数. 默认 10
	Level0FileNum      int    // leveled 下 level0 触发 compaction 的 sst 数量. 默认 4
	LevelBaseSize      uint64 // leveled 下 level1 的容量. 默认 10MB

	// 过滤器
	FilterPolicy     string // murmur3 | bitset
	FilterBitsPerKey int    // 每个 key 占用的 bit 数. 默认 10

	// 预写日志
	WALSyncPolicy   wal.SyncPolicy
	WALSyncInterval time.Duration // sync_periodic 下的刷盘间隔. 默认 1s

	Compression              compression.Type // data block 压缩算法. 默认不压缩
	BlockCacheSize           int64            // block cache 容量，单位 byte，0 表示关闭. 默认 8MB
	ManifestRewriteThreshold int              // manifest 记录数超过该值时重写为一条 checkpoint. 默认 1024

	MemTableConstructor memtable.MemTableConstructor // memtable 构造器，默认为跳表
	Logger              *zap.Logger
	FS                  afero.Fs
	Registerer          prometheus.Registerer // 为 nil 时指标不注册

	filterPolicy filter.Policy
}

// 配置文件构造器. 先填充默认值，再应用配置项
func NewConfig(dir string, opts ...ConfigOption) (*Config, error) {
	c := Config{
		Dir:                      dir,
		MaxLevel:                 7,
		MemTableSize:             4 << 20,
		BlockSize:                4 << 10,
		SSTSize:                  2 << 20,
		CompactionStrategy:       StrategyLeveled,
		SizeTieredFanOut:         4,
		LevelMultiplier:          10,
		Level0FileNum:            4,
		LevelBaseSize:            10 << 20,
		FilterPolicy:             filter.KindMurmur3.String(),
		FilterBitsPerKey:         10,
		WALSyncPolicy:            wal.SyncEveryWrite,
		WALSyncInterval:          time.Second,
		Compression:              compression.None,
		BlockCacheSize:           8 << 20,
		ManifestRewriteThreshold: 1024,
	}

	// 加载配置项
	for _, opt := range opts {
		opt(&c)
	}

	// 兜底修复
	repaire(&c)

	return &c, c.check()
}

// LoadConfig 从 yaml 文件读取配置，opts 在文件内容之后生效
func LoadConfig(file string, opts ...ConfigOption) (*Config, error) {
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read config %s", file), ErrConfig)
	}

	var raw yamlConfig
	if err = yaml.Unmarshal(body, &raw); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse config %s", file), ErrConfig)
	}

	fileOpts, err := raw.options()
	if err != nil {
		return nil, err
	}
	return NewConfig(raw.Dir, append(fileOpts, opts...)...)
}

type yamlConfig struct {
	Dir                      string `yaml:"dir"`
	MaxLevel                 int    `yaml:"max_level"`
	MemTableSize             int    `yaml:"memtable_size"`
	BlockSize                int    `yaml:"block_size"`
	SSTSize                  uint64 `yaml:"sst_size"`
	CompactionStrategy       string `yaml:"compaction_strategy"`
	SizeTieredFanOut         int    `yaml:"size_tiered_fan_out"`
	LevelMultiplier          int    `yaml:"level_multiplier"`
	Level0FileNum            int    `yaml:"level0_file_num"`
	LevelBaseSize            uint64 `yaml:"level_base_size"`
	FilterPolicy             string `yaml:"filter_policy"`
	FilterBitsPerKey         int    `yaml:"filter_bits_per_key"`
	WALSyncPolicy            string `yaml:"wal_sync_policy"`
	WALSyncInterval          string `yaml:"wal_sync_interval"`
	Compression              string `yaml:"compression"`
	BlockCacheSize           *int64 `yaml:"block_cache_size"`
	ManifestRewriteThreshold int    `yaml:"manifest_rewrite_threshold"`
}

// 只覆盖文件中出现的字段
func (y *yamlConfig) options() ([]ConfigOption, error) {
	var opts []ConfigOption
	if y.MaxLevel != 0 {
		opts = append(opts, WithMaxLevel(y.MaxLevel))
	}
	if y.MemTableSize != 0 {
		opts = append(opts, WithMemTableSize(y.MemTableSize))
	}
	if y.BlockSize != 0 {
		opts = append(opts, WithBlockSize(y.BlockSize))
	}
	if y.SSTSize != 0 {
		opts = append(opts, WithSSTSize(y.SSTSize))
	}
	if y.CompactionStrategy != "" {
		opts = append(opts, WithCompactionStrategy(y.CompactionStrategy))
	}
	if y.SizeTieredFanOut != 0 {
		opts = append(opts, WithSizeTieredFanOut(y.SizeTieredFanOut))
	}
	if y.LevelMultiplier != 0 || y.Level0FileNum != 0 || y.LevelBaseSize != 0 {
		opts = append(opts, func(c *Config) {
			if y.LevelMultiplier != 0 {
				c.LevelMultiplier = y.LevelMultiplier
			}
			if y.Level0FileNum != 0 {
				c.Level0FileNum = y.Level0FileNum
			}
			if y.LevelBaseSize != 0 {
				c.LevelBaseSize = y.LevelBaseSize
			}
		})
	}
	if y.FilterPolicy != "" || y.FilterBitsPerKey != 0 {
		opts = append(opts, func(c *Config) {
			if y.FilterPolicy != "" {
				c.FilterPolicy = y.FilterPolicy
			}
			if y.FilterBitsPerKey != 0 {
				c.FilterBitsPerKey = y.FilterBitsPerKey
			}
		})
	}
	if y.WALSyncPolicy != "" {
		policy, err := wal.ParseSyncPolicy(y.WALSyncPolicy)
		if err != nil {
			return nil, errors.Mark(err, ErrConfig)
		}
		opts = append(opts, WithWALSyncPolicy(policy))
	}
	if y.WALSyncInterval != "" {
		interval, err := time.ParseDuration(y.WALSyncInterval)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "wal_sync_interval"), ErrConfig)
		}
		opts = append(opts, WithWALSyncInterval(interval))
	}
	if y.Compression != "" {
		typ, err := compression.Parse(y.Compression)
		if err != nil {
			return nil, errors.Mark(err, ErrConfig)
		}
		opts = append(opts, WithCompression(typ))
	}
	if y.BlockCacheSize != nil {
		opts = append(opts, WithBlockCacheSize(*y.BlockCacheSize))
	}
	if y.ManifestRewriteThreshold != 0 {
		opts = append(opts, WithManifestRewriteThreshold(y.ManifestRewriteThreshold))
	}
	return opts, nil
}

// 校验配置是否合法，并确保存放 sst 文件和 wal 文件的目录存在
func (c *Config) check() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Mark(errors.Newf(format, args...), ErrConfig)
	}

	if c.Dir == "" {
		return invalid("dir is required")
	}
	if c.MaxLevel < 2 {
		return invalid("max level must be at least 2, got %d", c.MaxLevel)
	}
	if c.MemTableSize <= 0 || c.BlockSize <= 0 || c.SSTSize == 0 {
		return invalid("memtable size, block size and sst size must be positive")
	}
	switch c.CompactionStrategy {
	case StrategyLeveled:
		if c.LevelMultiplier < 2 || c.Level0FileNum <= 0 || c.LevelBaseSize == 0 {
			return invalid("leveled compaction needs multiplier >= 2 and positive level0 file num and base size")
		}
	case StrategySizeTiered:
		if c.SizeTieredFanOut < 2 {
			return invalid("size tiered fan out must be at least 2, got %d", c.SizeTieredFanOut)
		}
	default:
		return invalid("unknown compaction strategy %q", c.CompactionStrategy)
	}
	if c.ManifestRewriteThreshold <= 0 {
		return invalid("manifest rewrite threshold must be positive")
	}
	if c.BlockCacheSize < 0 {
		return invalid("block cache size must not be negative")
	}
	if c.WALSyncPolicy == wal.SyncPeriodic && c.WALSyncInterval <= 0 {
		return invalid("wal sync interval must be positive")
	}
	if _, err := wal.ParseSyncPolicy(string(c.WALSyncPolicy)); err != nil {
		return errors.Mark(err, ErrConfig)
	}
	switch c.Compression {
	case compression.None, compression.Snappy, compression.Zstd:
	default:
		return invalid("unknown compression %s", c.Compression)
	}

	policy, err := filter.NewPolicy(c.FilterPolicy, c.FilterBitsPerKey)
	if err != nil {
		return errors.Mark(err, ErrConfig)
	}
	c.filterPolicy = policy

	// 目录确保存在
	if err = c.FS.MkdirAll(c.Dir, os.ModePerm); err != nil {
		return ioError(err, "create dir %s", c.Dir)
	}
	if err = c.FS.MkdirAll(path.Join(c.Dir, walDirName), os.ModePerm); err != nil {
		return ioError(err, "create wal dir")
	}
	return nil
}

// 配置项
type ConfigOption func(*Config)

// lsm tree 最大层数. 默认为 7 层.
func WithMaxLevel(maxLevel int) ConfigOption {
	return func(c *Config) {
		c.MaxLevel = maxLevel
	}
}

// 读写 memtable 的容量阈值，单位 byte.
func WithMemTableSize(memTableSize int) ConfigOption {
	return func(c *Config) {
		c.MemTableSize = memTableSize
	}
}

// sstable 中每个 block 块的大小限制.
func WithBlockSize(blockSize int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = blockSize
	}
}

// compaction 产出的单个 sstable 的目标大小，单位 byte.
func WithSSTSize(sstSize uint64) ConfigOption {
	return func(c *Config) {
		c.SSTSize = sstSize
	}
}

// compaction 策略，leveled 或 size_tiered.
func WithCompactionStrategy(strategy string) ConfigOption {
	return func(c *Config) {
		c.CompactionStrategy = strategy
	}
}

func WithSizeTieredFanOut(fanOut int) ConfigOption {
	return func(c *Config) {
		c.SizeTieredFanOut = fanOut
	}
}

// leveled 策略参数: level0 文件数阈值、level1 容量、相邻层倍数.
func WithLeveled(level0FileNum int, levelBaseSize uint64, multiplier int) ConfigOption {
	return func(c *Config) {
		c.Level0FileNum = level0FileNum
		c.LevelBaseSize = levelBaseSize
		c.LevelMultiplier = multiplier
	}
}

// 过滤器策略与每个 key 占用的 bit 数.
func WithFilter(policy string, bitsPerKey int) ConfigOption {
	return func(c *Config) {
		c.FilterPolicy = policy
		c.FilterBitsPerKey = bitsPerKey
	}
}

func WithWALSyncPolicy(policy wal.SyncPolicy) ConfigOption {
	return func(c *Config) {
		c.WALSyncPolicy = policy
	}
}

func WithWALSyncInterval(interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.WALSyncInterval = interval
	}
}

func WithCompression(typ compression.Type) ConfigOption {
	return func(c *Config) {
		c.Compression = typ
	}
}

// block cache 容量，0 表示关闭.
func WithBlockCacheSize(size int64) ConfigOption {
	return func(c *Config) {
		c.BlockCacheSize = size
	}
}

func WithManifestRewriteThreshold(threshold int) ConfigOption {
	return func(c *Config) {
		c.ManifestRewriteThreshold = threshold
	}
}

// 注入有序表构造器. 默认使用本项目下实现的跳表 skiplist.
func WithMemtableConstructor(memtableConstructor memtable.MemTableConstructor) ConfigOption {
	return func(c *Config) {
		c.MemTableConstructor = memtableConstructor
	}
}

func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// 注入文件系统实现，测试中可以使用 afero.NewMemMapFs.
func WithFS(fs afero.Fs) ConfigOption {
	return func(c *Config) {
		c.FS = fs
	}
}

func WithRegisterer(registerer prometheus.Registerer) ConfigOption {
	return func(c *Config) {
		c.Registerer = registerer
	}
}

func repaire(c *Config) {
	if c.MemTableConstructor == nil {
		c.MemTableConstructor = memtable.NewSkiplist
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.FS == nil {
		c.FS = afero.NewOsFs()
	}
}
