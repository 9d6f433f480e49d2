package lsmkv

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

const testDir = "/lsm"

func newTestMetrics(t *testing.T) *metrics {
	t.Helper()
	m, err := newMetrics(nil)
	require.NoError(t, err)
	return m
}

func newTestConfig(t *testing.T, opts ...ConfigOption) *Config {
	t.Helper()
	return newTestConfigOnFS(t, afero.NewMemMapFs(), opts...)
}

func newTestConfigOnFS(t *testing.T, fs afero.Fs, opts ...ConfigOption) *Config {
	t.Helper()
	base := []ConfigOption{
		WithFS(fs),
		WithLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel))),
	}
	conf, err := NewConfig(testDir, append(base, opts...)...)
	require.NoError(t, err)
	return conf
}

func openTestTree(t *testing.T, fs afero.Fs, opts ...ConfigOption) *Tree {
	t.Helper()
	tree, err := NewTree(newTestConfigOnFS(t, fs, opts...))
	require.NoError(t, err)
	return tree
}

func mustGet(t *testing.T, tree *Tree, key string) string {
	t.Helper()
	v, ok, err := tree.Get([]byte(key))
	require.NoError(t, err)
	require.True(t, ok, "key %s not found", key)
	return string(v)
}

func assertNotFound(t *testing.T, tree *Tree, key string) {
	t.Helper()
	_, ok, err := tree.Get([]byte(key))
	require.NoError(t, err)
	assert.False(t, ok, "key %s should not exist", key)
}

func collect(t *testing.T, it *Iterator) []string {
	t.Helper()
	defer it.Close()
	var kvs []string
	for ; it.Valid(); it.Next() {
		kvs = append(kvs, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Err())
	return kvs
}

func Test_LSM_UseCase(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs())
	defer tree.Close()

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	require.NoError(t, tree.Put([]byte("a"), []byte("2")))
	assert.Equal(t, "2", mustGet(t, tree, "a"))

	require.NoError(t, tree.Put([]byte("b"), []byte("1")))
	require.NoError(t, tree.Delete([]byte("b")))
	assertNotFound(t, tree, "b")
	assertNotFound(t, tree, "c")

	// 删除不存在的 key 也会写入墓碑
	require.NoError(t, tree.Delete([]byte("c")))
	assertNotFound(t, tree, "c")

	// 空 value 与不存在不同
	require.NoError(t, tree.Put([]byte("empty"), nil))
	v, ok, err := tree.Get([]byte("empty"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)

	stats, err := tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stats.Seq)
}

func Test_LSM_OverwriteAcrossTables(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs())
	defer tree.Close()

	require.NoError(t, tree.Put([]byte("k"), []byte("v1")))
	require.NoError(t, tree.Flush())
	assert.Equal(t, "v1", mustGet(t, tree, "k"))

	require.NoError(t, tree.Put([]byte("k"), []byte("v2")))
	assert.Equal(t, "v2", mustGet(t, tree, "k"))
	require.NoError(t, tree.Flush())
	assert.Equal(t, "v2", mustGet(t, tree, "k"))

	// memtable 中的墓碑遮蔽 sstable 中的旧值
	require.NoError(t, tree.Delete([]byte("k")))
	assertNotFound(t, tree, "k")
	require.NoError(t, tree.Flush())
	assertNotFound(t, tree, "k")

	require.NoError(t, tree.Put([]byte("k"), []byte("v3")))
	assert.Equal(t, "v3", mustGet(t, tree, "k"))
}

func Test_LSM_Fill(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs(), WithMemTableSize(4<<10), WithBlockSize(512))
	defer tree.Close()

	require.NoError(t, tree.Fill(0, 1000))
	require.NoError(t, tree.Flush())

	state, err := tree.acquireState()
	require.NoError(t, err)
	_, inMemTable := state.memTable.memTable.Get([]byte("k500"), kv.MaxSeq)
	assert.False(t, inMemTable)
	assert.Empty(t, state.rOnlyMemTables)
	state.unref()

	stats, err := tree.Stats()
	require.NoError(t, err)
	var tables int
	for _, level := range stats.Levels {
		tables += level.Tables
	}
	assert.Greater(t, tables, 0)
	assert.Equal(t, uint64(1000), stats.Seq)

	assert.Equal(t, "value@500", mustGet(t, tree, "k500"))
	for i := 0; i < 1000; i++ {
		assert.Equal(t, fmt.Sprintf("value@%d", i), mustGet(t, tree, fmt.Sprintf("k%d", i)))
	}
	assertNotFound(t, tree, "k1000")

	err = tree.Fill(10, 5)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func Test_LSM_Scan(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs())
	defer tree.Close()

	for _, key := range []string{"a", "c", "e", "z"} {
		require.NoError(t, tree.Put([]byte(key), []byte(key)))
	}
	it, err := tree.Scan([]byte("b"), []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c=c", "e=e"}, collect(t, it))

	// 数据分布在 sstable 与 memtable 中，墓碑与覆盖写需要正确合并
	require.NoError(t, tree.Put([]byte("d"), []byte("d")))
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Delete([]byte("d")))
	require.NoError(t, tree.Put([]byte("c"), []byte("c2")))

	it, err = tree.Scan([]byte("b"), []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c=c2", "e=e"}, collect(t, it))

	it, err = tree.Scan(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=a", "c=c2", "e=e", "z=z"}, collect(t, it))

	// end 不包含在结果内
	it, err = tree.Scan([]byte("a"), []byte("e"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a=a", "c=c2"}, collect(t, it))

	it, err = tree.Scan([]byte("c"), []byte("c"))
	require.NoError(t, err)
	assert.Empty(t, collect(t, it))

	_, err = tree.Scan([]byte("y"), []byte("b"))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func Test_LSM_ScanPinsState(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := openTestTree(t, fs, WithLeveled(2, 10<<20, 10))
	defer tree.Close()

	require.NoError(t, tree.Fill(0, 10))
	require.NoError(t, tree.Flush())

	it, err := tree.Scan(nil, nil)
	require.NoError(t, err)

	// 迭代器创建之后的写入以及 compaction 不影响迭代结果
	require.NoError(t, tree.Fill(10, 20))
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Compact())

	stats, err := tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Levels[0].Tables)

	// 被淘汰的 sstable 仍被迭代器持有，文件尚未删除
	exists, err := afero.Exists(fs, sstFile(testDir, 1))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Len(t, collect(t, it), 10)
	exists, err = afero.Exists(fs, sstFile(testDir, 1))
	require.NoError(t, err)
	assert.False(t, exists)

	// 重复 Close 无副作用
	require.NoError(t, it.Close())
}

func Test_LSM_Snapshot(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs())
	defer tree.Close()

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	snap, err := tree.NewSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Seq())

	require.NoError(t, tree.Put([]byte("a"), []byte("2")))
	require.NoError(t, tree.Put([]byte("b"), []byte("2")))

	v, ok, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	_, ok, err = snap.Get([]byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	it, err := snap.Scan(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1"}, collect(t, it))

	stats, err := tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots)

	snap.Release()
	snap.Release()
	_, _, err = snap.Get([]byte("a"))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = snap.Scan(nil, nil)
	assert.True(t, errors.Is(err, ErrClosed))

	stats, err = tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Snapshots)
}

func Test_LSM_Close(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs())
	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	require.NoError(t, tree.Close())

	assert.True(t, errors.Is(tree.Close(), ErrClosed))
	assert.True(t, errors.Is(tree.Put([]byte("a"), []byte("2")), ErrClosed))
	assert.True(t, errors.Is(tree.Delete([]byte("a")), ErrClosed))
	_, _, err := tree.Get([]byte("a"))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = tree.Scan(nil, nil)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = tree.NewSnapshot()
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = tree.Stats()
	assert.True(t, errors.Is(err, ErrClosed))
}

func Test_LSM_InvalidKey(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs())
	defer tree.Close()

	assert.True(t, errors.Is(tree.Put(nil, []byte("v")), ErrInvalidArgument))
	assert.True(t, errors.Is(tree.Delete([]byte{}), ErrInvalidArgument))

	stats, err := tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.Seq)
}

func Test_LSM_Concurrent(t *testing.T) {
	tree := openTestTree(t, afero.NewMemMapFs(),
		WithMemTableSize(2<<10),
		WithBlockSize(256),
		WithLeveled(2, 8<<10, 4),
		WithSSTSize(4<<10),
	)
	defer tree.Close()

	const writers, perWriter = 4, 300
	var writerWg, scannerWg sync.WaitGroup
	for w := 0; w < writers; w++ {
		writerWg.Add(1)
		go func(w int) {
			defer writerWg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-%04d", w, i)
				assert.NoError(t, tree.Put([]byte(key), []byte(key)))
			}
		}(w)
	}

	var stop atomic.Bool
	scannerWg.Add(1)
	go func() {
		defer scannerWg.Done()
		for !stop.Load() {
			it, err := tree.Scan(nil, nil)
			if !assert.NoError(t, err) {
				return
			}
			prev := ""
			for ; it.Valid(); it.Next() {
				key := string(it.Key())
				assert.Less(t, prev, key)
				assert.Equal(t, key, string(it.Value()))
				prev = key
			}
			assert.NoError(t, it.Err())
			assert.NoError(t, it.Close())
		}
	}()

	// 写入完成后停止扫描
	writerWg.Wait()
	stop.Store(true)
	scannerWg.Wait()

	require.NoError(t, tree.Flush())
	require.NoError(t, tree.Compact())
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%d-%04d", w, i)
			assert.Equal(t, key, mustGet(t, tree, key))
		}
	}

	it, err := tree.Scan(nil, nil)
	require.NoError(t, err)
	assert.Len(t, collect(t, it), writers*perWriter)
}

// 模拟磁盘故障: 开启后新建 sst 文件失败
// 按开关注入文件创建以及 rename 失败
type faultyFS struct {
	afero.Fs
	failTables atomic.Bool
	failWALs   atomic.Bool
	failRename atomic.Bool
}

func (f *faultyFS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 {
		if f.failTables.Load() && strings.HasSuffix(name, sstSuffix) ||
			f.failWALs.Load() && strings.HasSuffix(name, walSuffix) {
			return nil, errors.Newf("injected failure creating %s", name)
		}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *faultyFS) Rename(oldname, newname string) error {
	if f.failRename.Load() {
		return errors.Newf("injected failure renaming %s", oldname)
	}
	return f.Fs.Rename(oldname, newname)
}

func Test_LSM_ReadOnlyAfterBackgroundFailure(t *testing.T) {
	fs := &faultyFS{Fs: afero.NewMemMapFs()}
	reg := prometheus.NewRegistry()
	tree := openTestTree(t, fs, WithRegisterer(reg))

	require.NoError(t, tree.Put([]byte("a"), []byte("1")))
	fs.failTables.Store(true)

	err := tree.Flush()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))

	err = tree.Put([]byte("b"), []byte("1"))
	assert.True(t, errors.Is(err, ErrReadOnly))
	assert.True(t, errors.Is(tree.Flush(), ErrReadOnly))
	assert.True(t, errors.Is(tree.Compact(), ErrReadOnly))

	// 读取不受影响，数据仍在只读 memtable 中
	assert.Equal(t, "1", mustGet(t, tree, "a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(tree.metrics.readOnlyState))

	err = tree.Close()
	assert.True(t, errors.Is(err, ErrIO))

	// 未溢写的数据仍在 wal 中，故障恢复后重新打开可以读到
	fs.failTables.Store(false)
	tree = openTestTree(t, fs, WithRegisterer(reg))
	defer tree.Close()
	assert.Equal(t, "1", mustGet(t, tree, "a"))
}

func Test_LSM_FreezeFailure(t *testing.T) {
	fs := &faultyFS{Fs: afero.NewMemMapFs()}
	tree := openTestTree(t, fs, WithMemTableSize(64))

	// 超过阈值触发 memtable 切换，新 wal 无法创建
	fs.failWALs.Store(true)
	value := strings.Repeat("v", 100)
	require.NoError(t, tree.Put([]byte("a"), []byte(value)))
	assert.Equal(t, value, mustGet(t, tree, "a"))

	err := tree.Put([]byte("b"), []byte("1"))
	assert.True(t, errors.Is(err, ErrReadOnly))
	tree.abandon()

	// 写入已经落在 wal 中
	fs.failWALs.Store(false)
	tree = openTestTree(t, fs, WithMemTableSize(64))
	defer tree.Close()
	assert.Equal(t, value, mustGet(t, tree, "a"))
	assertNotFound(t, tree, "b")
}

func Test_LSM_Metrics(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := prometheus.NewRegistry()
	tree := openTestTree(t, fs, WithRegisterer(reg))

	require.NoError(t, tree.Fill(0, 10))
	require.NoError(t, tree.Delete([]byte("k1")))
	_, _, err := tree.Get([]byte("k2"))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())

	assert.Equal(t, 10.0, testutil.ToFloat64(tree.metrics.puts))
	assert.Equal(t, 1.0, testutil.ToFloat64(tree.metrics.deletes))
	assert.Equal(t, 1.0, testutil.ToFloat64(tree.metrics.gets))
	assert.Equal(t, 1.0, testutil.ToFloat64(tree.metrics.flushes))
	assert.Greater(t, testutil.ToFloat64(tree.metrics.bytesWritten), 0.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(tree.metrics.levelTables.WithLabelValues("0")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["lsmkv_puts_total"])
	assert.True(t, names["lsmkv_level_tables"])

	// 同一个 registerer 上不能同时打开两棵树
	_, err = NewTree(newTestConfigOnFS(t, fs, WithRegisterer(reg)))
	assert.True(t, errors.Is(err, ErrConfig))

	// 关闭后注销，可以再次注册
	require.NoError(t, tree.Close())
	tree = openTestTree(t, fs, WithRegisterer(reg))
	require.NoError(t, tree.Close())
}

func Test_LSM_DirLock(t *testing.T) {
	dir := t.TempDir()
	conf, err := NewConfig(dir, WithLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel))))
	require.NoError(t, err)

	tree, err := NewTree(conf)
	require.NoError(t, err)
	require.NoError(t, tree.Put([]byte("a"), []byte("1")))

	_, err = NewTree(conf)
	assert.True(t, errors.Is(err, ErrIO))

	require.NoError(t, tree.Close())
	tree, err = NewTree(conf)
	require.NoError(t, err)
	defer tree.Close()
	assert.Equal(t, "1", mustGet(t, tree, "a"))
}
