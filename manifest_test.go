package lsmkv

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Manifest_Replay(t *testing.T) {
	conf := newTestConfig(t, WithMaxLevel(3))
	m, err := openManifest(conf)
	require.NoError(t, err)
	assert.Equal(t, 1, m.records)

	records := []manifestRecord{
		&newMemTableRecord{memTableID: 1},
		&newMemTableRecord{memTableID: 2},
		&flushRecord{memTableID: 1, tableID: 1, maxSeq: 10},
		&newMemTableRecord{memTableID: 3},
		&flushRecord{memTableID: 2, tableID: 0, maxSeq: 10},
		&flushRecord{memTableID: 3, tableID: 2, maxSeq: 20},
		&compactionRecord{level: 1, inputs: []tableRef{{tableID: 1, level: 0}, {tableID: 2, level: 0}}, outputs: []uint64{3, 4}},
		&newMemTableRecord{memTableID: 4},
	}
	for _, rec := range records {
		require.NoError(t, m.append(rec))
	}
	require.NoError(t, m.Close())

	expect := func(v *manifestVersion) {
		assert.Empty(t, v.levels[0])
		assert.Equal(t, []uint64{3, 4}, v.levels[1])
		assert.Empty(t, v.levels[2])
		assert.Equal(t, []uint64{4}, v.liveMemTables())
		assert.Equal(t, uint64(5), v.nextTableID)
		assert.Equal(t, uint64(5), v.nextMemTableID)
		assert.Equal(t, uint64(20), v.lastSeq)
		assert.Equal(t, map[uint64]int{3: 1, 4: 1}, v.liveTables())
	}
	expect(m.version)

	m, err = openManifest(conf)
	require.NoError(t, err)
	assert.Equal(t, len(records)+1, m.records)
	expect(m.version)

	// checkpoint 之后文件中只剩一条记录
	require.NoError(t, m.checkpoint(30))
	require.NoError(t, m.Close())
	m, err = openManifest(conf)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 1, m.records)
	assert.Equal(t, uint64(30), m.version.lastSeq)
	assert.Equal(t, []uint64{3, 4}, m.version.levels[1])
}

func Test_Manifest_Rewrite(t *testing.T) {
	conf := newTestConfig(t, WithManifestRewriteThreshold(3))
	m, err := openManifest(conf)
	require.NoError(t, err)

	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, m.append(&newMemTableRecord{memTableID: id}))
		assert.LessOrEqual(t, m.records, 3)
	}
	require.NoError(t, m.Close())

	m, err = openManifest(conf)
	require.NoError(t, err)
	defer m.Close()
	assert.Len(t, m.version.liveMemTables(), 10)
	assert.Equal(t, uint64(11), m.version.nextMemTableID)
}

func Test_Manifest_Corrupted(t *testing.T) {
	conf := newTestConfig(t)
	m, err := openManifest(conf)
	require.NoError(t, err)
	require.NoError(t, m.append(&newMemTableRecord{memTableID: 1}))
	require.NoError(t, m.append(&newMemTableRecord{memTableID: 2}))
	require.NoError(t, m.Close())

	body, err := afero.ReadFile(conf.FS, manifestFile(conf.Dir))
	require.NoError(t, err)
	// 破坏第一条记录的 payload
	body[len(body)/4] ^= 0xff
	require.NoError(t, afero.WriteFile(conf.FS, manifestFile(conf.Dir), body, 0644))

	_, err = openManifest(conf)
	assert.True(t, errors.Is(err, ErrCorruption))
}

func Test_Manifest_CorruptedLength(t *testing.T) {
	conf := newTestConfig(t)
	m, err := openManifest(conf)
	require.NoError(t, err)
	require.NoError(t, m.append(&newMemTableRecord{memTableID: 1}))
	require.NoError(t, m.append(&newMemTableRecord{memTableID: 2}))
	require.NoError(t, m.Close())

	body, err := afero.ReadFile(conf.FS, manifestFile(conf.Dir))
	require.NoError(t, err)
	// 第一条记录的长度越界
	body[4] = 0x7f
	require.NoError(t, afero.WriteFile(conf.FS, manifestFile(conf.Dir), body, 0644))

	_, err = openManifest(conf)
	assert.True(t, errors.Is(err, ErrCorruption))
}

func Test_Manifest_RewriteFailure(t *testing.T) {
	fs := &faultyFS{Fs: afero.NewMemMapFs()}
	conf := newTestConfigOnFS(t, fs, WithManifestRewriteThreshold(2))
	m, err := openManifest(conf)
	require.NoError(t, err)

	// 重写失败不影响追加
	fs.failRename.Store(true)
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, m.append(&newMemTableRecord{memTableID: id}))
	}
	assert.Equal(t, 6, m.records)

	// 恢复之后的下一次追加完成重写
	fs.failRename.Store(false)
	require.NoError(t, m.append(&newMemTableRecord{memTableID: 6}))
	assert.Equal(t, 1, m.records)
	require.NoError(t, m.Close())

	m, err = openManifest(conf)
	require.NoError(t, err)
	defer m.Close()
	assert.Len(t, m.version.liveMemTables(), 6)
}

func Test_Manifest_FailedAppendKeepsVersion(t *testing.T) {
	conf := newTestConfig(t, WithMaxLevel(3))
	m, err := openManifest(conf)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.append(&flushRecord{memTableID: 1, tableID: 1, maxSeq: 1}))

	// 校验失败的记录不会修改内存中的状态
	err = m.append(&compactionRecord{level: 1, inputs: []tableRef{{tableID: 1, level: 0}, {tableID: 9, level: 0}}, outputs: []uint64{2}})
	assert.True(t, errors.Is(err, ErrCorruption))
	assert.Equal(t, []uint64{1}, m.version.levels[0])
	assert.Empty(t, m.version.levels[1])
}

func Test_Manifest_InvalidRecord(t *testing.T) {
	conf := newTestConfig(t, WithMaxLevel(3))
	m, err := openManifest(conf)
	require.NoError(t, err)
	defer m.Close()

	// 输入的 table 不存在
	err = m.append(&compactionRecord{level: 1, inputs: []tableRef{{tableID: 9, level: 0}}})
	assert.True(t, errors.Is(err, ErrCorruption))

	err = m.append(&compactionRecord{level: 3})
	assert.True(t, errors.Is(err, ErrCorruption))

	_, err = decodeManifestRecord([]byte{9}, 3)
	assert.True(t, errors.Is(err, ErrCorruption))
	_, err = decodeManifestRecord([]byte{tagFlush, 1}, 3)
	assert.True(t, errors.Is(err, ErrCorruption))

	// checkpoint 中的层数超过配置
	v := newManifestVersion(5)
	_, err = decodeManifestRecord((&checkpointRecord{version: v}).encode(), 3)
	assert.True(t, errors.Is(err, ErrConfig))
}
