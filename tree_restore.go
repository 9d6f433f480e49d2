package lsmkv

import (
	"bytes"
	"path"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/lsmkv/memtable"
	"github.com/xiaoxuxiansheng/lsmkv/wal"
)

// 恢复时并行打开 sstable 的并发度
const openTableConcurrency = 8

// 构建出一棵 lsm tree: 加目录锁，回放 manifest 还原各层 sstable，回放 wal 还原 memtable，启动后台协程
func NewTree(conf *Config) (*Tree, error) {
	if conf == nil {
		return nil, errors.Mark(errors.New("nil config"), ErrConfig)
	}

	// 1 构造 lsm tree 实例
	t := Tree{
		conf:      conf,
		logger:    conf.Logger.Named("lsmkv"),
		snapshots: make(map[*Snapshot]struct{}),
		flushC:    make(chan struct{}, 1),
		compactC:  make(chan struct{}, 1),
		stopc:     make(chan struct{}),
	}

	var err error
	if t.strategy, err = newCompactionStrategy(conf); err != nil {
		return nil, err
	}
	if err = t.lockDir(); err != nil {
		return nil, err
	}
	if t.metrics, err = newMetrics(conf.Registerer); err != nil {
		t.unlockDir()
		return nil, err
	}
	t.cache = newBlockCache(conf.BlockCacheSize, t.metrics)

	// 2 读取 manifest 以及 sst 文件，还原出整棵树
	if err = t.restore(); err != nil {
		t.release()
		return nil, err
	}

	// 3 运行 flush 与 compaction 协程. 恢复出来的只读 memtable 需要继续完成溢写
	t.workers.Go(t.flushLoop)
	t.workers.Go(t.compactLoop)
	notify(t.flushC)
	notify(t.compactC)

	t.logger.Info("lsm tree opened",
		zap.String("dir", conf.Dir),
		zap.String("strategy", t.strategy.Name()),
		zap.Uint64("seq", t.seq.Load()))
	return &t, nil
}

// 在操作系统文件系统上对目录加排他锁，防止多个进程同时打开
func (t *Tree) lockDir() error {
	if _, ok := t.conf.FS.(*afero.OsFs); !ok {
		return nil
	}
	t.lock = flock.New(path.Join(t.conf.Dir, lockFileName))
	locked, err := t.lock.TryLock()
	if err != nil {
		return ioError(err, "lock dir %s", t.conf.Dir)
	}
	if !locked {
		return errors.Mark(errors.Newf("dir %s is locked by another process", t.conf.Dir), ErrIO)
	}
	return nil
}

func (t *Tree) unlockDir() {
	if t.lock != nil {
		_ = t.lock.Unlock()
	}
}

func (t *Tree) restore() error {
	manifest, err := openManifest(t.conf)
	if err != nil {
		return err
	}
	t.manifest = manifest
	version := manifest.version

	// 1 并行打开 manifest 中记录的全部 sstable
	levels, err := t.openTables(version)
	if err != nil {
		_ = manifest.Close()
		return err
	}
	abort := func(err error) error {
		closeNodes(levels)
		_ = manifest.Close()
		return err
	}

	// 2 删除 manifest 中不存在的 sst 文件，例如 compaction 写了一半崩溃留下的输出.
	// manifest 截断过尾部时被截掉的记录可能引用了这些文件，只保留不删除
	maxTableID, err := t.removeOrphanTables(version, !manifest.truncated)
	if err != nil {
		return abort(err)
	}
	t.nextTableID.Store(max(version.nextTableID, maxTableID+1))

	seq := version.lastSeq
	for _, nodes := range levels {
		for _, node := range nodes {
			seq = max(seq, node.MaxSeq())
		}
	}

	// 3 依次回放尚未溢写的 wal，最后一个作为读写 memtable，其余作为只读 memtable
	items, walSeq, err := t.replayWALs(version)
	if err != nil {
		return abort(err)
	}
	seq = max(seq, walSeq)
	t.seq.Store(seq)
	t.nextMemTableID = version.nextMemTableID

	var active *memTableItem
	if len(items) > 0 {
		active, items = items[len(items)-1], items[:len(items)-1]
		if t.walWriter, err = t.newWALWriter(active.id); err != nil {
			return abort(err)
		}
	} else {
		// 没有可用的 memtable 时新建一个
		id := t.nextMemTableID
		if t.walWriter, err = t.newWALWriter(id); err != nil {
			return abort(err)
		}
		if err = manifest.append(&newMemTableRecord{memTableID: id}); err != nil {
			t.walWriter.Abandon()
			return abort(err)
		}
		t.nextMemTableID++
		active = &memTableItem{id: id, memTable: t.conf.MemTableConstructor(), walFile: t.walWriter.File()}
	}

	// 只读 memtable 从新到旧排列
	rOnly := make([]*memTableItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		rOnly = append(rOnly, items[i])
	}

	t.installMu.Lock()
	t.installStateLocked(newStorageState(active, rOnly, levels))
	t.installMu.Unlock()

	t.logger.Info("lsm tree restored",
		zap.Int("frozen_memtables", len(rOnly)),
		zap.Int("memtable_entries", active.memTable.EntriesCnt()),
		zap.Uint64("seq", seq))
	return nil
}

// 并行打开各层的 sstable. level0 按 table id 从新到旧，其余层按 key 排序并校验互不重叠
func (t *Tree) openTables(version *manifestVersion) ([][]*Node, error) {
	levels := make([][]*Node, t.conf.MaxLevel)
	for level, ids := range version.levels {
		levels[level] = make([]*Node, len(ids))
	}

	var group errgroup.Group
	group.SetLimit(openTableConcurrency)
	for level, ids := range version.levels {
		for i, id := range ids {
			level, i, id := level, i, id
			group.Go(func() error {
				node, err := OpenNode(t.conf, t.cache, t.metrics, id, level)
				if err != nil {
					return errors.Wrapf(err, "open table %d at level %d", id, level)
				}
				levels[level][i] = node
				return nil
			})
		}
	}
	err := group.Wait()

	if err == nil {
		sort.Slice(levels[0], func(i, j int) bool { return levels[0][i].ID() > levels[0][j].ID() })
		for level := 1; level < len(levels) && err == nil; level++ {
			levels[level] = insertSorted(levels[level][:0:0], levels[level]...)
			for i := 1; i < len(levels[level]); i++ {
				prev, cur := levels[level][i-1], levels[level][i]
				if bytes.Compare(prev.End(), cur.Start()) >= 0 {
					err = corruption("tables %d and %d overlap at level %d", prev.ID(), cur.ID(), level)
					break
				}
			}
		}
	}

	if err != nil {
		closeNodes(levels)
		return nil, err
	}
	return levels, nil
}

// 删除不在 manifest 中的 sst 文件，返回目录中出现过的最大 table id. remove 为 false 时只统计 id
func (t *Tree) removeOrphanTables(version *manifestVersion, remove bool) (uint64, error) {
	entries, err := afero.ReadDir(t.conf.FS, t.conf.Dir)
	if err != nil {
		return 0, ioError(err, "read dir %s", t.conf.Dir)
	}

	live := version.liveTables()
	var maxTableID uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseFileID(entry.Name(), sstSuffix)
		if !ok {
			continue
		}
		maxTableID = max(maxTableID, id)
		if _, ok = live[id]; ok {
			continue
		}
		if !remove {
			t.logger.Warn("keeping table not referenced by manifest", zap.String("file", entry.Name()))
			continue
		}
		t.logger.Info("removing orphan table", zap.String("file", entry.Name()))
		if err = t.conf.FS.Remove(path.Join(t.conf.Dir, entry.Name())); err != nil {
			return 0, ioError(err, "remove orphan table %s", entry.Name())
		}
	}
	return maxTableID, nil
}

// 按 memtable id 从旧到新回放尚未溢写的 wal，删除已经溢写过的 wal
func (t *Tree) replayWALs(version *manifestVersion) ([]*memTableItem, uint64, error) {
	walDir := path.Join(t.conf.Dir, walDirName)
	entries, err := afero.ReadDir(t.conf.FS, walDir)
	if err != nil {
		return nil, 0, ioError(err, "read wal dir")
	}
	onDisk := make(map[uint64]struct{}, len(entries))
	for _, entry := range entries {
		id, ok := parseFileID(entry.Name(), walSuffix)
		if !ok || entry.IsDir() {
			continue
		}
		if _, live := version.memTables[id]; live {
			onDisk[id] = struct{}{}
			continue
		}
		t.logger.Info("removing stale wal", zap.String("file", entry.Name()))
		if err = t.conf.FS.Remove(path.Join(walDir, entry.Name())); err != nil {
			return nil, 0, ioError(err, "remove stale wal %s", entry.Name())
		}
	}

	var (
		items  []*memTableItem
		maxSeq uint64
	)
	for _, id := range version.liveMemTables() {
		item := memTableItem{id: id, memTable: t.conf.MemTableConstructor(), walFile: walFile(t.conf.Dir, id)}
		// manifest 已经登记但 wal 文件尚未创建，视为空 memtable
		if _, ok := onDisk[id]; ok {
			seq, err := replayWAL(t.conf.FS, item.walFile, item.memTable)
			if err != nil {
				return nil, 0, err
			}
			maxSeq = max(maxSeq, seq)
		}
		items = append(items, &item)
	}
	return items, maxSeq, nil
}

func replayWAL(fs afero.Fs, file string, memTable memtable.MemTable) (uint64, error) {
	walReader, err := wal.NewWALReader(fs, file)
	if err != nil {
		return 0, errors.Mark(err, ErrIO)
	}
	defer walReader.Close()

	seq, err := walReader.RestoreToMemtable(memTable)
	if errors.Is(err, wal.ErrCorrupted) {
		return 0, errors.Mark(err, ErrCorruption)
	}
	if err != nil {
		return 0, errors.Mark(err, ErrIO)
	}
	return seq, nil
}

