package lsmkv

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/lsmkv/kv"
	"github.com/xiaoxuxiansheng/lsmkv/wal"
)

// 1 构造一棵树，基于 config 与磁盘文件映射
// 2 写入、删除一笔数据
// 3 点查以及范围查询数据
type Tree struct {
	conf     *Config
	logger   *zap.Logger
	metrics  *metrics
	cache    *blockCache
	strategy CompactionStrategy
	lock     *flock.Flock // 只在操作系统文件系统上加目录锁

	// 当前的 storage state. 读流程只通过引用计数持有，不加锁
	state atomic.Pointer[storageState]

	// 串行化 state 切换以及对应的 manifest 追加
	installMu sync.Mutex
	manifest  *Manifest

	// 串行化写入. walWriter 与 nextMemTableID 受其保护
	writeMu        sync.Mutex
	walWriter      *wal.WALWriter
	nextMemTableID uint64

	// 最近一次写入已经对读可见的 seq
	seq         atomic.Uint64
	nextTableID atomic.Uint64

	// 分别串行化 flush 与 compaction 的执行，后台协程与 Flush / Compact 调用共用
	flushMu   sync.Mutex
	compactMu sync.Mutex

	snapMu    sync.Mutex
	snapshots map[*Snapshot]struct{}

	// 只读 memtable 产生时通过该 chan 通知 flush 协程
	flushC chan struct{}
	// level0 新增 sstable 后通过该 chan 通知 compaction 协程
	compactC chan struct{}
	// lsm tree 停止时通过该 chan 传递信号
	stopc   chan struct{}
	workers errgroup.Group

	// 后台 flush / compaction 出现的错误. 一旦出现，tree 变为只读
	errMu sync.Mutex
	bgErr error

	closed atomic.Bool
}

// Open 是 NewTree 的别名
func Open(conf *Config) (*Tree, error) {
	return NewTree(conf)
}

// 写入一组 kv 对到 lsm tree. 会直接写入到读写 memtable 中.
func (t *Tree) Put(key, value []byte) error {
	if err := t.write(kv.Record{Key: key, Kind: kv.KindPut, Value: value}); err != nil {
		return err
	}
	t.metrics.puts.Inc()
	return nil
}

// 删除一个 key，写入一条墓碑记录
func (t *Tree) Delete(key []byte) error {
	if err := t.write(kv.Record{Key: key, Kind: kv.KindDelete}); err != nil {
		return err
	}
	t.metrics.deletes.Inc()
	return nil
}

func (t *Tree) write(record kv.Record) error {
	if len(record.Key) == 0 {
		return errors.Mark(errors.New("empty key"), ErrInvalidArgument)
	}

	// 1 加写锁
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.writable(); err != nil {
		return err
	}

	// 2 分配 seq，数据预写入预写日志中，防止因宕机引起 memtable 数据丢失.
	record = record.Clone()
	record.Seq = t.seq.Load() + 1
	if err := t.walWriter.Write(record); err != nil {
		return errors.Mark(err, ErrIO)
	}

	// 3 数据写入读写 memtable，之后再推进 seq 使其对读可见
	active := t.state.Load().memTable
	active.memTable.Put(record)
	t.seq.Store(record.Seq)

	// 4 倘若读写 memtable 的大小未达到阈值，则直接返回.
	if active.memTable.Size() < t.conf.MemTableSize {
		return nil
	}

	// 5 倘若读写 memtable 数据量达到上限，则需要切换 memtable.
	// 本次写入已经持久化且对读可见，切换失败时不返回错误，tree 转为只读
	if err := t.freezeLocked(); err != nil {
		t.setBackgroundErr(errors.Wrap(err, "freeze memtable"))
	}
	return nil
}

// 根据 key 读取数据. key 不存在时返回 (nil, false, nil)
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	return t.get(key, kv.MaxSeq)
}

func (t *Tree) get(key []byte, ceiling uint64) ([]byte, bool, error) {
	state, err := t.acquireState()
	if err != nil {
		return nil, false, err
	}
	defer state.unref()
	t.metrics.gets.Inc()

	record, ok, err := t.lookup(state, key, ceiling)
	if err != nil || !ok || record.IsTombstone() {
		return nil, false, err
	}
	return append([]byte{}, record.Value...), true, nil
}

// 按从新到旧的顺序依次探查，第一条 seq <= ceiling 的记录即为结果
func (t *Tree) lookup(state *storageState, key []byte, ceiling uint64) (kv.Record, bool, error) {
	// 1 首先读 active memtable.
	if record, ok := state.memTable.memTable.Get(key, ceiling); ok {
		return record, true, nil
	}

	// 2 读 readOnly memtable，从新到旧
	for _, item := range state.rOnlyMemTables {
		if record, ok := item.memTable.Get(key, ceiling); ok {
			return record, true, nil
		}
	}

	// 3 读 sstable level0 层，从新到旧
	for _, node := range state.levels[0] {
		record, ok, err := node.Get(key, ceiling)
		if err != nil || ok {
			return record, ok, err
		}
	}

	// 4 依次读 sstable level 1 ~ i 层，每层至多只需要和一个 sstable 交互
	for level := 1; level < len(state.levels); level++ {
		node, ok := state.levelSearch(level, key)
		if !ok {
			continue
		}
		record, ok, err := node.Get(key, ceiling)
		if err != nil || ok {
			return record, ok, err
		}
	}

	// 5 至此都没有读到数据，则返回 key 不存在.
	return kv.Record{}, false, nil
}

// 强制冻结当前读写 memtable，并等待全部只读 memtable 溢写完成
func (t *Tree) Flush() error {
	t.writeMu.Lock()
	err := t.writable()
	if err == nil && t.state.Load().memTable.memTable.EntriesCnt() > 0 {
		err = t.freezeLocked()
	}
	t.writeMu.Unlock()
	if err != nil {
		return err
	}
	return t.flushAll()
}

// 同步执行 compaction，直到策略不再选出任何 sstable
func (t *Tree) Compact() error {
	if err := t.writable(); err != nil {
		return err
	}
	for {
		done, err := t.compactOnce()
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}
}

// 批量写入 [lower, upper) 区间内的数据，key 为 k<i>，value 为 value@<i>
func (t *Tree) Fill(lower, upper int) error {
	if lower > upper {
		return errors.Mark(errors.Newf("fill lower %d greater than upper %d", lower, upper), ErrInvalidArgument)
	}
	for i := lower; i < upper; i++ {
		if err := t.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("value@%d", i))); err != nil {
			return err
		}
	}
	return nil
}

// 各层的统计信息
type LevelStats struct {
	Tables int
	Size   uint64
}

type Stats struct {
	Seq             uint64
	MemTableSize    int
	MemTableEntries int
	FrozenMemTables int
	Levels          []LevelStats
	BlockCacheUsage int64
	Snapshots       int
}

func (t *Tree) Stats() (Stats, error) {
	state, err := t.acquireState()
	if err != nil {
		return Stats{}, err
	}
	defer state.unref()

	stats := Stats{
		Seq:             t.seq.Load(),
		MemTableSize:    state.memTable.memTable.Size(),
		MemTableEntries: state.memTable.memTable.EntriesCnt(),
		FrozenMemTables: len(state.rOnlyMemTables),
		Levels:          make([]LevelStats, len(state.levels)),
		BlockCacheUsage: t.cache.usage(),
	}
	for level, nodes := range state.levels {
		stats.Levels[level] = LevelStats{Tables: len(nodes), Size: levelSize(nodes)}
	}
	t.snapMu.Lock()
	stats.Snapshots = len(t.snapshots)
	t.snapMu.Unlock()
	return stats, nil
}

// Close 停止写入，溢写全部 memtable，等待后台协程退出，写入 manifest checkpoint 后释放资源.
// 重复调用返回 ErrClosed
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	t.logger.Info("closing lsm tree")

	var errs error
	bgErr := t.backgroundErr()

	// 1 冻结读写 memtable，并把全部只读 memtable 溢写落盘
	if bgErr == nil {
		t.writeMu.Lock()
		if t.state.Load().memTable.memTable.EntriesCnt() > 0 {
			errs = errors.CombineErrors(errs, t.freezeLocked())
		}
		t.writeMu.Unlock()
		errs = errors.CombineErrors(errs, t.flushAll())
	}

	// 2 停止后台协程，等待进行中的 flush / compaction 完成
	close(t.stopc)
	errs = errors.CombineErrors(errs, t.workers.Wait())

	// 3 wal fsync 并关闭，写入 manifest checkpoint
	t.writeMu.Lock()
	errs = errors.CombineErrors(errs, t.walWriter.Close())
	t.writeMu.Unlock()

	t.installMu.Lock()
	if t.backgroundErr() == nil {
		errs = errors.CombineErrors(errs, t.manifest.checkpoint(t.seq.Load()))
	}
	errs = errors.CombineErrors(errs, t.manifest.Close())
	state := t.state.Swap(nil)
	t.installMu.Unlock()

	// 4 释放 state，关闭全部 sstable
	if state != nil {
		state.unref()
	}
	t.release()

	errs = errors.CombineErrors(errs, t.backgroundErr())
	t.logger.Info("lsm tree closed", zap.Error(errs))
	return errs
}

// abandon 模拟进程崩溃: 不溢写 memtable，不 fsync wal，不写 checkpoint
func (t *Tree) abandon() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	close(t.stopc)
	_ = t.workers.Wait()

	t.writeMu.Lock()
	t.walWriter.Abandon()
	t.writeMu.Unlock()

	t.installMu.Lock()
	_ = t.manifest.Close()
	state := t.state.Swap(nil)
	t.installMu.Unlock()
	if state != nil {
		state.unref()
	}
	t.release()
}

func (t *Tree) release() {
	t.cache.clear()
	t.metrics.unregister(t.conf.Registerer)
	if t.lock != nil {
		if err := t.lock.Unlock(); err != nil {
			t.logger.Warn("release dir lock failed", zap.Error(err))
		}
	}
}

// 获取当前 state 的引用. 读流程全程持有，保证期间引用的 sstable 不会被删除
func (t *Tree) acquireState() (*storageState, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.pinState()
}

// pinState 不检查 closed 标记，供 Close 过程中的 flush 使用
func (t *Tree) pinState() (*storageState, error) {
	for {
		state := t.state.Load()
		if state == nil {
			return nil, ErrClosed
		}
		if state.tryRef() {
			return state, nil
		}
	}
}

// 替换 state，释放旧 state 上 tree 持有的引用. 调用方需持有 installMu
func (t *Tree) installStateLocked(next *storageState) {
	if prev := t.state.Swap(next); prev != nil {
		prev.unref()
	}
	for level, nodes := range next.levels {
		t.metrics.levelTables.WithLabelValues(fmt.Sprint(level)).Set(float64(len(nodes)))
	}
}

func (t *Tree) writable() error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.backgroundErr(); err != nil {
		return errors.Mark(errors.Wrap(err, "tree is read-only"), ErrReadOnly)
	}
	return nil
}

func (t *Tree) backgroundErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.bgErr
}

// 记录后台错误，tree 进入只读状态
func (t *Tree) setBackgroundErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.bgErr != nil {
		return
	}
	t.bgErr = err
	t.metrics.readOnlyState.Set(1)
	t.logger.Error("background task failed, tree is read-only now", zap.Error(err))
}

// 非阻塞地通知后台协程
func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
