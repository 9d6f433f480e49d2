package lsmkv

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/lsmkv/wal"
)

// 切换读写 memtable 为只读 memtable，并构建新的读写 memtable. 调用方需持有 writeMu
func (t *Tree) freezeLocked() error {
	// 迎新: 构造一个新的读写 memtable，并构造与之相应的 wal 文件.
	id := t.nextMemTableID
	walWriter, err := t.newWALWriter(id)
	if err != nil {
		return err
	}
	next := &memTableItem{
		id:       id,
		memTable: t.conf.MemTableConstructor(),
		walFile:  walWriter.File(),
	}

	t.installMu.Lock()
	if err = t.manifest.append(&newMemTableRecord{memTableID: id}); err != nil {
		t.installMu.Unlock()
		walWriter.Abandon()
		_ = t.conf.FS.Remove(walWriter.File())
		return err
	}
	t.nextMemTableID++

	// 辞旧: 原读写 memtable 放到只读队列的最前面
	active, rOnly, levels := t.state.Load().clone()
	rOnly = append([]*memTableItem{active}, rOnly...)
	t.installStateLocked(newStorageState(next, rOnly, levels))
	t.installMu.Unlock()

	prevWriter := t.walWriter
	t.walWriter = walWriter
	notify(t.flushC)

	t.logger.Debug("memtable frozen",
		zap.Uint64("memtable", active.id),
		zap.Int("size", active.memTable.Size()),
		zap.Uint64("next_memtable", id))
	return prevWriter.Close()
}

func (t *Tree) newWALWriter(memTableID uint64) (*wal.WALWriter, error) {
	walWriter, err := wal.NewWALWriter(t.conf.FS, walFile(t.conf.Dir, memTableID), t.conf.WALSyncPolicy, t.conf.WALSyncInterval)
	if err != nil {
		return nil, errors.Mark(err, ErrIO)
	}
	return walWriter, nil
}

// 运行 flush 协程
func (t *Tree) flushLoop() error {
	for {
		select {
		// 接收到 lsm tree 终止信号，退出协程.
		case <-t.stopc:
			return nil
		// 接收到 read-only memtable，需要将其溢写到磁盘成为 level0 层 sstable 文件.
		case <-t.flushC:
			if t.backgroundErr() != nil {
				continue
			}
			_ = t.flushAll()
		}
	}
}

// 依次溢写全部只读 memtable，从最旧的开始. 失败时 tree 进入只读状态
func (t *Tree) flushAll() error {
	for {
		flushed, err := t.flushOldest()
		if err != nil {
			t.setBackgroundErr(err)
			return err
		}
		if !flushed {
			return nil
		}
	}
}

// 将最旧的只读 memtable 溢写落盘成为 level0 层 sstable 文件. 没有只读 memtable 时返回 false
func (t *Tree) flushOldest() (bool, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	state, err := t.pinState()
	if err != nil {
		return false, err
	}
	defer state.unref()

	if len(state.rOnlyMemTables) == 0 {
		return false, nil
	}
	item := state.rOnlyMemTables[len(state.rOnlyMemTables)-1]

	// 1 memtable 溢写到 level0 层 sstable 中
	node, maxSeq, err := t.writeLevel0Table(item)
	if err != nil {
		return false, errors.Wrapf(err, "flush memtable %d", item.id)
	}

	// 2 追加 manifest 记录，发布新的 state: 只读队列中移除该 memtable，level0 最前面加入新的 sstable
	rec := flushRecord{memTableID: item.id, maxSeq: maxSeq}
	if node != nil {
		rec.tableID = node.ID()
	}

	t.installMu.Lock()
	if err = t.manifest.append(&rec); err != nil {
		t.installMu.Unlock()
		if node != nil {
			node.discard()
		}
		return false, err
	}
	active, rOnly, levels := t.state.Load().clone()
	rOnly = rOnly[:len(rOnly)-1]
	if node != nil {
		levels[0] = append([]*Node{node}, levels[0]...)
	}
	t.installStateLocked(newStorageState(active, rOnly, levels))
	t.installMu.Unlock()

	// 3 删除相应的预写日志. 因为 memtable 落盘后数据已经安全，不存在丢失风险
	if err = t.conf.FS.Remove(item.walFile); err != nil {
		t.logger.Warn("remove wal failed", zap.String("wal", item.walFile), zap.Error(err))
	}

	t.metrics.flushes.Inc()
	if node != nil {
		t.metrics.bytesWritten.Add(float64(node.Size()))
		t.logger.Debug("memtable flushed",
			zap.Uint64("memtable", item.id),
			zap.Uint64("table", node.ID()),
			zap.Uint64("size", node.Size()))
	}

	// 4 尝试引发一轮 compaction
	notify(t.compactC)
	return true, nil
}

// 遍历 memtable 写入 sstable. memtable 为空时不产出文件
func (t *Tree) writeLevel0Table(item *memTableItem) (*Node, uint64, error) {
	records := item.memTable.All()
	if len(records) == 0 {
		return nil, 0, nil
	}

	tableID := t.nextTableID.Add(1) - 1
	sstWriter, err := NewSSTWriter(t.conf, tableID, 0)
	if err != nil {
		return nil, 0, err
	}

	var maxSeq uint64
	for i := range records {
		if err = sstWriter.Append(&records[i]); err != nil {
			sstWriter.Abort()
			return nil, 0, err
		}
		maxSeq = max(maxSeq, records[i].Seq)
	}
	if _, err = sstWriter.Finish(); err != nil {
		sstWriter.Abort()
		return nil, 0, err
	}

	node, err := OpenNode(t.conf, t.cache, t.metrics, tableID, 0)
	if err != nil {
		_ = t.conf.FS.Remove(sstFile(t.conf.Dir, tableID))
		return nil, 0, err
	}
	return node, maxSeq, nil
}
