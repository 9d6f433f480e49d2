package lsmkv

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/lsmkv/iterator"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

// 运行 compaction 协程.
func (t *Tree) compactLoop() error {
	for {
		select {
		// 接收到 lsm tree 终止信号，退出协程.
		case <-t.stopc:
			return nil
		// 接收到 flush 完成的通知，检查是否需要 compaction.
		case <-t.compactC:
			t.compactUntilStable()
		}
	}
}

// 持续执行 compaction 直到策略不再选出任何 sstable，收到终止信号时在两轮之间退出
func (t *Tree) compactUntilStable() {
	for {
		if t.backgroundErr() != nil {
			return
		}
		select {
		case <-t.stopc:
			return
		default:
		}

		done, err := t.compactOnce()
		if err != nil || !done {
			return
		}
	}
}

// 执行一轮 compaction. 策略没有选出任何 sstable 时返回 false. 失败时 tree 进入只读状态
func (t *Tree) compactOnce() (bool, error) {
	t.compactMu.Lock()
	defer t.compactMu.Unlock()

	state, err := t.pinState()
	if err != nil {
		return false, err
	}
	defer state.unref()

	// 1 由策略选出本轮参与 compaction 的 sstable
	task := t.strategy.PickCompaction(state.levels)
	if task == nil {
		return false, nil
	}

	// 2 归并输出到 outputLevel 层
	outputs, err := t.runCompaction(task)
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "compact level %d to %d", task.level, task.outputLevel), ErrCompaction)
		t.setBackgroundErr(err)
		return false, err
	}

	// 3 追加 manifest 记录，发布新的 state
	if err = t.installCompaction(task, outputs); err != nil {
		for _, node := range outputs {
			node.discard()
		}
		err = errors.Mark(err, ErrCompaction)
		t.setBackgroundErr(err)
		return false, err
	}

	// 4 被合并的 sstable 在最后一个引用释放后删除
	for _, node := range task.sources() {
		node.markObsolete()
	}

	t.metrics.compactions.WithLabelValues(fmt.Sprint(task.outputLevel)).Inc()
	t.logger.Debug("compaction finished",
		zap.String("strategy", t.strategy.Name()),
		zap.Int("level", task.level),
		zap.Int("output_level", task.outputLevel),
		zap.Int("inputs", len(task.inputs)+len(task.overlaps)),
		zap.Int("outputs", len(outputs)),
		zap.Bool("bottommost", task.bottommost))
	return true, nil
}

func (t *Tree) installCompaction(task *compactionTask, outputs []*Node) error {
	rec := compactionRecord{level: task.outputLevel, inputs: task.tableRefs()}
	for _, node := range outputs {
		rec.outputs = append(rec.outputs, node.ID())
	}

	t.installMu.Lock()
	defer t.installMu.Unlock()
	if err := t.manifest.append(&rec); err != nil {
		return err
	}

	removed := make(map[uint64]struct{}, len(rec.inputs))
	for _, input := range rec.inputs {
		removed[input.tableID] = struct{}{}
	}
	active, rOnly, levels := t.state.Load().clone()
	levels[task.level] = removeNodes(levels[task.level], removed)
	levels[task.outputLevel] = insertSorted(removeNodes(levels[task.outputLevel], removed), outputs...)
	t.installStateLocked(newStorageState(active, rOnly, levels))
	return nil
}

// 归并 task 中的全部 sstable，按保留规则过滤后写出新的 sstable.
// 输出文件只在不同 user key 之间切分，保证同一层内 sstable 的 key 范围互不重叠
func (t *Tree) runCompaction(task *compactionTask) (outputs []*Node, err error) {
	sources := task.sources()
	iters := make([]iterator.Iterator, 0, len(sources))
	for _, node := range sources {
		iters = append(iters, node.NewIterator(nil))
	}
	merged := iterator.NewMergeIterator(iters)
	defer merged.Close()

	var sstWriter *SSTWriter
	defer func() {
		if err == nil {
			return
		}
		if sstWriter != nil {
			sstWriter.Abort()
		}
		for _, node := range outputs {
			node.discard()
		}
		outputs = nil
	}()

	finish := func() error {
		if _, err := sstWriter.Finish(); err != nil {
			return err
		}
		node, err := OpenNode(t.conf, t.cache, t.metrics, sstWriter.tableID, task.outputLevel)
		if err != nil {
			_ = t.conf.FS.Remove(sstWriter.file)
			return err
		}
		sstWriter = nil
		outputs = append(outputs, node)
		t.metrics.bytesWritten.Add(float64(node.Size()))
		return nil
	}

	retain := newRetention(t.snapshotSeqs(), task.bottommost)
	for ; merged.Valid(); merged.Next() {
		record := merged.Record()
		if !retain.keep(record) {
			continue
		}

		// 超过目标大小时在新的 user key 处切换输出文件
		if sstWriter != nil && sstWriter.Size() >= t.conf.SSTSize && !bytes.Equal(sstWriter.MaxKey(), record.Key) {
			if err = finish(); err != nil {
				return outputs, err
			}
		}
		if sstWriter == nil {
			if sstWriter, err = NewSSTWriter(t.conf, t.nextTableID.Add(1)-1, task.outputLevel); err != nil {
				return outputs, err
			}
		}
		if err = sstWriter.Append(record); err != nil {
			return outputs, err
		}
	}
	if err = merged.Err(); err != nil {
		return outputs, err
	}

	if sstWriter != nil {
		if err = finish(); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

// 当前存活的快照 seq，升序
func (t *Tree) snapshotSeqs() []uint64 {
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	seqs := make([]uint64, 0, len(t.snapshots))
	for snapshot := range t.snapshots {
		seqs = append(seqs, snapshot.seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// retention 决定 compaction 中哪些版本需要保留.
// 快照把 seq 空间切分为若干条带: (-, s1], (s1, s2], ..., (sn, +). 同一个 key 在每个条带内只保留最新的版本.
// 墓碑处于最低的条带 (没有快照的上限低于它的 seq) 且输出位于最底层时，墓碑连同更旧的版本全部丢弃
type retention struct {
	snapshots  []uint64
	bottommost bool

	key        []byte
	lastStripe int
	dropRest   bool
}

func newRetention(snapshots []uint64, bottommost bool) *retention {
	return &retention{snapshots: snapshots, bottommost: bottommost}
}

// 记录需要按内部 key 顺序依次传入
func (r *retention) keep(record *kv.Record) bool {
	if r.key == nil || !bytes.Equal(r.key, record.Key) {
		r.key = append(r.key[:0], record.Key...)
		r.lastStripe = -1
		r.dropRest = false
	}
	if r.dropRest {
		return false
	}

	stripe := r.stripe(record.Seq)
	if stripe == r.lastStripe {
		// 同一条带内更新的版本已经保留
		return false
	}
	r.lastStripe = stripe

	if record.IsTombstone() && r.bottommost && stripe == 0 {
		r.dropRest = true
		return false
	}
	return true
}

// seq 所在条带的下标: 第一个 >= seq 的快照，没有时为最高的条带
func (r *retention) stripe(seq uint64) int {
	return sort.Search(len(r.snapshots), func(i int) bool {
		return r.snapshots[i] >= seq
	})
}
