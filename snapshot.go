package lsmkv

import (
	"sync/atomic"
)

// Snapshot 固定一个 seq 上限，通过它读取不会看到之后的写入.
// 快照登记在 tree 中，compaction 据此保留快照可见的旧版本，用完需要调用 Release
type Snapshot struct {
	tree     *Tree
	seq      uint64
	released atomic.Bool
}

func (t *Tree) NewSnapshot() (*Snapshot, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	// 读取 seq 与登记需要原子完成，compaction 读取快照列表时不会遗漏
	t.snapMu.Lock()
	defer t.snapMu.Unlock()
	s := Snapshot{tree: t, seq: t.seq.Load()}
	t.snapshots[&s] = struct{}{}
	return &s, nil
}

func (s *Snapshot) Seq() uint64 {
	return s.seq
}

func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	if s.released.Load() {
		return nil, false, ErrClosed
	}
	return s.tree.get(key, s.seq)
}

func (s *Snapshot) Scan(start, end []byte) (*Iterator, error) {
	if s.released.Load() {
		return nil, ErrClosed
	}
	return s.tree.scan(start, end, s.seq)
}

// Release 注销快照，重复调用无副作用
func (s *Snapshot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.tree.snapMu.Lock()
	delete(s.tree.snapshots, s)
	s.tree.snapMu.Unlock()
}
