package lsmkv

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/lsmkv/memtable"
)

// memtable 及其对应的 wal 文件
type memTableItem struct {
	id       uint64
	memTable memtable.MemTable
	walFile  string
}

// storageState 描述某一时刻 lsm tree 中存在哪些数据，构造完成后不再修改.
// 每次 flush / compaction / memtable 切换都会生成新的 state 并原子替换.
// state 持有其中每个 node 的引用，自身的引用计数归零时释放这些 node
type storageState struct {
	refs atomic.Int32

	memTable       *memTableItem   // 读写 memtable
	rOnlyMemTables []*memTableItem // 只读 memtable，从新到旧
	levels         [][]*Node       // level0 从新到旧，level1 ~ N 按 key 有序且互不重叠
}

// 新构造的 state 自带一个引用，归属于 tree
func newStorageState(memTable *memTableItem, rOnlyMemTables []*memTableItem, levels [][]*Node) *storageState {
	s := storageState{
		memTable:       memTable,
		rOnlyMemTables: rOnlyMemTables,
		levels:         levels,
	}
	s.refs.Store(1)
	for _, level := range levels {
		for _, node := range level {
			node.Ref()
		}
	}
	return &s
}

// tryRef 在 state 尚未被回收时增加引用. 计数已经归零的 state 不能再被复活
func (s *storageState) tryRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (s *storageState) unref() {
	if s.refs.Add(-1) != 0 {
		return
	}
	for _, level := range s.levels {
		for _, node := range level {
			node.Unref()
		}
	}
}

// 浅拷贝出一份可修改的内容，用于构造下一个 state
func (s *storageState) clone() (*memTableItem, []*memTableItem, [][]*Node) {
	rOnly := append([]*memTableItem(nil), s.rOnlyMemTables...)
	levels := make([][]*Node, len(s.levels))
	for i, level := range s.levels {
		levels[i] = append([]*Node(nil), level...)
	}
	return s.memTable, rOnly, levels
}

// 在 level >= 1 层中找到 key 可能所在的 node，每层至多一个
func (s *storageState) levelSearch(level int, key []byte) (*Node, bool) {
	nodes := s.levels[level]
	i := sort.Search(len(nodes), func(i int) bool {
		return bytes.Compare(nodes[i].End(), key) >= 0
	})
	if i == len(nodes) || bytes.Compare(nodes[i].Start(), key) > 0 {
		return nil, false
	}
	return nodes[i], true
}

// 按 key 有序插入到 level >= 1 的 node 列表中
func insertSorted(nodes []*Node, added ...*Node) []*Node {
	nodes = append(nodes, added...)
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i].Start(), nodes[j].Start()) < 0
	})
	return nodes
}

func removeNodes(nodes []*Node, removed map[uint64]struct{}) []*Node {
	kept := nodes[:0]
	for _, node := range nodes {
		if _, ok := removed[node.ID()]; !ok {
			kept = append(kept, node)
		}
	}
	return kept
}

func levelSize(nodes []*Node) uint64 {
	var size uint64
	for _, node := range nodes {
		size += node.Size()
	}
	return size
}

// 关闭尚未被任何 state 引用的 node
func closeNodes(levels [][]*Node) {
	for _, nodes := range levels {
		for _, node := range nodes {
			if node != nil {
				node.Ref()
				node.Unref()
			}
		}
	}
}
