package iterator

import (
	"container/heap"

	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

// MergeIterator 对多路有序迭代器做 k 路归并.
// sources 中下标越小代表数据越新，内部 key 相同时优先输出更新的数据源
type MergeIterator struct {
	sources []Iterator
	h       mergeHeap
	err     error
}

func NewMergeIterator(sources []Iterator) *MergeIterator {
	m := MergeIterator{
		sources: sources,
		h:       make(mergeHeap, 0, len(sources)),
	}
	for i, source := range sources {
		if source.Valid() {
			m.h = append(m.h, &heapItem{iter: source, recency: i})
			continue
		}
		if err := source.Err(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return &m
}

func (m *MergeIterator) Valid() bool {
	return m.err == nil && len(m.h) > 0
}

func (m *MergeIterator) Record() *kv.Record {
	return m.h[0].iter.Record()
}

// 推进堆顶的数据源
func (m *MergeIterator) Next() {
	top := m.h[0]
	top.iter.Next()
	if top.iter.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.iter.Err(); err != nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *MergeIterator) Err() error {
	return m.err
}

func (m *MergeIterator) Close() error {
	var firstErr error
	for _, source := range m.sources {
		if err := source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.h = m.h[:0]
	return firstErr
}

type heapItem struct {
	iter    Iterator
	recency int
}

// 小顶堆，排序规则 (key 升序, seq 降序, 数据源新旧)
type mergeHeap []*heapItem

func (h mergeHeap) Len() int {
	return len(h)
}

func (h mergeHeap) Less(i, j int) bool {
	if c := kv.CompareRecord(h[i].iter.Record(), h[j].iter.Record()); c != 0 {
		return c < 0
	}
	return h[i].recency < h[j].recency
}

func (h mergeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
