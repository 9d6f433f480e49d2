package lsmkv

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xiaoxuxiansheng/lsmkv/iterator"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
	"github.com/xiaoxuxiansheng/lsmkv/util"
)

// Iterator 是范围查询返回的惰性迭代器，按 key 升序输出 [start, end) 内可见的数据.
// 构造完成后即定位在第一条数据上，用完需要调用 Close 释放持有的 storage state
type Iterator struct {
	inner *iterator.VisibleIterator
	state *storageState
	once  sync.Once
}

// Scan 返回 [start, end) 区间的迭代器. start 为 nil 表示从头开始，end 为 nil 表示没有上界
func (t *Tree) Scan(start, end []byte) (*Iterator, error) {
	return t.scan(start, end, kv.MaxSeq)
}

func (t *Tree) scan(start, end []byte, ceiling uint64) (*Iterator, error) {
	if start != nil && end != nil && bytes.Compare(start, end) > 0 {
		return nil, errors.Mark(errors.Newf("scan start %q greater than end %q", start, end), ErrInvalidArgument)
	}

	state, err := t.acquireState()
	if err != nil {
		return nil, err
	}
	if ceiling == kv.MaxSeq {
		ceiling = t.seq.Load()
	}

	// 数据源从新到旧排列: 读写 memtable、只读 memtable、level0、level1 ~ N
	sources := []iterator.Iterator{state.memTable.memTable.NewIterator(start)}
	for _, item := range state.rOnlyMemTables {
		sources = append(sources, item.memTable.NewIterator(start))
	}
	for _, nodes := range state.levels {
		for _, node := range nodes {
			if util.RangeOverlap(node.Start(), node.End(), start, end) {
				sources = append(sources, node.NewIterator(start))
			}
		}
	}

	return &Iterator{
		inner: iterator.NewVisibleIterator(iterator.NewMergeIterator(sources), ceiling, end),
		state: state,
	}, nil
}

func (it *Iterator) Valid() bool {
	return it.inner.Valid()
}

// Next 前进到下一条数据，返回是否仍然有效
func (it *Iterator) Next() bool {
	it.inner.Next()
	return it.inner.Valid()
}

func (it *Iterator) Key() []byte {
	return it.inner.Key()
}

func (it *Iterator) Value() []byte {
	return it.inner.Value()
}

func (it *Iterator) Err() error {
	return it.inner.Err()
}

// Close 释放迭代器，重复调用无副作用
func (it *Iterator) Close() error {
	var err error
	it.once.Do(func() {
		err = it.inner.Close()
		it.state.unref()
	})
	return err
}
