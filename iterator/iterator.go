package iterator

import "github.com/xiaoxuxiansheng/lsmkv/kv"

// Iterator 是引擎内部统一的前向迭代器，按内部 key (key 升序, seq 降序) 输出记录.
// 构造完成后即定位在第一条记录上
type Iterator interface {
	Valid() bool        // 是否指向一条有效记录
	Record() *kv.Record // 当前记录，在下一次 Next 之前有效
	Next()              // 前进到下一条记录
	Err() error         // 迭代过程中遇到的错误
	Close() error       // 释放资源
}

// SliceIterator 遍历一组已经按内部 key 排好序的记录
type SliceIterator struct {
	records []kv.Record
	pos     int
}

func NewSliceIterator(records []kv.Record) *SliceIterator {
	return &SliceIterator{records: records}
}

func (s *SliceIterator) Valid() bool {
	return s.pos < len(s.records)
}

func (s *SliceIterator) Record() *kv.Record {
	return &s.records[s.pos]
}

func (s *SliceIterator) Next() {
	s.pos++
}

func (s *SliceIterator) Err() error {
	return nil
}

func (s *SliceIterator) Close() error {
	s.pos = len(s.records)
	return nil
}
