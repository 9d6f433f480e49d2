package memtable

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"

	"github.com/xiaoxuxiansheng/lsmkv/iterator"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

// SortedList 基于 github.com/huandu/skiplist 实现的有序表
type SortedList struct {
	mu        sync.RWMutex
	list      *skiplist.SkipList
	entrisCnt int
	size      int
}

// 跳表中的排序 key
type internalKey struct {
	key []byte
	seq uint64
}

func compareInternalKey(lhs, rhs interface{}) int {
	a, b := lhs.(internalKey), rhs.(internalKey)
	return kv.CompareInternal(a.key, a.seq, b.key, b.seq)
}

func NewSortedList() MemTable {
	return &SortedList{
		list: skiplist.New(skiplist.GreaterThanFunc(compareInternalKey)),
	}
}

func (s *SortedList) Put(record kv.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ikey := internalKey{key: record.Key, seq: record.Seq}
	if s.list.Get(ikey) != nil {
		return
	}
	s.list.Set(ikey, record)
	s.size += record.Size()
	s.entrisCnt++
}

func (s *SortedList) Get(key []byte, ceiling uint64) (kv.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem := s.list.Find(internalKey{key: key, seq: ceiling})
	if elem == nil {
		return kv.Record{}, false
	}
	record := elem.Value.(kv.Record)
	if !bytes.Equal(record.Key, key) {
		return kv.Record{}, false
	}
	return record, true
}

func (s *SortedList) NewIterator(start []byte) iterator.Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var elem *skiplist.Element
	if start == nil {
		elem = s.list.Front()
	} else {
		elem = s.list.Find(internalKey{key: start, seq: kv.MaxSeq})
	}
	it := &sortedListIterator{list: s, elem: elem}
	it.load()
	return it
}

func (s *SortedList) All() []kv.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]kv.Record, 0, s.entrisCnt)
	for elem := s.list.Front(); elem != nil; elem = elem.Next() {
		records = append(records, elem.Value.(kv.Record))
	}
	return records
}

func (s *SortedList) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *SortedList) EntriesCnt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entrisCnt
}

type sortedListIterator struct {
	list   *SortedList
	elem   *skiplist.Element
	record kv.Record
}

func (it *sortedListIterator) load() {
	if it.elem != nil {
		it.record = it.elem.Value.(kv.Record)
	}
}

func (it *sortedListIterator) Valid() bool {
	return it.elem != nil
}

func (it *sortedListIterator) Record() *kv.Record {
	return &it.record
}

func (it *sortedListIterator) Next() {
	it.list.mu.RLock()
	it.elem = it.elem.Next()
	it.load()
	it.list.mu.RUnlock()
}

func (it *sortedListIterator) Err() error {
	return nil
}

func (it *sortedListIterator) Close() error {
	it.elem = nil
	return nil
}
