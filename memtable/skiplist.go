package memtable

import (
	"bytes"
	"math/rand"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/lsmkv/iterator"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

const maxHeight = 16

// 跳表. 写操作加写锁，读操作与迭代器的每一步加读锁
type Skiplist struct {
	mu        sync.RWMutex
	head      *skipNode  // 跳表的头结点
	entrisCnt int        // 跳表中的记录个数
	size      int        // 跳表数据量大小，单位 byte
	rander    *rand.Rand // 节点高度随机数源，受 mu 保护
}

// 跳表节点
type skipNode struct {
	nexts  []*skipNode // 通过 next slice 来实现跳表节点多层指针结构
	record kv.Record   // 节点内存储的记录，插入后只读
}

// 构造跳表实例
func NewSkiplist() MemTable {
	return &Skiplist{
		head:   &skipNode{nexts: make([]*skipNode, 1)}, // 需要初始化根节点
		rander: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// 写入一笔记录到跳表. 内部 key (key, seq) 唯一，重复写入直接忽略
func (s *Skiplist) Put(record kv.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1 自顶向下找到每一层的前驱节点
	var prevs [maxHeight]*skipNode
	move := s.head
	for level := len(s.head.nexts) - 1; level >= 0; level-- {
		for move.nexts[level] != nil && kv.CompareRecord(&move.nexts[level].record, &record) < 0 {
			move = move.nexts[level]
		}
		prevs[level] = move
	}

	// 2 内部 key 已存在
	if next := move.nexts[0]; next != nil && kv.CompareRecord(&next.record, &record) == 0 {
		return
	}

	// 3 roll 出新节点高度，倘若跳表原高度不足，则补齐高度
	height := s.roll()
	for len(s.head.nexts) < height {
		s.head.nexts = append(s.head.nexts, nil)
		prevs[len(s.head.nexts)-1] = s.head
	}

	// 4 层数自低向高，每层按序插入节点
	newNode := &skipNode{
		nexts:  make([]*skipNode, height),
		record: record,
	}
	for level := 0; level < height; level++ {
		newNode.nexts[level] = prevs[level].nexts[level]
		prevs[level].nexts[level] = newNode
	}

	s.size += record.Size()
	s.entrisCnt++
}

// 读取 key 在 ceiling 之下的最新记录
func (s *Skiplist) Get(key []byte, ceiling uint64) (kv.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := s.seekLocked(key, ceiling)
	if node == nil || !bytes.Equal(node.record.Key, key) {
		return kv.Record{}, false
	}
	return node.record, true
}

func (s *Skiplist) NewIterator(start []byte) iterator.Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var node *skipNode
	if start == nil {
		node = s.head.nexts[0]
	} else {
		node = s.seekLocked(start, kv.MaxSeq)
	}
	return &skiplistIterator{list: s, node: node}
}

// 获取跳表中全量记录
func (s *Skiplist) All() []kv.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]kv.Record, 0, s.entrisCnt)
	// 从第 0 层开始自左向右依次遍历读取
	for move := s.head.nexts[0]; move != nil; move = move.nexts[0] {
		records = append(records, move.record)
	}
	return records
}

// 跳表数据量大小，单位 byte
func (s *Skiplist) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// 跳表记录数量
func (s *Skiplist) EntriesCnt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entrisCnt
}

// 找到第一个内部 key >= (key, seq) 的节点
func (s *Skiplist) seekLocked(key []byte, seq uint64) *skipNode {
	move := s.head
	for level := len(s.head.nexts) - 1; level >= 0; level-- {
		// 持续向右移动，直到右侧为空或者右侧节点 >= 检索 key
		for move.nexts[level] != nil && kv.CompareInternal(move.nexts[level].record.Key, move.nexts[level].record.Seq, key, seq) < 0 {
			move = move.nexts[level]
		}
	}
	return move.nexts[0]
}

// roll 出一个节点的高度. 最小为 1，每提高 1 层，概率减少为 1/2
func (s *Skiplist) roll() int {
	level := 1
	for level < maxHeight && s.rander.Intn(2) == 1 {
		level++
	}
	return level
}

type skiplistIterator struct {
	list *Skiplist
	node *skipNode
}

func (it *skiplistIterator) Valid() bool {
	return it.node != nil
}

func (it *skiplistIterator) Record() *kv.Record {
	return &it.node.record
}

func (it *skiplistIterator) Next() {
	it.list.mu.RLock()
	it.node = it.node.nexts[0]
	it.list.mu.RUnlock()
}

func (it *skiplistIterator) Err() error {
	return nil
}

func (it *skiplistIterator) Close() error {
	it.node = nil
	return nil
}
