package lsmkv

import (
	"bytes"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/lsmkv/filter"
	"github.com/xiaoxuxiansheng/lsmkv/iterator"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

// Node 是一个已打开的 sstable. 由引用它的 storage state 持有引用计数，
// 计数归零时关闭文件，若已被 compaction 淘汰则同时删除文件
type Node struct {
	conf       *Config        // 配置文件
	file       string         // sstable 对应的文件名，含目录
	tableID    uint64         // sstable 的 id，对应文件名
	level      int            // sstable 所在 level 层级
	size       uint64         // sstable 的大小，单位 byte
	index      []*Index       // 各 block 对应的索引
	filter     filter.Matcher // 整个 table 的过滤器
	minKey     []byte         // sstable 中最小的 key
	maxKey     []byte         // sstable 中最大的 key
	maxSeq     uint64         // sstable 中最大的 seq
	entriesCnt uint64
	sstReader  *SSTReader // 读取 sst 文件的 reader 入口
	cache      *blockCache
	metrics    *metrics

	refs     atomic.Int32
	obsolete atomic.Bool
}

// OpenNode 打开 sstable，读取 footer、索引、过滤器与元数据. 返回的 node 引用计数为 0
func OpenNode(conf *Config, cache *blockCache, m *metrics, tableID uint64, level int) (*Node, error) {
	file := sstFile(conf.Dir, tableID)
	sstReader, err := NewSSTReader(conf, file)
	if err != nil {
		return nil, err
	}

	node, err := loadNode(conf, sstReader, tableID, level)
	if err != nil {
		_ = sstReader.Close()
		return nil, err
	}
	node.cache, node.metrics = cache, m
	return node, nil
}

func loadNode(conf *Config, sstReader *SSTReader, tableID uint64, level int) (*Node, error) {
	f, err := sstReader.ReadFooter()
	if err != nil {
		return nil, err
	}
	if f.tableID != tableID {
		return nil, corruption("table %s: footer id %d", sstReader.file, f.tableID)
	}
	index, err := sstReader.ReadIndex(f)
	if err != nil {
		return nil, err
	}
	matcher, err := sstReader.ReadFilter(f)
	if err != nil {
		return nil, err
	}
	meta, err := sstReader.ReadMeta(f)
	if err != nil {
		return nil, err
	}

	return &Node{
		conf:       conf,
		file:       sstReader.file,
		tableID:    tableID,
		level:      level,
		size:       sstReader.Size(),
		index:      index,
		filter:     matcher,
		minKey:     meta.minKey,
		maxKey:     meta.maxKey,
		maxSeq:     f.maxSeq,
		entriesCnt: meta.entriesCnt,
		sstReader:  sstReader,
	}, nil
}

// 查询 key 在 seq <= ceiling 下的最新一条记录，可能是墓碑
func (n *Node) Get(key []byte, ceiling uint64) (kv.Record, bool, error) {
	if bytes.Compare(key, n.minKey) < 0 || bytes.Compare(key, n.maxKey) > 0 {
		return kv.Record{}, false, nil
	}

	// 过滤器辅助判断 key 是否存在
	if !n.filter.MayContain(key) {
		n.metrics.filterSkips.Inc()
		return kv.Record{}, false, nil
	}

	// 同一个 key 的多个版本可能跨越多个 block
	for i := n.searchBlock(key); i < len(n.index); i++ {
		block, err := n.readBlock(i)
		if err != nil {
			return kv.Record{}, false, err
		}
		idx, err := block.seek(key, ceiling)
		if err != nil {
			return kv.Record{}, false, err
		}
		if idx == block.len() {
			continue
		}
		record, err := block.entry(idx)
		if err != nil {
			return kv.Record{}, false, err
		}
		return record, bytes.Equal(record.Key, key), nil
	}
	return kv.Record{}, false, nil
}

// 从第一个 key >= start 的记录开始遍历，start 为 nil 时从头开始
func (n *Node) NewIterator(start []byte) iterator.Iterator {
	it := sstIterator{node: n, blockIdx: 0}
	if start != nil {
		it.blockIdx = n.searchBlock(start)
	}
	it.loadBlock(start)
	return &it
}

// 二分查找 key 可能从属的第一个 block，保证 index[i].LastKey >= key
func (n *Node) searchBlock(key []byte) int {
	return sort.Search(len(n.index), func(i int) bool {
		return bytes.Compare(n.index[i].LastKey, key) >= 0
	})
}

func (n *Node) readBlock(i int) (*blockData, error) {
	idx := n.index[i]
	if block, ok := n.cache.get(n.tableID, idx.Offset); ok {
		return block, nil
	}
	payload, err := n.sstReader.ReadBlock(idx.Offset, idx.Size)
	if err != nil {
		return nil, err
	}
	block, err := newBlockData(payload)
	if err != nil {
		return nil, err
	}
	n.cache.add(n.tableID, idx.Offset, block)
	return block, nil
}

func (n *Node) Ref() {
	n.refs.Add(1)
}

// Unref 释放一个引用. 计数归零时关闭文件，已淘汰的 table 同时删除文件
func (n *Node) Unref() {
	if n.refs.Add(-1) != 0 {
		return
	}
	if err := n.sstReader.Close(); err != nil {
		n.conf.Logger.Warn("close table failed", zap.Uint64("table", n.tableID), zap.Error(err))
	}
	if !n.obsolete.Load() {
		return
	}
	if err := n.conf.FS.Remove(n.file); err != nil {
		n.conf.Logger.Warn("remove obsolete table failed", zap.Uint64("table", n.tableID), zap.Error(err))
		return
	}
	n.conf.Logger.Debug("removed obsolete table", zap.Uint64("table", n.tableID), zap.Int("level", n.level))
}

// 标记为已被 compaction 淘汰，最后一个引用释放时删除文件
func (n *Node) markObsolete() {
	n.obsolete.Store(true)
}

// 丢弃一个尚未被任何 state 引用的 node: 关闭并删除文件
func (n *Node) discard() {
	n.markObsolete()
	n.Ref()
	n.Unref()
}

func (n *Node) ID() uint64 {
	return n.tableID
}

func (n *Node) Level() int {
	return n.level
}

func (n *Node) Size() uint64 {
	return n.size
}

func (n *Node) Start() []byte {
	return n.minKey
}

func (n *Node) End() []byte {
	return n.maxKey
}

func (n *Node) MaxSeq() uint64 {
	return n.maxSeq
}

// sstable 迭代器，按需逐个读取 block
type sstIterator struct {
	node      *Node
	blockIdx  int
	blockIter *blockIterator
	err       error
}

func (it *sstIterator) Valid() bool {
	return it.err == nil && it.blockIter != nil && it.blockIter.Valid()
}

func (it *sstIterator) Record() *kv.Record {
	return it.blockIter.Record()
}

func (it *sstIterator) Next() {
	it.blockIter.Next()
	if it.blockIter.Valid() {
		return
	}
	if it.err = it.blockIter.Err(); it.err != nil {
		return
	}
	it.blockIdx++
	it.loadBlock(nil)
}

func (it *sstIterator) Err() error {
	return it.err
}

func (it *sstIterator) Close() error {
	it.blockIter = nil
	it.blockIdx = len(it.node.index)
	return nil
}

// 加载当前 block 并定位到第一个 key >= start 的记录. 当前 block 没有符合条件的记录时继续往后找
func (it *sstIterator) loadBlock(start []byte) {
	for ; it.blockIdx < len(it.node.index); it.blockIdx++ {
		block, err := it.node.readBlock(it.blockIdx)
		if err != nil {
			it.err = err
			return
		}
		pos := 0
		if start != nil {
			if pos, err = block.seek(start, kv.MaxSeq); err != nil {
				it.err = err
				return
			}
		}
		it.blockIter = newBlockIterator(block, pos)
		if it.blockIter.Valid() {
			return
		}
		if it.err = it.blockIter.Err(); it.err != nil {
			return
		}
	}
	it.blockIter = nil
}
