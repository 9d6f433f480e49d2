package memtable

import (
	"github.com/xiaoxuxiansheng/lsmkv/iterator"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

// memtable 构造器
type MemTableConstructor func() MemTable

// 有序表 interface. 按 (key 升序, seq 降序) 组织数据，只追加不原地修改.
// 实现需要保证单写多读的并发安全
type MemTable interface {
	Put(record kv.Record)                             // 写入一条记录，(key, seq) 已存在时忽略
	Get(key []byte, ceiling uint64) (kv.Record, bool) // 读取 seq <= ceiling 的最新一条记录，可能是墓碑
	NewIterator(start []byte) iterator.Iterator       // 从 >= start 的第一条记录开始的迭代器，start 为 nil 时从头开始
	All() []kv.Record                                 // 返回全部记录，按内部 key 有序
	Size() int                                        // 有序表内数据大小，单位 byte
	EntriesCnt() int                                  // 记录数量
}
