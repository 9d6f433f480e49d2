package kv

import (
	"bytes"
	"math"
)

// 记录类型. put 写入，delete 为墓碑标记
type Kind uint8

const (
	KindPut    Kind = 1
	KindDelete Kind = 2
)

// MaxSeq 作为读取上限时表示能看到全部已提交的数据
const MaxSeq uint64 = math.MaxUint64

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Record 是存储引擎内部流转的最小单元: (key, seq, put value | tombstone)
type Record struct {
	Key   []byte
	Seq   uint64
	Kind  Kind
	Value []byte
}

func (r *Record) IsTombstone() bool {
	return r.Kind == KindDelete
}

// 估算一条记录在内存中的开销，用于 memtable 容量统计
func (r *Record) Size() int {
	return len(r.Key) + len(r.Value) + 8 + 1
}

// Clone 深拷贝，避免调用方复用 buffer 后污染内部数据
func (r Record) Clone() Record {
	return Record{
		Key:   append([]byte(nil), r.Key...),
		Seq:   r.Seq,
		Kind:  r.Kind,
		Value: append([]byte(nil), r.Value...),
	}
}

// CompareInternal 比较两个内部 key: user key 升序，同 key 下 seq 降序.
func CompareInternal(keyA []byte, seqA uint64, keyB []byte, seqB uint64) int {
	if c := bytes.Compare(keyA, keyB); c != 0 {
		return c
	}
	switch {
	case seqA > seqB:
		return -1
	case seqA < seqB:
		return 1
	default:
		return 0
	}
}

// CompareRecord 按内部 key 顺序比较两条记录
func CompareRecord(a, b *Record) int {
	return CompareInternal(a.Key, a.Seq, b.Key, b.Seq)
}
