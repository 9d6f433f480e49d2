package iterator

import "bytes"

// VisibleIterator 在内部迭代器之上输出用户可见的数据:
// 同一个 key 只保留 seq <= ceiling 的最新版本，墓碑不输出，遇到 end 停止
type VisibleIterator struct {
	inner   Iterator
	ceiling uint64
	end     []byte

	key, value []byte
	valid      bool
}

// end 为 nil 表示没有上界
func NewVisibleIterator(inner Iterator, ceiling uint64, end []byte) *VisibleIterator {
	v := VisibleIterator{
		inner:   inner,
		ceiling: ceiling,
		end:     end,
	}
	v.advance()
	return &v
}

func (v *VisibleIterator) Valid() bool {
	return v.valid
}

func (v *VisibleIterator) Key() []byte {
	return v.key
}

func (v *VisibleIterator) Value() []byte {
	return v.value
}

func (v *VisibleIterator) Next() {
	v.advance()
}

func (v *VisibleIterator) Err() error {
	return v.inner.Err()
}

func (v *VisibleIterator) Close() error {
	v.valid = false
	return v.inner.Close()
}

func (v *VisibleIterator) advance() {
	v.valid = false
	for v.inner.Valid() {
		record := v.inner.Record()
		if v.end != nil && bytes.Compare(record.Key, v.end) >= 0 {
			return
		}

		// 对当前快照不可见的新版本
		if record.Seq > v.ceiling {
			v.inner.Next()
			continue
		}

		// 第一条可见的版本决定这个 key 的结果，其余旧版本全部跳过
		key := append([]byte(nil), record.Key...)
		tombstone := record.IsTombstone()
		var value []byte
		if !tombstone {
			value = append([]byte(nil), record.Value...)
		}
		v.inner.Next()
		for v.inner.Valid() && bytes.Equal(v.inner.Record().Key, key) {
			v.inner.Next()
		}

		if tombstone {
			continue
		}
		v.key, v.value, v.valid = key, value, true
		return
	}
}
