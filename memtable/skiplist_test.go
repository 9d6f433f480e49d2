package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

var constructors = map[string]MemTableConstructor{
	"skiplist":    NewSkiplist,
	"sorted_list": NewSortedList,
}

func put(m MemTable, key, value string, seq uint64) {
	m.Put(kv.Record{Key: []byte(key), Seq: seq, Kind: kv.KindPut, Value: []byte(value)})
}

func del(m MemTable, key string, seq uint64) {
	m.Put(kv.Record{Key: []byte(key), Seq: seq, Kind: kv.KindDelete})
}

func Test_MemTable_Get(t *testing.T) {
	for name, constructor := range constructors {
		t.Run(name, func(t *testing.T) {
			m := constructor()
			put(m, "a", "b", 1)
			put(m, "a", "c", 2)
			put(m, "ab", "aa", 3)
			put(m, "abc", "aaa", 4)
			put(m, "bc", "bbb", 5)
			put(m, "ab", "bb", 6)
			del(m, "bc", 7)

			record, ok := m.Get([]byte("a"), kv.MaxSeq)
			require.True(t, ok)
			assert.Equal(t, []byte("c"), record.Value)

			// 快照读取，只能看到 seq <= 1 的版本
			record, ok = m.Get([]byte("a"), 1)
			require.True(t, ok)
			assert.Equal(t, []byte("b"), record.Value)

			record, ok = m.Get([]byte("ab"), kv.MaxSeq)
			require.True(t, ok)
			assert.Equal(t, []byte("bb"), record.Value)

			record, ok = m.Get([]byte("bc"), kv.MaxSeq)
			require.True(t, ok)
			assert.True(t, record.IsTombstone())

			record, ok = m.Get([]byte("bc"), 6)
			require.True(t, ok)
			assert.Equal(t, []byte("bbb"), record.Value)

			_, ok = m.Get([]byte("bcd"), kv.MaxSeq)
			assert.False(t, ok)
			_, ok = m.Get([]byte("abc"), 3)
			assert.False(t, ok)

			assert.Equal(t, 7, m.EntriesCnt())
		})
	}
}

func Test_MemTable_All(t *testing.T) {
	for name, constructor := range constructors {
		t.Run(name, func(t *testing.T) {
			m := constructor()
			put(m, "b", "1", 1)
			put(m, "a", "2", 2)
			put(m, "b", "3", 3)
			// 重复的内部 key 被忽略
			put(m, "b", "x", 3)

			records := m.All()
			require.Len(t, records, 3)
			assert.Equal(t, "a", string(records[0].Key))
			assert.Equal(t, uint64(3), records[1].Seq)
			assert.Equal(t, []byte("3"), records[1].Value)
			assert.Equal(t, uint64(1), records[2].Seq)
			assert.Equal(t, 3*(1+1+9), m.Size())
		})
	}
}

func Test_MemTable_Iterator(t *testing.T) {
	for name, constructor := range constructors {
		t.Run(name, func(t *testing.T) {
			m := constructor()
			for i, key := range []string{"a", "c", "e", "z"} {
				put(m, key, key, uint64(i+1))
			}

			var got []string
			it := m.NewIterator([]byte("b"))
			for ; it.Valid(); it.Next() {
				got = append(got, string(it.Record().Key))
			}
			require.NoError(t, it.Close())
			assert.Equal(t, []string{"c", "e", "z"}, got)

			it = m.NewIterator(nil)
			assert.Equal(t, "a", string(it.Record().Key))
		})
	}
}

func Test_MemTable_ConcurrentReadWrite(t *testing.T) {
	for name, constructor := range constructors {
		t.Run(name, func(t *testing.T) {
			m := constructor()
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					put(m, fmt.Sprintf("k%04d", i), "v", uint64(i+1))
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					it := m.NewIterator(nil)
					prev := ""
					for ; it.Valid(); it.Next() {
						key := string(it.Record().Key)
						assert.True(t, prev < key)
						prev = key
					}
				}
			}()
			wg.Wait()
			assert.Equal(t, 1000, m.EntriesCnt())
		})
	}
}
