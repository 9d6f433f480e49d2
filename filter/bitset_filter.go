package filter

import (
	"bytes"
	"math"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
)

var errBitsPerKey = errors.New("bits per key must be positive")

type bitsetPolicy struct {
	bitsPerKey int
}

func (p bitsetPolicy) Kind() Kind {
	return KindBitset
}

func (p bitsetPolicy) NewFilter() Filter {
	return &BitsetFilter{bitsPerKey: p.bitsPerKey}
}

// BitsetFilter 基于 github.com/bits-and-blooms/bloom 的布隆过滤器.
// key 先缓存下来，等到 Hash 时根据 key 数量确定 bitmap 大小
type BitsetFilter struct {
	bitsPerKey int
	keys       [][]byte
}

func (bf *BitsetFilter) Add(key []byte) {
	bf.keys = append(bf.keys, append([]byte(nil), key...))
}

func (bf *BitsetFilter) Hash() []byte {
	m := uint(bf.bitsPerKey * len(bf.keys))
	if m < 64 {
		m = 64
	}
	k := uint(math.Max(1, math.Round(float64(bf.bitsPerKey)*math.Ln2)))

	filter := bloom.New(m, k)
	for _, key := range bf.keys {
		filter.Add(key)
	}
	// 写入内存 buffer 不会失败
	var buf bytes.Buffer
	_, _ = filter.WriteTo(&buf)
	return buf.Bytes()
}

func (bf *BitsetFilter) Reset() {
	bf.keys = bf.keys[:0]
}

func (bf *BitsetFilter) KeyLen() int {
	return len(bf.keys)
}

type bitsetMatcher struct {
	filter *bloom.BloomFilter
}

func newBitsetMatcher(bitmap []byte) (Matcher, error) {
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(bitmap)); err != nil {
		return nil, err
	}
	return &bitsetMatcher{filter: filter}, nil
}

func (b *bitsetMatcher) MayContain(key []byte) bool {
	return b.filter.Test(key)
}
