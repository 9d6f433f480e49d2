package filter

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// 过滤器. 用于辅助 sstable 快速判定一个 key 是否存在于 table 中，不允许假阴性
type Filter interface {
	Add(key []byte) // 添加 key 到过滤器
	Hash() []byte   // 生成过滤器对应的 bitmap
	Reset()         // 重置过滤器
	KeyLen() int    // 存在多少个 key
}

// Matcher 是反序列化后的只读过滤器
type Matcher interface {
	MayContain(key []byte) bool
}

// 过滤器类型，会写入 sstable footer，读取时据此选择解码方式
type Kind uint8

const (
	KindMurmur3 Kind = 1
	KindBitset  Kind = 2
)

// Policy 负责构造写入用的 Filter 以及读取用的 Matcher
type Policy interface {
	Kind() Kind
	NewFilter() Filter
}

func (k Kind) String() string {
	switch k {
	case KindMurmur3:
		return "murmur3"
	case KindBitset:
		return "bitset"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// 根据名称构造过滤策略
func NewPolicy(name string, bitsPerKey int) (Policy, error) {
	if bitsPerKey <= 0 {
		return nil, errors.Newf("bits per key must be positive, got %d", bitsPerKey)
	}
	switch name {
	case KindMurmur3.String():
		return bloomPolicy{bitsPerKey: bitsPerKey}, nil
	case KindBitset.String():
		return bitsetPolicy{bitsPerKey: bitsPerKey}, nil
	default:
		return nil, errors.Newf("unknown filter policy %q", name)
	}
}

// 根据 footer 中记录的类型解码 bitmap
func NewMatcher(kind Kind, bitmap []byte) (Matcher, error) {
	switch kind {
	case KindMurmur3:
		if len(bitmap) < 2 {
			return nil, errors.Newf("bloom bitmap too short: %d", len(bitmap))
		}
		return bloomMatcher(bitmap), nil
	case KindBitset:
		return newBitsetMatcher(bitmap)
	default:
		return nil, errors.Newf("unknown filter kind %s", kind)
	}
}
