package compression

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// 数据块压缩类型，写入每个 block 的 trailer
type Type uint8

const (
	None   Type = 0
	Snappy Type = 1
	Zstd   Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func Parse(name string) (Type, error) {
	switch name {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, errors.Newf("unknown compression %q", name)
	}
}

// zstd 的 encoder / decoder 支持并发调用 EncodeAll / DecodeAll，全局复用一份
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() {
	zstdOnce.Do(func() {
		if zstdEncoder, zstdErr = zstd.NewWriter(nil); zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
}

// Compress 压缩 src. 压缩后没有变小时退化为不压缩，返回实际采用的类型
func Compress(t Type, src []byte) ([]byte, Type, error) {
	var dst []byte
	switch t {
	case None:
		return src, None, nil
	case Snappy:
		dst = snappy.Encode(nil, src)
	case Zstd:
		if initZstd(); zstdErr != nil {
			return nil, None, zstdErr
		}
		dst = zstdEncoder.EncodeAll(src, nil)
	default:
		return nil, None, errors.Newf("unknown compression %s", t)
	}
	if len(dst) >= len(src) {
		return src, None, nil
	}
	return dst, t, nil
}

func Decompress(t Type, src []byte) ([]byte, error) {
	switch t {
	case None:
		return src, nil
	case Snappy:
		return snappy.Decode(nil, src)
	case Zstd:
		if initZstd(); zstdErr != nil {
			return nil, zstdErr
		}
		return zstdDecoder.DecodeAll(src, nil)
	default:
		return nil, errors.Newf("unknown compression %s", t)
	}
}
