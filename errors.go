package lsmkv

import (
	"github.com/cockroachdb/errors"
)

// 错误分类. 具体错误通过 errors.Mark 打上分类标记，调用方用 errors.Is 判断
var (
	ErrIO              = errors.New("lsmkv: io error")
	ErrCorruption      = errors.New("lsmkv: data corruption")
	ErrConfig          = errors.New("lsmkv: invalid config")
	ErrCompaction      = errors.New("lsmkv: compaction failed")
	ErrClosed          = errors.New("lsmkv: tree closed")
	ErrReadOnly        = errors.New("lsmkv: tree is read-only after a background failure")
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
)

func ioError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

func corruption(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}
