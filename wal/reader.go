package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/xiaoxuxiansheng/lsmkv/kv"
	"github.com/xiaoxuxiansheng/lsmkv/memtable"
)

// ErrCorrupted 表示 wal 中间位置出现了无法解析或校验失败的记录.
// 尾部不完整的记录视为写入过程中崩溃，直接截断，不返回该错误
var ErrCorrupted = errors.New("wal: corrupted record")

var (
	errTruncated = errors.New("wal: truncated record")
	errChecksum  = errors.New("wal: checksum mismatch")
	errVarint    = errors.New("wal: malformed varint")
	errEmptyKey  = errors.New("wal: empty key")
)

type WALReader struct {
	fs   afero.Fs
	file string
	src  afero.File
}

func NewWALReader(fs afero.Fs, file string) (*WALReader, error) {
	src, err := fs.OpenFile(file, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", file)
	}

	return &WALReader{
		fs:   fs,
		file: file,
		src:  src,
	}, nil
}

// RestoreToMemtable 将 wal 中的记录依次回放到 memtable 中，返回最大的 seq.
// 尾部残缺的记录会被截断，文件中间的损坏返回 ErrCorrupted
func (w *WALReader) RestoreToMemtable(memTable memtable.MemTable) (uint64, error) {
	body, err := io.ReadAll(w.src)
	if err != nil {
		return 0, errors.Wrapf(err, "read wal %s", w.file)
	}

	var (
		maxSeq uint64
		off    int
	)
	for off < len(body) {
		record, n, err := decodeRecord(body[off:])
		if err == nil {
			memTable.Put(record)
			if record.Seq > maxSeq {
				maxSeq = record.Seq
			}
			off += n
			continue
		}

		// 之后再也解析不出完整的记录，才视为写入时崩溃留下的残缺尾部.
		// 长度字段损坏同样表现为记录越界，需要与真正的尾部区分开
		if validRecordAfter(body, off) {
			return maxSeq, errors.Mark(errors.Wrapf(err, "wal %s offset %d", w.file, off), ErrCorrupted)
		}
		if err = w.src.Truncate(int64(off)); err != nil {
			return maxSeq, errors.Wrapf(err, "truncate wal %s", w.file)
		}
		break
	}

	return maxSeq, nil
}

func (w *WALReader) Close() error {
	return w.src.Close()
}

// 解析一条记录，返回记录本身和占用的字节数
func decodeRecord(buf []byte) (kv.Record, int, error) {
	if len(buf) < 4 {
		return kv.Record{}, 0, errTruncated
	}
	want := binary.LittleEndian.Uint32(buf[0:4])
	off := 4

	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(buf[off:])
		if n == 0 {
			return 0, errTruncated
		}
		if n < 0 {
			return 0, errVarint
		}
		off += n
		return v, nil
	}
	readBytes := func(l uint64) ([]byte, error) {
		if uint64(len(buf)-off) < l {
			return nil, errTruncated
		}
		b := buf[off : off+int(l)]
		off += int(l)
		return b, nil
	}

	keyLen, err := readUvarint()
	if err != nil {
		return kv.Record{}, 0, err
	}
	// 写入的 key 不会为空，全零的区域不会被当作记录
	if keyLen == 0 {
		return kv.Record{}, 0, errEmptyKey
	}
	key, err := readBytes(keyLen)
	if err != nil {
		return kv.Record{}, 0, err
	}
	valueField, err := readUvarint()
	if err != nil {
		return kv.Record{}, 0, err
	}

	record := kv.Record{Key: key, Kind: kv.KindDelete}
	if valueField > 0 {
		record.Kind = kv.KindPut
		if record.Value, err = readBytes(valueField - 1); err != nil {
			return kv.Record{}, 0, err
		}
	}
	if record.Seq, err = readUvarint(); err != nil {
		return kv.Record{}, 0, err
	}

	if crc32.Checksum(buf[4:off], crcTable) != want {
		return kv.Record{}, off, errChecksum
	}
	return record, off, nil
}

// off 之后的任意位置能否解析出一条校验通过的记录
func validRecordAfter(body []byte, off int) bool {
	for p := off + 1; p+4 < len(body); p++ {
		if _, _, err := decodeRecord(body[p:]); err == nil {
			return true
		}
	}
	return false
}
