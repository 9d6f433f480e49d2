package lsmkv

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/xiaoxuxiansheng/lsmkv/filter"
)

// 对应于 lsm tree 中的一个 sstable. 这是读取流程的视角
type SSTReader struct {
	conf *Config    // 配置文件
	file string     // 对应的文件名，含目录
	src  afero.File // 对应的文件
	size uint64     // 文件大小

	// afero 内存文件的 ReadAt 不是并发安全的
	mu sync.Mutex
}

func NewSSTReader(conf *Config, file string) (*SSTReader, error) {
	src, err := conf.FS.OpenFile(file, os.O_RDONLY, 0644)
	if err != nil {
		return nil, ioError(err, "open table %s", file)
	}
	info, err := src.Stat()
	if err != nil {
		_ = src.Close()
		return nil, ioError(err, "stat table %s", file)
	}

	return &SSTReader{
		conf: conf,
		file: file,
		src:  src,
		size: uint64(info.Size()),
	}, nil
}

func (s *SSTReader) Size() uint64 {
	return s.size
}

func (s *SSTReader) Close() error {
	return ioError(s.src.Close(), "close table %s", s.file)
}

// 读取 sstable 尾部的 footer
func (s *SSTReader) ReadFooter() (*footer, error) {
	if s.size < sstFooterSize {
		return nil, corruption("table %s too short: %d bytes", s.file, s.size)
	}
	buf, err := s.readAt(s.size-sstFooterSize, sstFooterSize)
	if err != nil {
		return nil, err
	}
	f, err := decodeFooter(buf)
	if err != nil {
		return nil, err
	}
	for _, h := range [][2]uint64{{f.indexOffset, f.indexSize}, {f.filterOffset, f.filterSize}, {f.metaOffset, f.metaSize}} {
		if h[0]+h[1] > s.size-sstFooterSize {
			return nil, corruption("table %s: block handle out of range", s.file)
		}
	}
	return f, nil
}

// 读取索引块
func (s *SSTReader) ReadIndex(f *footer) ([]*Index, error) {
	payload, err := s.ReadBlock(f.indexOffset, f.indexSize)
	if err != nil {
		return nil, err
	}

	var index []*Index
	r := byteReader{buf: payload}
	for len(r.buf) > 0 && r.err == nil {
		idx := Index{
			FirstKey: r.lengthPrefixed(),
			LastKey:  r.lengthPrefixed(),
			Offset:   r.uvarint(),
			Size:     r.uvarint(),
		}
		index = append(index, &idx)
	}
	if r.err != nil {
		return nil, corruption("table %s: bad index block", s.file)
	}
	if len(index) == 0 {
		return nil, corruption("table %s: empty index", s.file)
	}
	return index, nil
}

// 读取过滤器
func (s *SSTReader) ReadFilter(f *footer) (filter.Matcher, error) {
	payload, err := s.ReadBlock(f.filterOffset, f.filterSize)
	if err != nil {
		return nil, err
	}
	matcher, err := filter.NewMatcher(f.filterKind, payload)
	if err != nil {
		return nil, corruption("table %s: %v", s.file, err)
	}
	return matcher, nil
}

// 读取 table 元数据
func (s *SSTReader) ReadMeta(f *footer) (*tableMeta, error) {
	payload, err := s.ReadBlock(f.metaOffset, f.metaSize)
	if err != nil {
		return nil, err
	}

	r := byteReader{buf: payload}
	meta := tableMeta{
		minKey:     r.lengthPrefixed(),
		maxKey:     r.lengthPrefixed(),
		level:      int(r.uvarint()),
		entriesCnt: r.uvarint(),
	}
	if r.err != nil {
		return nil, corruption("table %s: bad meta block", s.file)
	}
	return &meta, nil
}

// 读取一个 block，校验 trailer 并解压
func (s *SSTReader) ReadBlock(offset, size uint64) ([]byte, error) {
	raw, err := s.readAt(offset, size)
	if err != nil {
		return nil, err
	}
	return openBlock(raw)
}

func (s *SSTReader) readAt(offset, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	s.mu.Lock()
	_, err := s.src.ReadAt(buf, int64(offset))
	s.mu.Unlock()
	if err != nil {
		return nil, ioError(err, "read table %s at %d", s.file, offset)
	}
	return buf, nil
}

// 顺序解析 uvarint 以及带长度前缀的字节串
type byteReader struct {
	buf []byte
	err error
}

var errShortBuffer = corruption("short buffer")

func (r *byteReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errShortBuffer
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *byteReader) lengthPrefixed() []byte {
	l := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < l {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[:l]
	r.buf = r.buf[l:]
	return b
}

func (r *byteReader) u8() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.err = errShortBuffer
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}
