package lsmkv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/xiaoxuxiansheng/lsmkv/compression"
	"github.com/xiaoxuxiansheng/lsmkv/filter"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

const (
	sstFooterSize        = 80
	sstMagic      uint64 = 0x6c736d6b76737374 // "lsmkvsst"
)

// sstable 中用于快速检索 block 的索引
type Index struct {
	FirstKey []byte // block 中最小的 key
	LastKey  []byte // block 中最大的 key
	Offset   uint64 // block 起始位置在 sstable 中对应的 offset
	Size     uint64 // block 的大小，包含 trailer，单位 byte
}

// sstable 尾部定长的 footer:
// index/filter/meta 三个 block 的 offset 与 size，table id，最大 seq，过滤器类型，crc，magic
type footer struct {
	indexOffset, indexSize   uint64
	filterOffset, filterSize uint64
	metaOffset, metaSize     uint64
	tableID                  uint64
	maxSeq                   uint64
	filterKind               filter.Kind
}

func (f *footer) encode() []byte {
	buf := make([]byte, 0, sstFooterSize)
	for _, v := range []uint64{
		f.indexOffset, f.indexSize, f.filterOffset, f.filterSize,
		f.metaOffset, f.metaSize, f.tableID, f.maxSeq,
	} {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.filterKind))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crcTable))
	return binary.LittleEndian.AppendUint64(buf, sstMagic)
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) != sstFooterSize {
		return nil, corruption("footer size %d", len(buf))
	}
	if binary.LittleEndian.Uint64(buf[72:]) != sstMagic {
		return nil, corruption("bad table magic")
	}
	if crc32.Checksum(buf[:68], crcTable) != binary.LittleEndian.Uint32(buf[68:72]) {
		return nil, corruption("footer checksum mismatch")
	}

	var f footer
	fields := []*uint64{
		&f.indexOffset, &f.indexSize, &f.filterOffset, &f.filterSize,
		&f.metaOffset, &f.metaSize, &f.tableID, &f.maxSeq,
	}
	for i, field := range fields {
		*field = binary.LittleEndian.Uint64(buf[8*i:])
	}
	f.filterKind = filter.Kind(binary.LittleEndian.Uint32(buf[64:68]))
	return &f, nil
}

// table 级别的元数据，存放在 meta block 中
type tableMeta struct {
	minKey     []byte
	maxKey     []byte
	level      int
	entriesCnt uint64
}

// 对应于 lsm tree 中的一个 sstable. 这是写入流程的视角.
// 文件布局: data blocks | index block | filter block | meta block | footer
type SSTWriter struct {
	conf    *Config    // 配置文件
	file    string     // sstable 对应的文件名，含目录
	dest    afero.File // sstable 对应的磁盘文件
	writer  *bufio.Writer
	tableID uint64
	level   int

	dataBlock *Block        // 数据块
	filter    filter.Filter // 整个 table 共用一个过滤器，按 user key 去重后添加
	index     []*Index      // 各数据块的索引

	offset     uint64 // 已经写入文件的字节数
	minKey     []byte
	maxKey     []byte
	maxSeq     uint64
	entriesCnt uint64
}

func NewSSTWriter(conf *Config, tableID uint64, level int) (*SSTWriter, error) {
	file := sstFile(conf.Dir, tableID)
	dest, err := conf.FS.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, ioError(err, "create table %s", file)
	}

	return &SSTWriter{
		conf:      conf,
		file:      file,
		dest:      dest,
		writer:    bufio.NewWriterSize(dest, 64<<10),
		tableID:   tableID,
		level:     level,
		dataBlock: NewBlock(),
		filter:    conf.filterPolicy.NewFilter(),
	}, nil
}

// 追加一笔数据到 sstable 中. 调用方保证按内部 key 有序写入
func (s *SSTWriter) Append(record *kv.Record) error {
	// 同一个 user key 的多个版本只需要添加一次过滤器
	if s.entriesCnt == 0 || !bytes.Equal(s.maxKey, record.Key) {
		s.filter.Add(record.Key)
	}
	if s.entriesCnt == 0 {
		s.minKey = append([]byte(nil), record.Key...)
	}
	s.maxKey = append(s.maxKey[:0], record.Key...)
	if record.Seq > s.maxSeq {
		s.maxSeq = record.Seq
	}
	s.entriesCnt++

	// 将数据写入到数据块中
	s.dataBlock.Append(record)

	// 倘若数据块大小超限，则需要将其溢写到文件，并重置块
	if s.dataBlock.Size() >= s.conf.BlockSize {
		return s.refreshBlock()
	}
	return nil
}

// 预估的文件大小
func (s *SSTWriter) Size() uint64 {
	return s.offset + uint64(s.dataBlock.Size())
}

func (s *SSTWriter) Empty() bool {
	return s.entriesCnt == 0
}

func (s *SSTWriter) MaxKey() []byte {
	return s.maxKey
}

// 完成 sstable 的全部处理流程: 溢写最后一个数据块，依次写入 index、filter、meta 块和 footer，fsync 后关闭文件.
// 返回文件大小
func (s *SSTWriter) Finish() (uint64, error) {
	if s.entriesCnt == 0 {
		return 0, errors.AssertionFailedf("finish empty table %d", s.tableID)
	}

	if err := s.refreshBlock(); err != nil {
		return 0, err
	}

	f := footer{
		tableID:    s.tableID,
		maxSeq:     s.maxSeq,
		filterKind: s.conf.filterPolicy.Kind(),
	}

	var err error
	if f.indexOffset, f.indexSize, err = s.writeBlock(encodeIndex(s.index), compression.None); err != nil {
		return 0, err
	}
	if f.filterOffset, f.filterSize, err = s.writeBlock(s.filter.Hash(), compression.None); err != nil {
		return 0, err
	}
	meta := tableMeta{minKey: s.minKey, maxKey: s.maxKey, level: s.level, entriesCnt: s.entriesCnt}
	if f.metaOffset, f.metaSize, err = s.writeBlock(encodeMeta(&meta), compression.None); err != nil {
		return 0, err
	}

	if _, err = s.writer.Write(f.encode()); err != nil {
		return 0, ioError(err, "write footer %s", s.file)
	}
	s.offset += sstFooterSize

	if err = s.writer.Flush(); err != nil {
		return 0, ioError(err, "flush table %s", s.file)
	}
	if err = s.dest.Sync(); err != nil {
		return 0, ioError(err, "sync table %s", s.file)
	}
	err = s.dest.Close()
	s.dest = nil
	return s.offset, ioError(err, "close table %s", s.file)
}

// Abort 放弃写入并删除文件
func (s *SSTWriter) Abort() {
	if s.dest != nil {
		_ = s.dest.Close()
		s.dest = nil
	}
	_ = s.conf.FS.Remove(s.file)
}

func (s *SSTWriter) refreshBlock() error {
	if s.dataBlock.Empty() {
		return nil
	}

	offset, size, err := s.writeBlock(s.dataBlock.ToBytes(), s.conf.Compression)
	if err != nil {
		return err
	}
	s.index = append(s.index, &Index{
		FirstKey: append([]byte(nil), s.dataBlock.FirstKey()...),
		LastKey:  append([]byte(nil), s.dataBlock.LastKey()...),
		Offset:   offset,
		Size:     size,
	})
	s.dataBlock.clear()
	return nil
}

func (s *SSTWriter) writeBlock(payload []byte, typ compression.Type) (offset, size uint64, err error) {
	sealed, err := sealBlock(payload, typ)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "seal block of table %d", s.tableID)
	}
	if _, err = s.writer.Write(sealed); err != nil {
		return 0, 0, ioError(err, "write table %s", s.file)
	}
	offset, size = s.offset, uint64(len(sealed))
	s.offset += size
	return offset, size, nil
}

func encodeIndex(index []*Index) []byte {
	var buf []byte
	for _, idx := range index {
		buf = binary.AppendUvarint(buf, uint64(len(idx.FirstKey)))
		buf = append(buf, idx.FirstKey...)
		buf = binary.AppendUvarint(buf, uint64(len(idx.LastKey)))
		buf = append(buf, idx.LastKey...)
		buf = binary.AppendUvarint(buf, idx.Offset)
		buf = binary.AppendUvarint(buf, idx.Size)
	}
	return buf
}

func encodeMeta(meta *tableMeta) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(meta.minKey)))
	buf = append(buf, meta.minKey...)
	buf = binary.AppendUvarint(buf, uint64(len(meta.maxKey)))
	buf = append(buf, meta.maxKey...)
	buf = binary.AppendUvarint(buf, uint64(meta.level))
	return binary.AppendUvarint(buf, meta.entriesCnt)
}
