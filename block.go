package lsmkv

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/xiaoxuxiansheng/lsmkv/compression"
	"github.com/xiaoxuxiansheng/lsmkv/kv"
	"github.com/xiaoxuxiansheng/lsmkv/util"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// 每个 block 末尾的 trailer: 压缩类型 1 byte + crc32c 4 byte
const blockTrailerSize = 5

// 数据块. 编码格式:
// entry: [shared uvarint][unshared uvarint][key suffix][seq uvarint][kind u8][valueLen uvarint][value]
// 之后是每个 entry 的 u32 偏移量以及 u32 的 entry 数量.
// key 与 block 第一个 key 共享前缀，因此任意 entry 都可以独立解码，支持二分查找
type Block struct {
	buffer     [30]byte      // 临时缓冲区
	record     *bytes.Buffer // 记录缓冲区
	offsets    []uint32      // 各 entry 起始位置
	entriesCnt int           // 记录数量
	firstKey   []byte        // 第一笔数据的 key
	lastKey    []byte        // 最晚一笔写入的数据的 key
}

func NewBlock() *Block {
	return &Block{
		record: bytes.NewBuffer([]byte{}),
	}
}

// 追加一条记录到数据块中. 调用方保证按内部 key 有序写入
func (b *Block) Append(record *kv.Record) {
	if b.entriesCnt == 0 {
		b.firstKey = append(b.firstKey[:0], record.Key...)
	}
	b.lastKey = append(b.lastKey[:0], record.Key...)
	b.offsets = append(b.offsets, uint32(b.record.Len()))
	b.entriesCnt++

	// 与 block 首个 key 的共享前缀长度
	sharedPrefixLen := util.SharedPrefixLen(b.firstKey, record.Key)

	n := binary.PutUvarint(b.buffer[0:], uint64(sharedPrefixLen))
	n += binary.PutUvarint(b.buffer[n:], uint64(len(record.Key)-sharedPrefixLen))
	_, _ = b.record.Write(b.buffer[:n])
	_, _ = b.record.Write(record.Key[sharedPrefixLen:])

	n = binary.PutUvarint(b.buffer[0:], record.Seq)
	b.buffer[n] = byte(record.Kind)
	n++
	n += binary.PutUvarint(b.buffer[n:], uint64(len(record.Value)))
	_, _ = b.record.Write(b.buffer[:n])
	_, _ = b.record.Write(record.Value)
}

// 编码后的大小，不含 trailer
func (b *Block) Size() int {
	return b.record.Len() + 4*len(b.offsets) + 4
}

func (b *Block) Empty() bool {
	return b.entriesCnt == 0
}

func (b *Block) FirstKey() []byte {
	return b.firstKey
}

func (b *Block) LastKey() []byte {
	return b.lastKey
}

// ToBytes 返回块的编码结果，不包含 trailer
func (b *Block) ToBytes() []byte {
	out := make([]byte, 0, b.Size())
	out = append(out, b.record.Bytes()...)
	for _, offset := range b.offsets {
		out = binary.LittleEndian.AppendUint32(out, offset)
	}
	return binary.LittleEndian.AppendUint32(out, uint32(len(b.offsets)))
}

// 清理块中的数据
func (b *Block) clear() {
	b.entriesCnt = 0
	b.firstKey = b.firstKey[:0]
	b.lastKey = b.lastKey[:0]
	b.offsets = b.offsets[:0]
	b.record.Reset()
}

// 为块追加 trailer. 压缩后没有收益时按不压缩存储
func sealBlock(payload []byte, typ compression.Type) ([]byte, error) {
	data, used, err := compression.Compress(typ, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+blockTrailerSize)
	out = append(out, data...)
	out = append(out, byte(used))
	return binary.LittleEndian.AppendUint32(out, crc32.Checksum(out, crcTable)), nil
}

// 校验 trailer 并解压，返回块的原始编码
func openBlock(raw []byte) ([]byte, error) {
	if len(raw) < blockTrailerSize {
		return nil, corruption("block too short: %d", len(raw))
	}
	body := raw[:len(raw)-4]
	if want := binary.LittleEndian.Uint32(raw[len(raw)-4:]); crc32.Checksum(body, crcTable) != want {
		return nil, corruption("block checksum mismatch")
	}
	typ := compression.Type(body[len(body)-1])
	payload, err := compression.Decompress(typ, body[:len(body)-1])
	if err != nil {
		return nil, corruption("decompress block: %v", err)
	}
	return payload, nil
}

// blockData 是解码后的只读数据块
type blockData struct {
	data     []byte   // entry 区域
	offsets  []uint32 // 各 entry 起始位置
	firstKey []byte
}

func newBlockData(payload []byte) (*blockData, error) {
	if len(payload) < 4 {
		return nil, corruption("block payload too short: %d", len(payload))
	}
	cnt := int(binary.LittleEndian.Uint32(payload[len(payload)-4:]))
	offsetsStart := len(payload) - 4 - 4*cnt
	if cnt == 0 || offsetsStart < 0 {
		return nil, corruption("block entry count %d out of range", cnt)
	}

	b := blockData{
		data:    payload[:offsetsStart],
		offsets: make([]uint32, cnt),
	}
	for i := 0; i < cnt; i++ {
		b.offsets[i] = binary.LittleEndian.Uint32(payload[offsetsStart+4*i:])
		if int(b.offsets[i]) >= offsetsStart {
			return nil, corruption("block entry offset %d out of range", b.offsets[i])
		}
	}

	first, err := b.entry(0)
	if err != nil {
		return nil, err
	}
	b.firstKey = first.Key
	return &b, nil
}

func (b *blockData) len() int {
	return len(b.offsets)
}

// 内存开销估算，用于 block cache 计费
func (b *blockData) charge() int {
	return len(b.data) + 4*len(b.offsets) + len(b.firstKey)
}

// 解码第 i 个 entry. 返回的 key 为新分配的内存，value 引用块内数据
func (b *blockData) entry(i int) (kv.Record, error) {
	buf := b.data[b.offsets[i]:]
	shared, n := binary.Uvarint(buf)
	if n <= 0 || int(shared) > len(b.firstKey) {
		return kv.Record{}, corruption("block entry %d: bad shared length", i)
	}
	buf = buf[n:]
	unshared, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)-n) < unshared {
		return kv.Record{}, corruption("block entry %d: bad key length", i)
	}
	buf = buf[n:]

	key := make([]byte, 0, int(shared)+int(unshared))
	key = append(key, b.firstKey[:shared]...)
	key = append(key, buf[:unshared]...)
	buf = buf[unshared:]

	seq, n := binary.Uvarint(buf)
	if n <= 0 || len(buf) <= n {
		return kv.Record{}, corruption("block entry %d: bad seq", i)
	}
	buf = buf[n:]
	kind := kv.Kind(buf[0])
	if kind != kv.KindPut && kind != kv.KindDelete {
		return kv.Record{}, corruption("block entry %d: bad kind %d", i, kind)
	}
	buf = buf[1:]

	valueLen, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)-n) < valueLen {
		return kv.Record{}, corruption("block entry %d: bad value length", i)
	}
	buf = buf[n:]

	return kv.Record{Key: key, Seq: seq, Kind: kind, Value: buf[:valueLen]}, nil
}

// seek 返回第一个内部 key >= (key, seq) 的 entry 下标，不存在时返回 len
func (b *blockData) seek(key []byte, seq uint64) (int, error) {
	var err error
	idx := sort.Search(b.len(), func(i int) bool {
		if err != nil {
			return true
		}
		record, rerr := b.entry(i)
		if rerr != nil {
			err = rerr
			return true
		}
		return kv.CompareInternal(record.Key, record.Seq, key, seq) >= 0
	})
	return idx, err
}

// 块内迭代器
type blockIterator struct {
	block  *blockData
	idx    int
	record kv.Record
	err    error
}

func newBlockIterator(block *blockData, idx int) *blockIterator {
	it := blockIterator{block: block, idx: idx}
	it.load()
	return &it
}

func (it *blockIterator) Valid() bool {
	return it.err == nil && it.idx < it.block.len()
}

func (it *blockIterator) Record() *kv.Record {
	return &it.record
}

func (it *blockIterator) Next() {
	it.idx++
	it.load()
}

func (it *blockIterator) Err() error {
	return it.err
}

func (it *blockIterator) Close() error {
	it.idx = it.block.len()
	return nil
}

func (it *blockIterator) load() {
	if it.idx >= it.block.len() {
		return
	}
	it.record, it.err = it.block.entry(it.idx)
}
