package lsmkv

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// manifest 记录类型
const (
	tagNewMemTable byte = 1
	tagFlush       byte = 2
	tagCompaction  byte = 3
	tagCheckpoint  byte = 4
)

// manifest 中的一条状态变更记录
type manifestRecord interface {
	encode() []byte
}

// 创建了新的 memtable 及其 wal
type newMemTableRecord struct {
	memTableID uint64
}

// memtable 溢写为 level0 的 sstable. tableID 为 0 表示 memtable 为空，没有产出文件
type flushRecord struct {
	memTableID uint64
	tableID    uint64
	maxSeq     uint64
}

type tableRef struct {
	tableID uint64
	level   int
}

// 一轮 compaction: 删除 inputs，在 level 层新增 outputs
type compactionRecord struct {
	level   int
	inputs  []tableRef
	outputs []uint64
}

// 完整的状态快照，manifest 重写后只包含这一条记录
type checkpointRecord struct {
	version *manifestVersion
}

func (r *newMemTableRecord) encode() []byte {
	return binary.AppendUvarint([]byte{tagNewMemTable}, r.memTableID)
}

func (r *flushRecord) encode() []byte {
	buf := binary.AppendUvarint([]byte{tagFlush}, r.memTableID)
	buf = binary.AppendUvarint(buf, r.tableID)
	return binary.AppendUvarint(buf, r.maxSeq)
}

func (r *compactionRecord) encode() []byte {
	buf := binary.AppendUvarint([]byte{tagCompaction}, uint64(r.level))
	buf = binary.AppendUvarint(buf, uint64(len(r.inputs)))
	for _, input := range r.inputs {
		buf = binary.AppendUvarint(buf, input.tableID)
		buf = binary.AppendUvarint(buf, uint64(input.level))
	}
	buf = binary.AppendUvarint(buf, uint64(len(r.outputs)))
	for _, output := range r.outputs {
		buf = binary.AppendUvarint(buf, output)
	}
	return buf
}

func (r *checkpointRecord) encode() []byte {
	v := r.version
	buf := binary.AppendUvarint([]byte{tagCheckpoint}, v.nextTableID)
	buf = binary.AppendUvarint(buf, v.nextMemTableID)
	buf = binary.AppendUvarint(buf, v.lastSeq)
	buf = binary.AppendUvarint(buf, uint64(len(v.levels)))
	for _, level := range v.levels {
		buf = binary.AppendUvarint(buf, uint64(len(level)))
		for _, tableID := range level {
			buf = binary.AppendUvarint(buf, tableID)
		}
	}
	memTables := v.liveMemTables()
	buf = binary.AppendUvarint(buf, uint64(len(memTables)))
	for _, id := range memTables {
		buf = binary.AppendUvarint(buf, id)
	}
	return buf
}

func decodeManifestRecord(payload []byte, maxLevel int) (manifestRecord, error) {
	r := byteReader{buf: payload}
	var rec manifestRecord
	switch tag := r.u8(); tag {
	case tagNewMemTable:
		rec = &newMemTableRecord{memTableID: r.uvarint()}
	case tagFlush:
		rec = &flushRecord{memTableID: r.uvarint(), tableID: r.uvarint(), maxSeq: r.uvarint()}
	case tagCompaction:
		c := compactionRecord{level: int(r.uvarint())}
		for i, n := 0, r.uvarint(); i < int(n) && r.err == nil; i++ {
			c.inputs = append(c.inputs, tableRef{tableID: r.uvarint(), level: int(r.uvarint())})
		}
		for i, n := 0, r.uvarint(); i < int(n) && r.err == nil; i++ {
			c.outputs = append(c.outputs, r.uvarint())
		}
		rec = &c
	case tagCheckpoint:
		v := newManifestVersion(maxLevel)
		v.nextTableID, v.nextMemTableID, v.lastSeq = r.uvarint(), r.uvarint(), r.uvarint()
		levels := int(r.uvarint())
		if levels > maxLevel {
			return nil, errors.Mark(errors.Newf("manifest has %d levels, max level is %d", levels, maxLevel), ErrConfig)
		}
		for level := 0; level < levels && r.err == nil; level++ {
			for i, n := 0, r.uvarint(); i < int(n) && r.err == nil; i++ {
				v.levels[level] = append(v.levels[level], r.uvarint())
			}
		}
		for i, n := 0, r.uvarint(); i < int(n) && r.err == nil; i++ {
			v.memTables[r.uvarint()] = struct{}{}
		}
		rec = &checkpointRecord{version: v}
	default:
		return nil, corruption("unknown manifest record tag %d", tag)
	}
	if r.err != nil || len(r.buf) != 0 {
		return nil, corruption("malformed manifest record")
	}
	return rec, nil
}

// manifestVersion 是回放 manifest 得到的持久化状态
type manifestVersion struct {
	levels         [][]uint64          // 各层的 table id
	memTables      map[uint64]struct{} // 尚未溢写的 memtable id
	nextTableID    uint64
	nextMemTableID uint64
	lastSeq        uint64
}

func newManifestVersion(maxLevel int) *manifestVersion {
	return &manifestVersion{
		levels:         make([][]uint64, maxLevel),
		memTables:      make(map[uint64]struct{}),
		nextTableID:    1,
		nextMemTableID: 1,
	}
}

func (v *manifestVersion) apply(rec manifestRecord) error {
	switch r := rec.(type) {
	case *newMemTableRecord:
		v.memTables[r.memTableID] = struct{}{}
		v.nextMemTableID = max(v.nextMemTableID, r.memTableID+1)
	case *flushRecord:
		delete(v.memTables, r.memTableID)
		v.lastSeq = max(v.lastSeq, r.maxSeq)
		if r.tableID != 0 {
			v.levels[0] = append(v.levels[0], r.tableID)
			v.nextTableID = max(v.nextTableID, r.tableID+1)
		}
	case *compactionRecord:
		if r.level <= 0 || r.level >= len(v.levels) {
			return corruption("compaction output level %d out of range", r.level)
		}
		for _, input := range r.inputs {
			if input.level >= len(v.levels) || !v.removeTable(input.level, input.tableID) {
				return corruption("compaction input table %d not found at level %d", input.tableID, input.level)
			}
		}
		for _, output := range r.outputs {
			v.levels[r.level] = append(v.levels[r.level], output)
			v.nextTableID = max(v.nextTableID, output+1)
		}
	case *checkpointRecord:
		*v = *r.version
	default:
		return errors.AssertionFailedf("unknown manifest record %T", rec)
	}
	return nil
}

func (v *manifestVersion) clone() *manifestVersion {
	c := *v
	c.levels = make([][]uint64, len(v.levels))
	for i, ids := range v.levels {
		c.levels[i] = append([]uint64(nil), ids...)
	}
	c.memTables = make(map[uint64]struct{}, len(v.memTables))
	for id := range v.memTables {
		c.memTables[id] = struct{}{}
	}
	return &c
}

func (v *manifestVersion) removeTable(level int, tableID uint64) bool {
	for i, id := range v.levels[level] {
		if id == tableID {
			v.levels[level] = append(v.levels[level][:i], v.levels[level][i+1:]...)
			return true
		}
	}
	return false
}

// 尚未溢写的 memtable id，从旧到新
func (v *manifestVersion) liveMemTables() []uint64 {
	ids := make([]uint64, 0, len(v.memTables))
	for id := range v.memTables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (v *manifestVersion) liveTables() map[uint64]int {
	tables := make(map[uint64]int)
	for level, ids := range v.levels {
		for _, id := range ids {
			tables[id] = level
		}
	}
	return tables
}

// Manifest 是 lsm tree 结构变更的追加日志. 每条记录格式: [crc32c u32][len uvarint][payload]
type Manifest struct {
	conf    *Config
	file    string
	dest    afero.File
	version *manifestVersion
	records int // 当前文件中的记录数
	// 回放时截断过残缺的尾部. 被截掉的记录可能引用了目录中的 sst 文件
	truncated bool
}

// 打开 manifest 并回放得到持久化状态. 文件不存在时创建一个只包含空 checkpoint 的 manifest
func openManifest(conf *Config) (*Manifest, error) {
	m := Manifest{
		conf:    conf,
		file:    manifestFile(conf.Dir),
		version: newManifestVersion(conf.MaxLevel),
	}

	exists, err := afero.Exists(conf.FS, m.file)
	if err != nil {
		return nil, ioError(err, "stat manifest")
	}
	if !exists {
		if err = m.rewrite(); err != nil {
			return nil, err
		}
		return &m, nil
	}

	if err = m.replay(); err != nil {
		return nil, err
	}
	if err = m.openDest(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) openDest() error {
	dest, err := m.conf.FS.OpenFile(m.file, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return ioError(err, "open manifest")
	}
	m.dest = dest
	return nil
}

func (m *Manifest) replay() error {
	src, err := m.conf.FS.OpenFile(m.file, os.O_RDWR, 0644)
	if err != nil {
		return ioError(err, "open manifest")
	}
	defer src.Close()

	body, err := io.ReadAll(src)
	if err != nil {
		return ioError(err, "read manifest")
	}

	var off int
	for off < len(body) {
		payload, n, ok := decodeFrame(body[off:])
		if !ok {
			// 之后还能解析出完整的记录，说明是文件中间的损坏，而不是写入过程中崩溃留下的残缺尾部
			if validFrameAfter(body, off) {
				return corruption("manifest record at offset %d is corrupted", off)
			}
			m.conf.Logger.Warn("truncating incomplete manifest tail", zap.Int("offset", off), zap.Int("size", len(body)))
			if err = src.Truncate(int64(off)); err != nil {
				return ioError(err, "truncate manifest")
			}
			m.truncated = true
			break
		}

		rec, err := decodeManifestRecord(payload, m.conf.MaxLevel)
		if err != nil {
			return errors.Wrapf(err, "manifest offset %d", off)
		}
		if err = m.version.apply(rec); err != nil {
			return errors.Wrapf(err, "manifest offset %d", off)
		}
		m.records++
		off += n
	}
	return nil
}

// 解析一帧，返回 payload 与这一帧占用的字节数. 记录至少包含一个 tag byte，空 payload 视为无效
func decodeFrame(buf []byte) (payload []byte, n int, ok bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	l, k := binary.Uvarint(buf[4:])
	if k <= 0 || l == 0 || l > uint64(len(buf)-4-k) {
		return nil, 0, false
	}
	end := 4 + k + int(l)
	if crc32.Checksum(buf[4+k:end], crcTable) != binary.LittleEndian.Uint32(buf) {
		return nil, 0, false
	}
	return buf[4+k : end], end, true
}

// off 之后的任意位置能否解析出一帧校验通过的记录
func validFrameAfter(body []byte, off int) bool {
	for p := off + 1; p+4 < len(body); p++ {
		if _, _, ok := decodeFrame(body[p:]); ok {
			return true
		}
	}
	return false
}

func encodeFrame(payload []byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, crc32.Checksum(payload, crcTable))
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// 追加一条记录并 fsync，返回 nil 即表示记录已经持久化.
// 记录数超过阈值时重写为一条 checkpoint，重写失败不影响已经持久化的记录，下一次追加时重试
func (m *Manifest) append(rec manifestRecord) error {
	next := m.version.clone()
	if err := next.apply(rec); err != nil {
		return err
	}
	if m.dest == nil {
		if err := m.openDest(); err != nil {
			return err
		}
	}
	if _, err := m.dest.Write(encodeFrame(rec.encode())); err != nil {
		return ioError(err, "append manifest")
	}
	if err := m.dest.Sync(); err != nil {
		return ioError(err, "sync manifest")
	}
	m.version = next
	m.records++

	if m.records > m.conf.ManifestRewriteThreshold {
		if err := m.rewrite(); err != nil {
			m.conf.Logger.Warn("rewrite manifest failed", zap.Int("records", m.records), zap.Error(err))
		}
	}
	return nil
}

// checkpoint 记录最新的 seq 后重写 manifest
func (m *Manifest) checkpoint(lastSeq uint64) error {
	m.version.lastSeq = max(m.version.lastSeq, lastSeq)
	return m.rewrite()
}

// 将当前状态写成一条 checkpoint 到临时文件，fsync 后原子替换 manifest
func (m *Manifest) rewrite() error {
	tmp := m.file + ".tmp"
	dest, err := m.conf.FS.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return ioError(err, "create manifest")
	}
	if _, err = dest.Write(encodeFrame((&checkpointRecord{version: m.version}).encode())); err != nil {
		_ = dest.Close()
		_ = m.conf.FS.Remove(tmp)
		return ioError(err, "write manifest")
	}
	if err = dest.Sync(); err != nil {
		_ = dest.Close()
		_ = m.conf.FS.Remove(tmp)
		return ioError(err, "sync manifest")
	}
	if err = dest.Close(); err != nil {
		_ = m.conf.FS.Remove(tmp)
		return ioError(err, "close manifest")
	}

	// rename 失败时旧文件以及打开的句柄保持可用
	if err = m.conf.FS.Rename(tmp, m.file); err != nil {
		_ = m.conf.FS.Remove(tmp)
		return ioError(err, "rename manifest")
	}
	syncDir(m.conf.FS, path.Dir(m.file))

	if m.dest != nil {
		_ = m.dest.Close()
		m.dest = nil
	}
	m.records = 1
	if err = m.openDest(); err != nil {
		return err
	}
	m.conf.Logger.Debug("manifest rewritten", zap.Uint64("next_table_id", m.version.nextTableID))
	return nil
}

func (m *Manifest) Close() error {
	if m.dest == nil {
		return nil
	}
	err := m.dest.Close()
	m.dest = nil
	return ioError(err, "close manifest")
}

// 目录 fsync 失败不影响正确性，只是 rename 的持久化时机推迟
func syncDir(fs afero.Fs, dir string) {
	d, err := fs.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
