package wal

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/xiaoxuxiansheng/lsmkv/kv"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// 预写日志刷盘策略
type SyncPolicy string

const (
	SyncEveryWrite SyncPolicy = "sync_every_write" // 每笔写入都 fsync，写入返回即持久化
	SyncPeriodic   SyncPolicy = "sync_periodic"    // 后台协程按固定间隔 fsync，崩溃最多丢失一个间隔内的数据
	NoSync         SyncPolicy = "no_sync"          // 只在 Close 时 fsync
)

func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch p := SyncPolicy(s); p {
	case SyncEveryWrite, SyncPeriodic, NoSync:
		return p, nil
	case "":
		return SyncEveryWrite, nil
	default:
		return "", errors.Newf("unknown wal sync policy %q", s)
	}
}

// 预写日志写入口. 每条记录格式:
// [crc32c u32][keyLen uvarint][key][valueLen+1 uvarint, 0 表示墓碑][value][seq uvarint]
// crc 覆盖其后的全部字节
type WALWriter struct {
	file   string     // 预写日志文件名，包含目录
	dest   afero.File // 预写日志文件
	policy SyncPolicy

	mu           sync.Mutex
	dirty        bool     // 上次 fsync 之后是否有新写入
	assistBuffer [30]byte // 辅助转移数据使用的临时缓冲区
	buf          []byte

	stopc chan struct{}
	wg    sync.WaitGroup
}

// 构造器. 文件已存在时在末尾追加
func NewWALWriter(fs afero.Fs, file string, policy SyncPolicy, interval time.Duration) (*WALWriter, error) {
	dest, err := fs.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", file)
	}

	w := WALWriter{
		file:   file,
		dest:   dest,
		policy: policy,
	}

	if policy == SyncPeriodic {
		if interval <= 0 {
			interval = time.Second
		}
		w.stopc = make(chan struct{})
		w.wg.Add(1)
		go w.syncLoop(interval)
	}
	return &w, nil
}

// 写入一条记录到 wal 文件中
func (w *WALWriter) Write(record kv.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dest == nil {
		return errors.Newf("wal %s already closed", w.file)
	}

	w.buf = append(w.buf[:0], 0, 0, 0, 0)
	n := binary.PutUvarint(w.assistBuffer[0:], uint64(len(record.Key)))
	w.buf = append(w.buf, w.assistBuffer[:n]...)
	w.buf = append(w.buf, record.Key...)

	var valueField uint64
	if !record.IsTombstone() {
		valueField = uint64(len(record.Value)) + 1
	}
	n = binary.PutUvarint(w.assistBuffer[0:], valueField)
	w.buf = append(w.buf, w.assistBuffer[:n]...)
	if !record.IsTombstone() {
		w.buf = append(w.buf, record.Value...)
	}
	n = binary.PutUvarint(w.assistBuffer[0:], record.Seq)
	w.buf = append(w.buf, w.assistBuffer[:n]...)

	binary.LittleEndian.PutUint32(w.buf[0:4], crc32.Checksum(w.buf[4:], crcTable))

	if _, err := w.dest.Write(w.buf); err != nil {
		return errors.Wrapf(err, "append wal %s", w.file)
	}
	w.dirty = true

	if w.policy == SyncEveryWrite {
		return w.syncLocked()
	}
	return nil
}

func (w *WALWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WALWriter) File() string {
	return w.file
}

// Close 停止后台刷盘协程，fsync 后关闭文件
func (w *WALWriter) Close() error {
	w.stopSyncLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dest == nil {
		return nil
	}
	err := w.syncLocked()
	if cerr := w.dest.Close(); cerr != nil && err == nil {
		err = errors.Wrapf(cerr, "close wal %s", w.file)
	}
	w.dest = nil
	return err
}

// Abandon 直接关闭文件句柄而不做 fsync，模拟进程崩溃
func (w *WALWriter) Abandon() {
	w.stopSyncLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dest != nil {
		_ = w.dest.Close()
		w.dest = nil
	}
}

func (w *WALWriter) stopSyncLoop() {
	if w.stopc == nil {
		return
	}
	close(w.stopc)
	w.wg.Wait()
	w.stopc = nil
}

func (w *WALWriter) syncLoop(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopc:
			return
		case <-ticker.C:
			// 刷盘失败时保留 dirty 标记，下一轮重试，Close 时会把错误返回
			_ = w.Sync()
		}
	}
}

func (w *WALWriter) syncLocked() error {
	if !w.dirty || w.dest == nil {
		return nil
	}
	if err := w.dest.Sync(); err != nil {
		return errors.Wrapf(err, "sync wal %s", w.file)
	}
	w.dirty = false
	return nil
}
