package lsmkv

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

const (
	walDirName       = "wal"
	manifestFileName = "MANIFEST"
	lockFileName     = "LOCK"
	sstSuffix        = ".sst"
	walSuffix        = ".wal"
)

// sstable 文件命名为 <tableID>.sst，level 信息记录在 manifest 中
func sstFile(dir string, tableID uint64) string {
	return path.Join(dir, fmt.Sprintf("%06d%s", tableID, sstSuffix))
}

// wal 文件命名为 <memtableID>.wal，与 memtable 一一对应
func walFile(dir string, memTableID uint64) string {
	return path.Join(dir, walDirName, fmt.Sprintf("%06d%s", memTableID, walSuffix))
}

func manifestFile(dir string) string {
	return path.Join(dir, manifestFileName)
}

// 从文件名中解析出 id，后缀不匹配时返回 false
func parseFileID(name, suffix string) (uint64, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, suffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
