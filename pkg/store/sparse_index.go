package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// 每个条目24字节: 8(offset) + 8(position) + 8(timestamp)，小端序
const sparseIndexEntrySize = 24

// SparseIndexEntry 稀疏索引条目
type SparseIndexEntry struct {
	Offset    uint64 // 消息偏移量
	Position  int64  // 在数据文件中的位置
	Timestamp uint64 // 消息时间戳（微秒）
}

// SparseIndex 稀疏索引
// 段内相对偏移量是 interval 的整数倍的消息会被索引，段的第一条消息总会被索引
type SparseIndex struct {
	interval int
	entries  []SparseIndexEntry
	mu       sync.RWMutex
}

// NewSparseIndex 创建空的稀疏索引
func NewSparseIndex(interval int) *SparseIndex {
	if interval <= 0 {
		interval = 1
	}
	return &SparseIndex{interval: interval}
}

// LoadSparseIndex 从索引文件加载，文件不存在时返回空索引
// 末尾不完整的条目被忽略
func LoadSparseIndex(path string, interval int) (*SparseIndex, error) {
	si := NewSparseIndex(interval)

	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return si, nil
		}
		return nil, fmt.Errorf("读取稀疏索引文件失败: %w", err)
	}

	si.entries = decodeSparseIndexEntries(buf)
	return si, nil
}

// ShouldIndex 判断段内相对偏移量对应的消息是否需要索引
func (si *SparseIndex) ShouldIndex(relativeOffset uint64) bool {
	return relativeOffset%uint64(si.interval) == 0
}

// Add 追加索引条目，调用方保证偏移量递增
func (si *SparseIndex) Add(entries ...SparseIndexEntry) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.entries = append(si.entries, entries...)
}

// FindPosition 返回不大于目标偏移量的最近索引条目的位置
// 没有合适的条目时从文件开头扫描
func (si *SparseIndex) FindPosition(offset uint64) int64 {
	si.mu.RLock()
	defer si.mu.RUnlock()

	i := sort.Search(len(si.entries), func(i int) bool {
		return si.entries[i].Offset > offset
	})
	if i == 0 {
		return 0
	}
	return si.entries[i-1].Position
}

// FindPositionByTimestamp 返回时间戳严格小于目标的最近索引条目的位置
// 从该位置向后扫描可以找到第一条时间戳不小于目标的消息
func (si *SparseIndex) FindPositionByTimestamp(timestamp uint64) int64 {
	si.mu.RLock()
	defer si.mu.RUnlock()

	i := sort.Search(len(si.entries), func(i int) bool {
		return si.entries[i].Timestamp >= timestamp
	})
	if i == 0 {
		return 0
	}
	return si.entries[i-1].Position
}

// Entries 返回索引条目的副本
func (si *SparseIndex) Entries() []SparseIndexEntry {
	si.mu.RLock()
	defer si.mu.RUnlock()

	entries := make([]SparseIndexEntry, len(si.entries))
	copy(entries, si.entries)
	return entries
}

// Len 返回索引条目数量
func (si *SparseIndex) Len() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.entries)
}

func encodeSparseIndexEntries(entries []SparseIndexEntry) []byte {
	buf := make([]byte, len(entries)*sparseIndexEntrySize)
	for i, entry := range entries {
		pos := i * sparseIndexEntrySize
		binary.LittleEndian.PutUint64(buf[pos:pos+8], entry.Offset)
		binary.LittleEndian.PutUint64(buf[pos+8:pos+16], uint64(entry.Position))
		binary.LittleEndian.PutUint64(buf[pos+16:pos+24], entry.Timestamp)
	}
	return buf
}

func decodeSparseIndexEntries(buf []byte) []SparseIndexEntry {
	count := len(buf) / sparseIndexEntrySize
	entries := make([]SparseIndexEntry, count)
	for i := 0; i < count; i++ {
		pos := i * sparseIndexEntrySize
		entries[i] = SparseIndexEntry{
			Offset:    binary.LittleEndian.Uint64(buf[pos : pos+8]),
			Position:  int64(binary.LittleEndian.Uint64(buf[pos+8 : pos+16])),
			Timestamp: binary.LittleEndian.Uint64(buf[pos+16 : pos+24]),
		}
	}
	return entries
}
