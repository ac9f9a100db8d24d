package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseIndex(t *testing.T) {
	tempDir := t.TempDir()

	// 每2条消息创建一个索引项，方便测试
	index := NewSparseIndex(2)

	var entries []SparseIndexEntry
	for i := uint64(0); i < 10; i++ {
		if index.ShouldIndex(i) {
			entries = append(entries, SparseIndexEntry{Offset: i, Position: int64(i * 100), Timestamp: 1000 + i})
		}
	}
	index.Add(entries...)
	assert.Equal(t, 5, index.Len())

	assert.Equal(t, int64(400), index.FindPosition(4))
	// 不存在的偏移量返回最近的较小索引
	assert.Equal(t, int64(400), index.FindPosition(5))
	// 超出范围返回最后一个索引
	assert.Equal(t, int64(800), index.FindPosition(20))

	indexPath := filepath.Join(tempDir, "test.index")
	require.NoError(t, os.WriteFile(indexPath, encodeSparseIndexEntries(index.Entries()), 0644))

	reloaded, err := LoadSparseIndex(indexPath, 2)
	require.NoError(t, err)
	assert.Equal(t, index.Entries(), reloaded.Entries())
	assert.Equal(t, uint64(2), reloaded.Entries()[1].Offset)
	assert.Equal(t, int64(200), reloaded.Entries()[1].Position)
}

func TestSparseIndexBinarySearch(t *testing.T) {
	index := NewSparseIndex(1)
	for i := uint64(10); i < 110; i++ {
		index.Add(SparseIndexEntry{Offset: i, Position: int64(i * 100), Timestamp: i * 10})
	}

	testCases := []struct {
		offset   uint64
		expected int64
	}{
		{0, 0}, // 小于第一个条目，从头扫描
		{10, 1000},
		{50, 5000},
		{109, 10900},
		{500, 10900},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, index.FindPosition(tc.offset), "offset %d", tc.offset)
	}

	// 时间戳查找返回严格小于目标的最近条目
	assert.Equal(t, int64(0), index.FindPositionByTimestamp(100))
	assert.Equal(t, int64(1000), index.FindPositionByTimestamp(105))
	assert.Equal(t, int64(4900), index.FindPositionByTimestamp(500))
}

func TestLoadSparseIndexIgnoresPartialEntry(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "partial.index")
	buf := encodeSparseIndexEntries([]SparseIndexEntry{
		{Offset: 0, Position: 0, Timestamp: 1},
		{Offset: 4, Position: 256, Timestamp: 2},
	})
	buf = append(buf, 1, 2, 3)
	require.NoError(t, os.WriteFile(indexPath, buf, 0644))

	index, err := LoadSparseIndex(indexPath, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, index.Len())

	missing, err := LoadSparseIndex(filepath.Join(t.TempDir(), "missing.index"), 4)
	require.NoError(t, err)
	assert.Equal(t, 0, missing.Len())
}
