package store

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingPersister 覆盖写入总是失败
type failingPersister struct {
	FilePersister
}

func (failingPersister) Overwrite(string, []byte) error {
	return errors.New("disk full")
}

func writeOffsetFile(t *testing.T, dir, name string, offset uint64) {
	t.Helper()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, offset)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0644))
}

func TestStoreOffsetRejectsOffsetAboveCurrent(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 101)
	require.Equal(t, uint64(100), p.CurrentOffset())

	consumer := Consumer(7)
	require.NoError(t, p.StoreOffset(consumer, 50))
	assert.Equal(t, uint64(50), p.GetOffset(consumer))

	err := p.StoreOffset(consumer, 150)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.Equal(t, uint64(50), p.GetOffset(consumer))

	assert.ErrorIs(t, p.StoreOffset(consumer, 101), ErrInvalidOffset)
	require.NoError(t, p.StoreOffset(consumer, 100))
	assert.Equal(t, uint64(100), p.GetOffset(consumer))
}

func TestStoreOffsetThenGet(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 20)

	for offset := uint64(0); offset <= p.CurrentOffset(); offset++ {
		require.NoError(t, p.StoreOffset(Consumer(1), offset))
		assert.Equal(t, offset, p.GetOffset(Consumer(1)))
	}

	// 偏移量文件是8字节小端
	data, err := os.ReadFile(filepath.Join(p.ConsumerOffsetsPath, "1"))
	require.NoError(t, err)
	assert.Equal(t, p.CurrentOffset(), binary.LittleEndian.Uint64(data))
}

func TestGetOffsetUnknownConsumer(t *testing.T) {
	p := newTestPartition(t, nil)
	assert.Equal(t, uint64(0), p.GetOffset(Consumer(42)))
	assert.Equal(t, uint64(0), p.GetOffset(ConsumerGroupMember(42, 1)))
	assert.Equal(t, uint64(0), p.GetOffset(PollingConsumer{Kind: 9, ID: 1}))

	// 空分区允许提交 0
	require.NoError(t, p.StoreOffset(Consumer(42), 0))
	assert.ErrorIs(t, p.StoreOffset(Consumer(42), 1), ErrInvalidOffset)
}

func TestConsumerAndGroupOffsetsAreDisjoint(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 10)

	require.NoError(t, p.StoreOffset(Consumer(1), 5))
	assert.Equal(t, uint64(0), p.GetOffset(ConsumerGroupMember(1, 99)))

	require.NoError(t, p.StoreOffset(ConsumerGroupMember(1, 99), 8))
	assert.Equal(t, uint64(5), p.GetOffset(Consumer(1)))
	// 组偏移量按组ID记录，与成员无关
	assert.Equal(t, uint64(8), p.GetOffset(ConsumerGroupMember(1, 3)))

	assert.FileExists(t, filepath.Join(p.ConsumerOffsetsPath, "1"))
	assert.FileExists(t, filepath.Join(p.ConsumerGroupOffsetsPath, "1"))

	err := p.StoreOffset(PollingConsumer{Kind: 9, ID: 1}, 1)
	assert.ErrorIs(t, err, ErrInvalidConsumerKind)
}

func TestLoadOffsetsRoundTrip(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 50)

	expected := make(map[uint32]uint64)
	for id := uint32(1); id <= 10; id++ {
		offset := uint64(id * 4)
		require.NoError(t, p.StoreOffset(Consumer(id), offset))
		expected[id] = offset
	}
	require.NoError(t, p.StoreOffset(ConsumerGroupMember(3, 1), 33))

	reloaded := reloadPartition(t, p)
	for id, offset := range expected {
		assert.Equal(t, offset, reloaded.GetOffset(Consumer(id)), "consumer %d", id)
	}
	assert.Equal(t, uint64(33), reloaded.GetOffset(ConsumerGroupMember(3, 7)))
	assert.Len(t, reloaded.ConsumerOffsets(ConsumerKindConsumer), len(expected))
}

func TestLoadOffsetsSkipsInvalidEntries(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 10)

	writeOffsetFile(t, p.ConsumerOffsetsPath, "1", 1)
	writeOffsetFile(t, p.ConsumerOffsetsPath, "2", 2)
	writeOffsetFile(t, p.ConsumerOffsetsPath, "3", 3)
	writeOffsetFile(t, p.ConsumerOffsetsPath, "abc", 4)
	// 长度不足8字节的文件被跳过
	require.NoError(t, os.WriteFile(filepath.Join(p.ConsumerOffsetsPath, "4"), []byte{1, 2}, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(p.ConsumerOffsetsPath, "5"), 0755))

	require.NoError(t, p.LoadOffsets(ConsumerKindConsumer))

	offsets := p.ConsumerOffsets(ConsumerKindConsumer)
	assert.Len(t, offsets, 3)
	for id := uint32(1); id <= 3; id++ {
		assert.Equal(t, uint64(id), p.GetOffset(Consumer(id)))
	}
	assert.Equal(t, uint64(0), p.GetOffset(Consumer(4)))
}

func TestLoadOffsetsMissingDirectory(t *testing.T) {
	p, err := NewPartition(1, 1, 1, filepath.Join(t.TempDir(), "partitions"), nil, FilePersister{})
	require.NoError(t, err)

	err = p.LoadOffsets(ConsumerKindConsumer)
	assert.ErrorIs(t, err, ErrCannotReadConsumerOffsets)
	assert.Contains(t, err.Error(), "分区: 1")
}

func TestConcurrentStoreOffset(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 100)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, p.StoreOffset(Consumer(1), offset))
			}
		}(uint64(i))
	}
	wg.Wait()

	final := p.GetOffset(Consumer(1))
	assert.Less(t, final, uint64(workers))
	assert.Len(t, p.ConsumerOffsets(ConsumerKindConsumer), 1)

	// 磁盘上的值与内存一致
	onDisk, err := readOffsetFile(filepath.Join(p.ConsumerOffsetsPath, "1"))
	require.NoError(t, err)
	assert.Equal(t, final, onDisk)
}

func TestStoreOffsetPersistFailureKeepsMemory(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 10)
	require.NoError(t, p.StoreOffset(Consumer(1), 3))

	p.persister = failingPersister{}
	err := p.StoreOffset(Consumer(1), 5)
	assert.ErrorIs(t, err, ErrCannotSaveConsumerOffset)
	assert.Equal(t, uint64(3), p.GetOffset(Consumer(1)))

	// 首次保存失败时不创建条目
	assert.Error(t, p.StoreOffset(Consumer(2), 5))
	_, ok := p.lookupOffset(Consumer(2))
	assert.False(t, ok)
}

func TestDeleteOffset(t *testing.T) {
	p := newTestPartition(t, nil)
	appendPayloads(t, p, 10)

	group := ConsumerGroupMember(2, 1)
	require.NoError(t, p.StoreOffset(group, 4))
	path := filepath.Join(p.ConsumerGroupOffsetsPath, "2")
	assert.FileExists(t, path)

	require.NoError(t, p.DeleteOffset(group))
	assert.NoFileExists(t, path)
	assert.Equal(t, uint64(0), p.GetOffset(group))
	// 不存在的条目删除成功
	assert.NoError(t, p.DeleteOffset(group))
}
