package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eason-lee/lstream/pkg/compression"
)

func newTestSegment(t testing.TB, dir string, start uint64) *Segment {
	codec, err := compression.For(compression.None)
	require.NoError(t, err)
	segment, err := createSegment(dir, start, 16, codec, FilePersister{})
	require.NoError(t, err)
	return segment
}

func withOffsets(messages []*Message, start uint64) []*Message {
	for i, msg := range messages {
		msg.Offset = start + uint64(i)
		msg.Timestamp = uint64(1_700_000_000_000_000 + i)
	}
	return messages
}

func TestSegmentWriteBatch(t *testing.T) {
	dir := t.TempDir()
	segment := newTestSegment(t, dir, 100)

	next := uint64(100)
	for _, batchSize := range []int{1, 10, 100, 1000} {
		t.Run(fmt.Sprintf("BatchSize_%d", batchSize), func(t *testing.T) {
			messages := withOffsets(testMessages(batchSize, "batch"), next)
			require.NoError(t, segment.append(messages))

			saved, err := segment.Persist()
			require.NoError(t, err)
			assert.Equal(t, batchSize, saved)

			read, err := segment.Read(next, batchSize)
			require.NoError(t, err)
			require.Len(t, read, batchSize)
			assert.Equal(t, next, read[0].Offset)
			assert.Equal(t, messages[batchSize-1].Payload, read[batchSize-1].Payload)

			next += uint64(batchSize)
		})
	}

	assert.Equal(t, 1111, segment.MessageCount())
	assert.Equal(t, uint64(1210), segment.EndOffset())

	reloaded, err := loadSegment(dir, 100, 16, segment.codec, FilePersister{}, false)
	require.NoError(t, err)
	assert.Equal(t, segment.MessageCount(), reloaded.MessageCount())
	assert.Equal(t, segment.Size(), reloaded.Size())
	assert.Equal(t, segment.sparseIndex.Entries(), reloaded.sparseIndex.Entries())
}

func TestSegmentReadBeforeStart(t *testing.T) {
	segment := newTestSegment(t, t.TempDir(), 10)
	require.NoError(t, segment.append(withOffsets(testMessages(3, "m"), 10)))

	// 未保存的消息同样可读
	read, err := segment.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 11, 12}, offsetsOf(read))

	read, err = segment.Read(13, 10)
	require.NoError(t, err)
	assert.Empty(t, read)
}

func TestLoadSegmentRejectsCorruptedSealedSegment(t *testing.T) {
	dir := t.TempDir()
	segment := newTestSegment(t, dir, 0)
	require.NoError(t, segment.append(withOffsets(testMessages(2, "m"), 0)))
	_, err := segment.Persist()
	require.NoError(t, err)
	require.NoError(t, FilePersister{}.Append(segment.dataPath, []byte{1, 2, 3}))

	_, err = loadSegment(dir, 0, 16, segment.codec, FilePersister{}, false)
	assert.ErrorIs(t, err, ErrCorruptedSegment)
}

func BenchmarkSegmentWrite(b *testing.B) {
	segment := newTestSegment(b, b.TempDir(), 0)
	payload := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg := NewMessage(payload)
		msg.Offset = uint64(i)
		if err := segment.append([]*Message{msg}); err != nil {
			b.Fatal(err)
		}
		if i%100 == 99 {
			if _, err := segment.Persist(); err != nil {
				b.Fatal(err)
			}
		}
	}
}

func TestSegmentRejectsOversizedRecord(t *testing.T) {
	segment := newTestSegment(t, t.TempDir(), 0)

	messages := withOffsets([]*Message{NewMessage(make([]byte, maxRecordSize))}, 0)
	assert.ErrorIs(t, segment.append(messages), ErrTooBigMessage)
	assert.Equal(t, 0, segment.MessageCount())
	assert.Equal(t, int64(0), segment.Size())
}
