package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eason-lee/lstream/pkg/config"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/store"
)

func testConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Path = path
	cfg.MetricsAddr = ""
	cfg.MessageSaver.Enabled = false
	cfg.MessageCleaner.Enabled = false
	return cfg
}

func newTestBroker(t *testing.T, cfg *config.Config) *Broker {
	t.Helper()
	b, err := NewBroker(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))
	return b
}

func messages(n int, prefix string) []*store.Message {
	result := make([]*store.Message, n)
	for i := range result {
		result[i] = store.NewMessage([]byte(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return result
}

func TestBrokerStreams(t *testing.T) {
	b := newTestBroker(t, testConfig(t, t.TempDir()))

	stream, err := b.CreateStream(0, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stream.ID)

	_, err = b.CreateStream(0, "orders")
	assert.ErrorIs(t, err, store.ErrStreamNameAlreadyExists)
	_, err = b.CreateStream(1, "payments")
	assert.ErrorIs(t, err, store.ErrStreamAlreadyExists)
	_, err = b.CreateStream(0, "")
	assert.ErrorIs(t, err, store.ErrInvalidStreamName)

	second, err := b.CreateStream(0, "payments")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), second.ID)

	byName, err := b.GetStream(protocol.MustNamed("orders"))
	require.NoError(t, err)
	assert.Same(t, stream, byName)
	byID, err := b.GetStream(protocol.MustNumeric(2))
	require.NoError(t, err)
	assert.Same(t, second, byID)
	assert.Len(t, b.Streams(), 2)

	require.NoError(t, b.DeleteStream(protocol.MustNamed("orders")))
	assert.NoDirExists(t, stream.Path)
	_, err = b.GetStream(protocol.MustNumeric(1))
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
	assert.ErrorIs(t, b.DeleteStream(protocol.MustNumeric(1)), store.ErrStreamNotFound)
}

func TestBrokerRecovery(t *testing.T) {
	path := t.TempDir()
	cfg := testConfig(t, path)
	cfg.Topic.Partition.MessagesRequiredToSave = 100

	b := newTestBroker(t, cfg)
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID := protocol.MustNumeric(1)
	topicID := protocol.MustNamed("events")
	_, err = b.CreateTopic(streamID, 0, "events", 2, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := b.AppendMessages(streamID, topicID, protocol.BalancedPartitioning(), messages(5, "event"))
		require.NoError(t, err)
	}
	require.NoError(t, b.StoreOffset(streamID, topicID, store.Consumer(7), 1, 3))
	// 未达到保存阈值的消息在关闭时写入磁盘
	require.NoError(t, b.Shutdown())

	_, err = b.AppendMessages(streamID, topicID, protocol.BalancedPartitioning(), messages(1, "late"))
	assert.ErrorIs(t, err, ErrBrokerStopped)

	require.NoError(t, os.Mkdir(filepath.Join(path, "streams", "not-a-stream"), 0755))

	reloaded := newTestBroker(t, cfg)
	require.Len(t, reloaded.Streams(), 1)
	stream, err := reloaded.GetStream(protocol.MustNamed("S1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stream.ID)

	topic, err := reloaded.GetTopic(streamID, topicID)
	require.NoError(t, err)
	for _, partition := range topic.Partitions() {
		assert.Equal(t, uint64(9), partition.CurrentOffset(), "partition %d", partition.ID)
	}

	offset, err := reloaded.GetOffset(streamID, topicID, store.Consumer(7), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), offset)

	polled, err := reloaded.PollMessages(streamID, topicID, store.Consumer(7), 1, protocol.NextStrategy(), 10, false)
	require.NoError(t, err)
	require.Len(t, polled.Messages, 6)
	assert.Equal(t, uint64(4), polled.Messages[0].Offset)
	assert.Equal(t, "event-4", string(polled.Messages[5].Payload))
}

func TestBrokerInitFailsOnBrokenStream(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(path, "streams", "3"), 0755))

	b, err := NewBroker(testConfig(t, path))
	require.NoError(t, err)
	assert.ErrorIs(t, b.Init(context.Background()), store.ErrCannotOpenStreamInfo)
}

func TestBrokerOffsets(t *testing.T) {
	b := newTestBroker(t, testConfig(t, t.TempDir()))
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID, topicID := protocol.MustNumeric(1), protocol.MustNumeric(1)
	_, err = b.CreateTopic(streamID, 1, "T1", 1, nil)
	require.NoError(t, err)

	_, err = b.AppendMessages(streamID, topicID, protocol.PartitionID(1), messages(101, "m"))
	require.NoError(t, err)

	consumer := store.Consumer(7)
	require.NoError(t, b.StoreOffset(streamID, topicID, consumer, 1, 50))
	offset, err := b.GetOffset(streamID, topicID, consumer, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), offset)

	err = b.StoreOffset(streamID, topicID, consumer, 1, 150)
	assert.ErrorIs(t, err, store.ErrInvalidOffset)
	offset, err = b.GetOffset(streamID, topicID, consumer, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), offset)

	offset, err = b.GetOffset(streamID, topicID, store.Consumer(8), 1)
	require.NoError(t, err)
	assert.Zero(t, offset)

	_, err = b.GetOffset(streamID, topicID, consumer, 2)
	assert.ErrorIs(t, err, store.ErrPartitionNotFound)
	_, err = b.GetOffset(streamID, protocol.MustNamed("missing"), consumer, 1)
	assert.ErrorIs(t, err, store.ErrTopicNotFound)
}

func TestBrokerConcurrentStoreOffset(t *testing.T) {
	path := t.TempDir()
	cfg := testConfig(t, path)
	b := newTestBroker(t, cfg)
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID, topicID := protocol.MustNumeric(1), protocol.MustNumeric(1)
	_, err = b.CreateTopic(streamID, 1, "T1", 1, nil)
	require.NoError(t, err)
	_, err = b.AppendMessages(streamID, topicID, protocol.PartitionID(1), messages(64, "m"))
	require.NoError(t, err)

	consumer := store.Consumer(1)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			assert.NoError(t, b.StoreOffset(streamID, topicID, consumer, 1, offset))
		}(uint64(i))
	}
	wg.Wait()

	offset, err := b.GetOffset(streamID, topicID, consumer, 1)
	require.NoError(t, err)
	assert.Less(t, offset, uint64(32))

	reloaded := newTestBroker(t, cfg)
	reloadedOffset, err := reloaded.GetOffset(streamID, topicID, consumer, 1)
	require.NoError(t, err)
	assert.Equal(t, offset, reloadedOffset)
}

func TestBrokerConsumerGroups(t *testing.T) {
	b := newTestBroker(t, testConfig(t, t.TempDir()))
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID, topicID := protocol.MustNumeric(1), protocol.MustNumeric(1)
	_, err = b.CreateTopic(streamID, 1, "T1", 2, nil)
	require.NoError(t, err)
	for partitionID := uint32(1); partitionID <= 2; partitionID++ {
		_, err = b.AppendMessages(streamID, topicID, protocol.PartitionID(partitionID), messages(3, "g"))
		require.NoError(t, err)
	}

	group, err := b.CreateConsumerGroup(streamID, topicID, 0, "workers")
	require.NoError(t, err)
	require.NoError(t, b.JoinConsumerGroup(streamID, topicID, group.ID, 1))

	member := store.ConsumerGroupMember(group.ID, 1)
	var partitions []uint32
	for i := 0; i < 2; i++ {
		polled, err := b.PollMessages(streamID, topicID, member, 0, protocol.NextStrategy(), 10, true)
		require.NoError(t, err)
		assert.Len(t, polled.Messages, 3)
		partitions = append(partitions, polled.PartitionID)
	}
	assert.ElementsMatch(t, []uint32{1, 2}, partitions)

	offset, err := b.GetOffset(streamID, topicID, member, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), offset)

	require.NoError(t, b.LeaveConsumerGroup(streamID, topicID, group.ID, 1))
	require.NoError(t, b.DeleteConsumerGroup(streamID, topicID, group.ID))
	_, err = b.GetConsumerGroup(streamID, topicID, group.ID)
	assert.ErrorIs(t, err, store.ErrConsumerGroupNotFound)
}

func TestBrokerPartitionsAndTopics(t *testing.T) {
	b := newTestBroker(t, testConfig(t, t.TempDir()))
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID, topicID := protocol.MustNumeric(1), protocol.MustNamed("T1")
	_, err = b.CreateTopic(streamID, 0, "T1", 1, nil)
	require.NoError(t, err)

	created, err := b.CreatePartitions(streamID, topicID, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, created)

	deleted, err := b.DeletePartitions(streamID, topicID, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, deleted)

	require.NoError(t, b.DeleteTopic(streamID, topicID))
	_, err = b.GetTopic(streamID, topicID)
	assert.ErrorIs(t, err, store.ErrTopicNotFound)

	_, err = b.CreateTopic(protocol.MustNumeric(9), 0, "T1", 1, nil)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestBrokerCleanupSegments(t *testing.T) {
	b := newTestBroker(t, testConfig(t, t.TempDir()))
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID, topicID := protocol.MustNumeric(1), protocol.MustNumeric(1)

	topicConfig := store.DefaultTopicConfig()
	topicConfig.MaxPartitionSize = 1
	topicConfig.Partition.Segment.MaxMessages = 2
	_, err = b.CreateTopic(streamID, 1, "T1", 1, topicConfig)
	require.NoError(t, err)
	// 没有保留策略的主题不受影响
	_, err = b.CreateTopic(streamID, 2, "T2", 1, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := b.AppendMessages(streamID, topicID, protocol.PartitionID(1), messages(1, "c"))
		require.NoError(t, err)
		_, err = b.AppendMessages(streamID, protocol.MustNumeric(2), protocol.PartitionID(1), messages(1, "c"))
		require.NoError(t, err)
	}

	removed, err := b.CleanupSegments()
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	polled, err := b.PollMessages(streamID, topicID, store.Consumer(1), 1, protocol.FirstStrategy(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), polled.Messages[0].Offset)
	assert.Len(t, polled.Messages, 2)
}

func TestBrokerSaverTask(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Topic.Partition.MessagesRequiredToSave = 1000
	cfg.MessageSaver = config.TaskConfig{Enabled: true, Interval: 10 * time.Millisecond}

	b := newTestBroker(t, cfg)
	_, err := b.CreateStream(1, "S1")
	require.NoError(t, err)
	streamID, topicID := protocol.MustNumeric(1), protocol.MustNumeric(1)
	topic, err := b.CreateTopic(streamID, 1, "T1", 1, nil)
	require.NoError(t, err)
	_, err = b.AppendMessages(streamID, topicID, protocol.PartitionID(1), messages(5, "s"))
	require.NoError(t, err)

	partition, err := topic.GetPartition(1)
	require.NoError(t, err)
	require.Equal(t, 5, partition.GetActiveSegment().UnsavedCount())

	b.Start(context.Background())
	require.Eventually(t, func() bool {
		return partition.GetActiveSegment().UnsavedCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Shutdown())
}
