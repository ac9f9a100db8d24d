package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eason-lee/lstream/pkg/broker"
	"github.com/eason-lee/lstream/pkg/compression"
	"github.com/eason-lee/lstream/pkg/config"
	"github.com/eason-lee/lstream/pkg/consumer"
	"github.com/eason-lee/lstream/pkg/producer"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/store"
)

var (
	streamID = protocol.MustNamed("e2e")
	topicID  = protocol.MustNamed("e2e-topic")
)

func startBroker(t *testing.T, cfg *config.Config) *broker.Broker {
	t.Helper()
	b, err := broker.NewBroker(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))
	b.Start(context.Background())
	return b
}

func consumeAll(t *testing.T, b *broker.Broker, want int) []string {
	t.Helper()
	c, err := consumer.NewConsumer(b, &consumer.ConsumerConfig{
		Stream:       streamID,
		Topic:        topicID,
		ID:           1,
		GroupID:      1,
		AutoCommit:   true,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var payloads []string
	err = c.Run(ctx, func(polled *store.PolledMessages) error {
		for _, msg := range polled.Messages {
			payloads = append(payloads, string(msg.Payload))
		}
		if len(payloads) >= want {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	return payloads
}

func TestEndToEndProduceConsumeRestart(t *testing.T) {
	cfg := config.Default()
	cfg.Path = t.TempDir()
	cfg.MetricsAddr = ""
	cfg.MessageSaver.Interval = 20 * time.Millisecond
	cfg.Topic.Compression = compression.Gzip
	cfg.Topic.Partition.MessagesRequiredToSave = 50
	cfg.Topic.Partition.Segment.MaxMessages = 4

	b := startBroker(t, cfg)
	_, err := b.CreateStream(0, "e2e")
	require.NoError(t, err)
	_, err = b.CreateTopic(streamID, 0, "e2e-topic", 3, nil)
	require.NoError(t, err)
	_, err = b.CreateConsumerGroup(streamID, topicID, 1, "g1")
	require.NoError(t, err)

	p, err := producer.NewProducer(b, &producer.ProducerConfig{Stream: streamID, Topic: topicID, BatchSize: 5})
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Send([]byte(fmt.Sprintf("hello-%02d", i))))
	}
	require.NoError(t, p.Close())

	first := consumeAll(t, b, 30)
	assert.Len(t, first, 30)

	var committed []uint64
	for partitionID := uint32(1); partitionID <= 3; partitionID++ {
		offset, err := b.GetOffset(streamID, topicID, store.ConsumerGroupMember(1, 1), partitionID)
		require.NoError(t, err)
		committed = append(committed, offset)
	}
	assert.Equal(t, []uint64{9, 9, 9}, committed)
	require.NoError(t, b.Shutdown())

	// 重启后消费者组需要重新创建，组偏移量从磁盘恢复
	restarted := startBroker(t, cfg)
	defer restarted.Shutdown()
	_, err = restarted.CreateConsumerGroup(streamID, topicID, 1, "g1")
	require.NoError(t, err)

	for partitionID := uint32(1); partitionID <= 3; partitionID++ {
		offset, err := restarted.GetOffset(streamID, topicID, store.ConsumerGroupMember(1, 1), partitionID)
		require.NoError(t, err)
		assert.Equal(t, uint64(9), offset)
	}

	p, err = producer.NewProducer(restarted, &producer.ProducerConfig{Stream: streamID, Topic: topicID, Partitioning: protocol.PartitionID(2)})
	require.NoError(t, err)
	require.NoError(t, p.Send([]byte("after-restart")))
	require.NoError(t, p.Close())

	second := consumeAll(t, restarted, 1)
	assert.Equal(t, []string{"after-restart"}, second)

	topic, err := restarted.GetTopic(streamID, topicID)
	require.NoError(t, err)
	partition, err := topic.GetPartition(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), partition.CurrentOffset())
	assert.Len(t, partition.GetSegments(), 3)
}
