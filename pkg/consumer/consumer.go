package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/store"
)

var ErrConsumerClosed = errors.New("consumer closed")

// Broker 消费者依赖的接口，由 broker.Broker 实现
type Broker interface {
	PollMessages(streamID, topicID protocol.Identifier, consumer store.PollingConsumer, partitionID uint32, strategy protocol.PollingStrategy, count uint32, autoCommit bool) (*store.PolledMessages, error)
	StoreOffset(streamID, topicID protocol.Identifier, consumer store.PollingConsumer, partitionID uint32, offset uint64) error
	JoinConsumerGroup(streamID, topicID protocol.Identifier, groupID, memberID uint32) error
	LeaveConsumerGroup(streamID, topicID protocol.Identifier, groupID, memberID uint32) error
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Stream         protocol.Identifier
	Topic          protocol.Identifier
	ID             uint32        // 消费者ID，加入消费者组时作为成员ID
	GroupID        uint32        // 消费者组ID，0 表示独立消费者
	PartitionID    uint32        // 独立消费者读取的分区
	AutoCommit     bool          // 拉取时自动提交偏移量
	MaxPullRecords uint32        // 单次拉取的最大消息数
	PollInterval   time.Duration // 没有新消息时的等待时间
}

// Consumer 进程内的拉取消费者
type Consumer struct {
	config   *ConsumerConfig
	broker   Broker
	consumer store.PollingConsumer
	joined   bool
	closed   bool
	mu       sync.Mutex
}

// NewConsumer 创建消费者，组成员在创建时加入消费者组
func NewConsumer(broker Broker, config *ConsumerConfig) (*Consumer, error) {
	if broker == nil {
		return nil, fmt.Errorf("必须指定 broker")
	}
	if config.Stream.Kind == 0 || config.Topic.Kind == 0 {
		return nil, fmt.Errorf("必须指定流和主题")
	}
	if config.ID == 0 {
		return nil, fmt.Errorf("必须指定消费者ID")
	}
	if config.GroupID == 0 && config.PartitionID == 0 {
		return nil, fmt.Errorf("独立消费者必须指定分区")
	}
	if config.MaxPullRecords == 0 {
		config.MaxPullRecords = 100
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}

	c := &Consumer{
		config:   config,
		broker:   broker,
		consumer: store.Consumer(config.ID),
	}

	if config.GroupID != 0 {
		if err := broker.JoinConsumerGroup(config.Stream, config.Topic, config.GroupID, config.ID); err != nil {
			return nil, fmt.Errorf("加入消费者组 %d 失败: %w", config.GroupID, err)
		}
		c.consumer = store.ConsumerGroupMember(config.GroupID, config.ID)
		c.joined = true
		// 组成员由 broker 在分配的分区间轮转
		config.PartitionID = 0
	}
	return c, nil
}

// Pull 从上次提交的位置之后拉取一批消息
func (c *Consumer) Pull() (*store.PolledMessages, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConsumerClosed
	}

	return c.broker.PollMessages(c.config.Stream, c.config.Topic, c.consumer,
		c.config.PartitionID, protocol.NextStrategy(), c.config.MaxPullRecords, c.config.AutoCommit)
}

// Commit 提交分区上已处理的最后一个偏移量
func (c *Consumer) Commit(partitionID uint32, offset uint64) error {
	if err := c.broker.StoreOffset(c.config.Stream, c.config.Topic, c.consumer, partitionID, offset); err != nil {
		return fmt.Errorf("提交偏移量失败: %w", err)
	}
	return nil
}

// Run 循环拉取消息并交给 handler 处理，直到 ctx 取消或 handler 返回错误
// 未开启自动提交时，handler 成功后提交这一批的最后一个偏移量
func (c *Consumer) Run(ctx context.Context, handler func(*store.PolledMessages) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		polled, err := c.Pull()
		if err != nil {
			if errors.Is(err, store.ErrNoPartitionsAssigned) {
				log.Debug("消费者 %s 暂无分配的分区", c.consumer)
				if !c.wait(ctx) {
					return nil
				}
				continue
			}
			return err
		}

		if len(polled.Messages) == 0 {
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		if err := handler(polled); err != nil {
			return err
		}
		if !c.config.AutoCommit {
			last := polled.Messages[len(polled.Messages)-1]
			if err := c.Commit(polled.PartitionID, last.Offset); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close 关闭消费者，组成员离开消费者组
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.joined {
		if err := c.broker.LeaveConsumerGroup(c.config.Stream, c.config.Topic, c.config.GroupID, c.config.ID); err != nil {
			return fmt.Errorf("离开消费者组失败: %w", err)
		}
	}
	return nil
}
