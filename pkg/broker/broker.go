package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/eason-lee/lstream/pkg/config"
	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/metrics"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/store"
	"github.com/eason-lee/lstream/pkg/ut"
)

const loadingWorkers = 8

var ErrBrokerStopped = errors.New("broker stopped")

// Broker 系统根对象，独占持有所有流
// streams 和流下的主题、分区、消费者组表只在 mu 的写锁下修改
type Broker struct {
	cfg         *config.Config
	streamsPath string
	persister   store.Persister

	streams    map[uint32]*store.Stream
	streamsIDs map[string]uint32
	mu         sync.RWMutex

	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	stopped bool
}

// NewBroker 创建 Broker，调用 Init 之前不访问磁盘
func NewBroker(cfg *config.Config) (*Broker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	return &Broker{
		cfg:         cfg,
		streamsPath: cfg.StreamsPath(),
		persister:   cfg.Persister(),
		streams:     make(map[uint32]*store.Stream),
		streamsIDs:  make(map[string]uint32),
	}, nil
}

// Init 创建数据目录并从磁盘并行加载所有流
func (b *Broker) Init(ctx context.Context) error {
	start := time.Now()
	if err := os.MkdirAll(b.streamsPath, 0755); err != nil {
		return fmt.Errorf("创建流目录失败: %w", err)
	}

	entries, err := os.ReadDir(b.streamsPath)
	if err != nil {
		return fmt.Errorf("读取流目录失败: %w", err)
	}

	var ids []uint32
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil || id == 0 {
			log.Warn("跳过无效的流目录: %s", entry.Name())
			continue
		}
		ids = append(ids, uint32(id))
	}

	loaded := make([]*store.Stream, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadingWorkers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stream := store.NewStream(id, "", b.streamsPath, &b.cfg.Topic, b.persister)
			if err := stream.Load(); err != nil {
				return fmt.Errorf("加载流 %d 失败: %w", id, err)
			}
			loaded[i] = stream
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stream := range loaded {
		if other, ok := b.streamsIDs[stream.Name]; ok {
			log.Error("流名称 %s 重复 (ID: %d, %d)，跳过流 %d", stream.Name, other, stream.ID, stream.ID)
			continue
		}
		b.streams[stream.ID] = stream
		b.streamsIDs[stream.Name] = stream.ID
	}

	metrics.Streams.Set(float64(len(b.streams)))
	metrics.StartupTime.Set(time.Since(start).Seconds())
	log.Info("已加载 %d 个流, 耗时 %s", len(b.streams), time.Since(start))
	return nil
}

// Start 启动后台的消息保存和清理任务
func (b *Broker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.cfg.MessageSaver.Enabled {
		b.StartSaverTask(ctx, b.cfg.MessageSaver.Interval)
	}
	if b.cfg.MessageCleaner.Enabled {
		b.StartCleanupTask(ctx, b.cfg.MessageCleaner.Interval)
	}
}

// Shutdown 停止后台任务并把所有未保存的消息写入磁盘
func (b *Broker) Shutdown() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.tasks.Wait()

	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	saved, err := b.PersistMessages()
	if err != nil {
		return fmt.Errorf("关闭时保存消息失败: %w", err)
	}

	log.Info("broker 已关闭, 保存了 %d 条消息", saved)
	return nil
}

// CreateStream 创建并持久化流，id 为 0 时自动分配
func (b *Broker) CreateStream(id uint32, name string) (*store.Stream, error) {
	if !store.ValidateName(name) {
		return nil, fmt.Errorf("%w: '%s'", store.ErrInvalidStreamName, name)
	}
	name = strings.TrimSpace(name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, ErrBrokerStopped
	}

	if _, ok := b.streamsIDs[name]; ok {
		return nil, fmt.Errorf("%w: %s", store.ErrStreamNameAlreadyExists, name)
	}
	if id == 0 {
		id = 1
		if len(b.streams) > 0 {
			id = lo.Max(lo.Keys(b.streams)) + 1
		}
	}
	if _, ok := b.streams[id]; ok {
		return nil, fmt.Errorf("%w: %d", store.ErrStreamAlreadyExists, id)
	}

	stream := store.NewStream(id, name, b.streamsPath, &b.cfg.Topic, b.persister)
	if err := stream.Persist(); err != nil {
		return nil, err
	}

	b.streams[id] = stream
	b.streamsIDs[name] = id
	metrics.Streams.Set(float64(len(b.streams)))
	log.Info("已创建流 %s (ID: %d)", name, id)
	return stream, nil
}

// DeleteStream 删除流及其所有主题
func (b *Broker) DeleteStream(id protocol.Identifier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, err := b.getStreamLocked(id)
	if err != nil {
		return err
	}
	if _, err := stream.PersistMessages(); err != nil {
		log.Warn("删除前保存流 %d 的消息失败: %v", stream.ID, err)
	}
	if err := stream.Delete(); err != nil {
		return err
	}

	delete(b.streams, stream.ID)
	delete(b.streamsIDs, stream.Name)
	metrics.Streams.Set(float64(len(b.streams)))
	return nil
}

// GetStream 按数字ID或名称获取流
func (b *Broker) GetStream(id protocol.Identifier) (*store.Stream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getStreamLocked(id)
}

// Streams 按ID排序返回所有流
func (b *Broker) Streams() []*store.Stream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ut.SortedValues(b.streams)
}

func (b *Broker) getStreamLocked(id protocol.Identifier) (*store.Stream, error) {
	switch id.Kind {
	case protocol.NumericID:
		streamID, err := id.Uint32()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidStreamID, err)
		}
		stream, ok := b.streams[streamID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", store.ErrStreamNotFound, streamID)
		}
		return stream, nil
	case protocol.StringID:
		streamID, ok := b.streamsIDs[id.String()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrStreamNotFound, id)
		}
		return b.streams[streamID], nil
	default:
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidStreamID, id)
	}
}

func (b *Broker) getTopicLocked(streamID, topicID protocol.Identifier) (*store.Topic, error) {
	stream, err := b.getStreamLocked(streamID)
	if err != nil {
		return nil, err
	}
	return stream.GetTopic(topicID)
}

func (b *Broker) getPartitionLocked(streamID, topicID protocol.Identifier, partitionID uint32) (*store.Partition, error) {
	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.GetPartition(partitionID)
}

// CreateTopic 在流下创建主题，topicConfig 为 nil 时使用默认主题配置
func (b *Broker) CreateTopic(streamID protocol.Identifier, topicID uint32, name string, partitionsCount uint32, topicConfig *store.TopicConfig) (*store.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, err := b.getStreamLocked(streamID)
	if err != nil {
		return nil, err
	}
	return stream.CreateTopic(topicID, name, partitionsCount, topicConfig)
}

// DeleteTopic 删除主题
func (b *Broker) DeleteTopic(streamID, topicID protocol.Identifier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, err := b.getStreamLocked(streamID)
	if err != nil {
		return err
	}
	_, err = stream.DeleteTopic(topicID)
	return err
}

// GetTopic 获取主题
func (b *Broker) GetTopic(streamID, topicID protocol.Identifier) (*store.Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getTopicLocked(streamID, topicID)
}

// CreatePartitions 为主题新增分区
func (b *Broker) CreatePartitions(streamID, topicID protocol.Identifier, count uint32) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.CreatePartitions(count)
}

// DeletePartitions 删除主题编号最大的 count 个分区
func (b *Broker) DeletePartitions(streamID, topicID protocol.Identifier, count uint32) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.DeletePartitions(count)
}

// AppendMessages 按分区方式追加消息，返回写入的分区
func (b *Broker) AppendMessages(streamID, topicID protocol.Identifier, partitioning protocol.Partitioning, messages []*store.Message) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return 0, ErrBrokerStopped
	}

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return 0, err
	}
	return topic.AppendMessages(partitioning, messages)
}

// PollMessages 按拉取策略读取消息，autoCommit 时保存最后一条消息的偏移量
func (b *Broker) PollMessages(streamID, topicID protocol.Identifier, consumer store.PollingConsumer, partitionID uint32, strategy protocol.PollingStrategy, count uint32, autoCommit bool) (*store.PolledMessages, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.PollMessages(consumer, partitionID, strategy, count, autoCommit)
}

// GetOffset 返回消费者在分区上保存的偏移量，未保存过返回 0
func (b *Broker) GetOffset(streamID, topicID protocol.Identifier, consumer store.PollingConsumer, partitionID uint32) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	partition, err := b.getPartitionLocked(streamID, topicID, partitionID)
	if err != nil {
		return 0, err
	}
	return partition.GetOffset(consumer), nil
}

// StoreOffset 保存消费者在分区上的偏移量
func (b *Broker) StoreOffset(streamID, topicID protocol.Identifier, consumer store.PollingConsumer, partitionID uint32, offset uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	partition, err := b.getPartitionLocked(streamID, topicID, partitionID)
	if err != nil {
		return err
	}
	return partition.StoreOffset(consumer, offset)
}

// CreateConsumerGroup 在主题下创建消费者组
func (b *Broker) CreateConsumerGroup(streamID, topicID protocol.Identifier, groupID uint32, name string) (*store.ConsumerGroup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.CreateConsumerGroup(groupID, name)
}

// DeleteConsumerGroup 删除消费者组
func (b *Broker) DeleteConsumerGroup(streamID, topicID protocol.Identifier, groupID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return err
	}
	return topic.DeleteConsumerGroup(groupID)
}

// GetConsumerGroup 获取消费者组
func (b *Broker) GetConsumerGroup(streamID, topicID protocol.Identifier, groupID uint32) (*store.ConsumerGroup, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return topic.GetConsumerGroup(groupID)
}

// JoinConsumerGroup 成员加入消费者组并触发重新分配
func (b *Broker) JoinConsumerGroup(streamID, topicID protocol.Identifier, groupID, memberID uint32) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return err
	}
	return topic.JoinConsumerGroup(groupID, memberID)
}

// LeaveConsumerGroup 成员离开消费者组
func (b *Broker) LeaveConsumerGroup(streamID, topicID protocol.Identifier, groupID, memberID uint32) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topic, err := b.getTopicLocked(streamID, topicID)
	if err != nil {
		return err
	}
	return topic.LeaveConsumerGroup(groupID, memberID)
}

// PersistMessages 把所有流中未保存的消息写入磁盘
func (b *Broker) PersistMessages() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		saved int
		errs  []error
	)
	for _, stream := range ut.SortedValues(b.streams) {
		n, err := stream.PersistMessages()
		saved += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return saved, errors.Join(errs...)
}

// CleanupSegments 按各主题的保留策略删除过期段
func (b *Broker) CleanupSegments() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		removed int
		errs    []error
	)
	for _, stream := range ut.SortedValues(b.streams) {
		for _, topic := range stream.Topics() {
			topicConfig := topic.Config()
			policy := topicConfig.CleanupPolicy()
			if policy == nil {
				continue
			}
			for _, partition := range topic.Partitions() {
				n, err := partition.CleanupSegments(policy)
				removed += n
				if err != nil {
					errs = append(errs, fmt.Errorf("清理段失败: 流=%d, 主题=%d, 分区=%d, 策略=%s: %w",
						stream.ID, topic.ID, partition.ID, policy.Name(), err))
				}
			}
		}
	}
	return removed, errors.Join(errs...)
}

// Path 数据根目录
func (b *Broker) Path() string {
	return filepath.Dir(b.streamsPath)
}
