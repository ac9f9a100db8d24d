package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kevwan/mapreduce/v2"
	"github.com/samber/lo"
	"github.com/twmb/murmur3"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/metrics"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/ut"
)

const (
	topicInfoFile  = "topic.info"
	partitionsDir  = "partitions"
	maxNameLength  = 255
	loadingWorkers = 8
)

// Topic 表示一个主题
// partitions 和 consumerGroups 只在上层注册表的写锁下修改
type Topic struct {
	ID             uint32
	StreamID       uint32
	Name           string
	Path           string
	PartitionsPath string
	InfoPath       string
	CreatedAt      time.Time

	partitions     map[uint32]*Partition
	consumerGroups map[uint32]*ConsumerGroup
	config         *TopicConfig
	persister      Persister
	roundRobin     atomic.Uint32
}

// PolledMessages 一次拉取的结果
type PolledMessages struct {
	PartitionID   uint32
	CurrentOffset uint64
	Messages      []*Message
}

// NewTopic 创建主题对象和 partitionsCount 个分区，编号从 1 开始
func NewTopic(streamID, id uint32, name string, topicsPath string, partitionsCount uint32, config *TopicConfig, persister Persister) (*Topic, error) {
	path := filepath.Join(topicsPath, strconv.FormatUint(uint64(id), 10))
	t := &Topic{
		ID:             id,
		StreamID:       streamID,
		Name:           name,
		Path:           path,
		PartitionsPath: filepath.Join(path, partitionsDir),
		InfoPath:       filepath.Join(path, topicInfoFile),
		CreatedAt:      time.Now(),
		partitions:     make(map[uint32]*Partition),
		consumerGroups: make(map[uint32]*ConsumerGroup),
		config:         config.clone(),
		persister:      persister,
	}

	for partitionID := uint32(1); partitionID <= partitionsCount; partitionID++ {
		partition, err := NewPartition(streamID, id, partitionID, t.PartitionsPath, t.config, persister)
		if err != nil {
			return nil, err
		}
		t.partitions[partitionID] = partition
	}
	return t, nil
}

// ValidateName 校验流或主题名称
func ValidateName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && len(name) <= maxNameLength
}

// Persist 创建主题目录、信息文件和所有分区
func (t *Topic) Persist() error {
	if _, err := os.Stat(t.Path); err == nil {
		return fmt.Errorf("%w: %d, 流: %d", ErrTopicAlreadyExists, t.ID, t.StreamID)
	}
	if err := os.MkdirAll(t.PartitionsPath, 0755); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreateTopicDirectory, t.ID, err)
	}
	if err := t.persister.Overwrite(t.InfoPath, []byte(t.Name)); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreateTopicInfo, t.ID, err)
	}

	for _, partition := range t.Partitions() {
		if err := partition.Persist(); err != nil {
			return err
		}
	}

	log.Info("已创建主题 %s (ID: %d), 流: %d, 分区数: %d", t.Name, t.ID, t.StreamID, len(t.partitions))
	return nil
}

// Load 从磁盘加载主题名称和分区，分区并行加载
// 名称不是数字的分区目录记录日志后跳过
func (t *Topic) Load() error {
	if _, err := os.Stat(t.Path); err != nil {
		return fmt.Errorf("%w: %d, 流: %d", ErrTopicNotFound, t.ID, t.StreamID)
	}

	name, err := os.ReadFile(t.InfoPath)
	if err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotReadTopicInfo, t.ID, err)
	}
	t.Name = string(name)

	entries, err := os.ReadDir(t.PartitionsPath)
	if err != nil {
		return fmt.Errorf("%w: 主题: %d: %w", ErrCannotReadPartitions, t.ID, err)
	}

	var partitions []*Partition
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		partitionID, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warn("跳过无效的分区目录名: '%s', 主题: %d, 流: %d", entry.Name(), t.ID, t.StreamID)
			continue
		}
		partition, err := NewPartition(t.StreamID, t.ID, uint32(partitionID), t.PartitionsPath, t.config, t.persister)
		if err != nil {
			return err
		}
		partitions = append(partitions, partition)
	}

	loaded := make(map[uint32]*Partition, len(partitions))
	err = mapreduce.MapReduceVoid(func(source chan<- *Partition) {
		for _, partition := range partitions {
			source <- partition
		}
	}, func(partition *Partition, writer mapreduce.Writer[*Partition], cancel func(error)) {
		if err := partition.Load(); err != nil {
			cancel(err)
			return
		}
		writer.Write(partition)
	}, func(pipe <-chan *Partition, cancel func(error)) {
		for partition := range pipe {
			loaded[partition.ID] = partition
		}
	}, mapreduce.WithWorkers(loadingWorkers))
	if err != nil {
		return fmt.Errorf("加载主题 %d 的分区失败: %w", t.ID, err)
	}

	t.partitions = loaded
	for _, group := range t.consumerGroups {
		group.reassignPartitions(t.PartitionIDs())
	}

	log.Info("已加载主题 %s (ID: %d), 流: %d, 分区数: %d", t.Name, t.ID, t.StreamID, len(t.partitions))
	return nil
}

// PersistMessages 并行保存所有分区未保存的消息
func (t *Topic) PersistMessages() (int, error) {
	var saved atomic.Int64
	fns := lo.Map(t.Partitions(), func(partition *Partition, _ int) func() error {
		return func() error {
			n, err := partition.PersistMessages()
			saved.Add(int64(n))
			return err
		}
	})

	err := mapreduce.Finish(fns...)
	return int(saved.Load()), err
}

// Delete 删除主题目录
func (t *Topic) Delete() error {
	if err := os.RemoveAll(t.Path); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotDeleteTopicDirectory, t.ID, err)
	}
	log.Info("已删除主题 %s (ID: %d), 流: %d", t.Name, t.ID, t.StreamID)
	return nil
}

// CreatePartitions 追加 count 个分区，编号接在现有最大编号之后
func (t *Topic) CreatePartitions(count uint32) ([]uint32, error) {
	if count == 0 {
		return nil, ErrInvalidPartitionsCount
	}

	ids := t.PartitionIDs()
	next := uint32(1)
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}

	created := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		partition, err := NewPartition(t.StreamID, t.ID, next+i, t.PartitionsPath, t.config, t.persister)
		if err != nil {
			return created, err
		}
		if err := partition.Persist(); err != nil {
			return created, err
		}
		t.partitions[partition.ID] = partition
		created = append(created, partition.ID)
	}

	t.reassignGroups()
	return created, nil
}

// DeletePartitions 删除编号最大的 count 个分区
func (t *Topic) DeletePartitions(count uint32) ([]uint32, error) {
	ids := t.PartitionIDs()
	if count == 0 || int(count) > len(ids) {
		return nil, fmt.Errorf("%w: %d, 现有分区数: %d", ErrInvalidPartitionsCount, count, len(ids))
	}

	deleted := make([]uint32, 0, count)
	for _, id := range lo.Reverse(ids[len(ids)-int(count):]) {
		if err := t.partitions[id].Delete(); err != nil {
			return deleted, err
		}
		delete(t.partitions, id)
		deleted = append(deleted, id)
	}

	t.reassignGroups()
	return deleted, nil
}

func (t *Topic) reassignGroups() {
	ids := t.PartitionIDs()
	for _, group := range t.consumerGroups {
		group.reassignPartitions(ids)
	}
}

// GetPartition 按ID获取分区
func (t *Topic) GetPartition(id uint32) (*Partition, error) {
	partition, ok := t.partitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d, 主题: %d, 流: %d", ErrPartitionNotFound, id, t.ID, t.StreamID)
	}
	return partition, nil
}

// Partitions 按ID排序返回所有分区
func (t *Topic) Partitions() []*Partition {
	return ut.SortedValues(t.partitions)
}

// PartitionIDs 按ID排序返回所有分区ID
func (t *Topic) PartitionIDs() []uint32 {
	return ut.SortedKeys(t.partitions)
}

// Config 返回主题配置
func (t *Topic) Config() TopicConfig {
	return *t.config
}

// AppendMessages 根据分区策略选择分区并追加消息
func (t *Topic) AppendMessages(partitioning protocol.Partitioning, messages []*Message) (uint32, error) {
	if err := validateMessages(messages); err != nil {
		return 0, err
	}

	partitionID, err := t.choosePartition(partitioning)
	if err != nil {
		return 0, err
	}
	partition, err := t.GetPartition(partitionID)
	if err != nil {
		return 0, err
	}
	return partitionID, partition.AppendMessages(messages)
}

func (t *Topic) choosePartition(partitioning protocol.Partitioning) (uint32, error) {
	ids := t.PartitionIDs()
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: 主题 %d 没有分区", ErrPartitionNotFound, t.ID)
	}

	switch partitioning.Kind {
	case protocol.Balanced:
		idx := t.roundRobin.Add(1) - 1
		return ids[int(idx%uint32(len(ids)))], nil
	case protocol.PartitionIDKind:
		return partitioning.PartitionIDValue()
	case protocol.MessagesKeyKind:
		hash := murmur3.Sum32(partitioning.Value)
		return ids[int(hash%uint32(len(ids)))], nil
	default:
		return 0, fmt.Errorf("未知的分区策略: %d", partitioning.Kind)
	}
}

// PollMessages 按拉取策略从分区读取消息
// 消费者组成员不指定分区（partitionID 为 0）时使用分配给它的分区
func (t *Topic) PollMessages(consumer PollingConsumer, partitionID uint32, strategy protocol.PollingStrategy, count uint32, autoCommit bool) (*PolledMessages, error) {
	if count == 0 {
		return nil, ErrInvalidMessagesCount
	}

	if partitionID == 0 && consumer.Kind == ConsumerKindGroup {
		group, err := t.GetConsumerGroup(consumer.ID)
		if err != nil {
			return nil, err
		}
		partitionID, err = group.NextPartition(consumer.MemberID)
		if err != nil {
			return nil, err
		}
	}

	partition, err := t.GetPartition(partitionID)
	if err != nil {
		return nil, err
	}

	var messages []*Message
	switch strategy.Kind {
	case protocol.PollOffset:
		messages, err = partition.GetMessagesByOffset(strategy.Value, count)
	case protocol.PollTimestamp:
		messages, err = partition.GetMessagesByTimestamp(strategy.Value, count)
	case protocol.PollFirst:
		messages, err = partition.GetFirstMessages(count)
	case protocol.PollLast:
		messages, err = partition.GetLastMessages(count)
	case protocol.PollNext:
		messages, err = partition.GetNextMessages(consumer, count)
	default:
		err = fmt.Errorf("未知的拉取策略: %d", strategy.Kind)
	}
	if err != nil {
		return nil, err
	}

	if autoCommit && len(messages) > 0 {
		if err := partition.StoreOffset(consumer, messages[len(messages)-1].Offset); err != nil {
			return nil, err
		}
	}

	metrics.MessagesPolledTotal.WithLabelValues(strategy.Kind.String()).Add(float64(len(messages)))
	return &PolledMessages{
		PartitionID:   partitionID,
		CurrentOffset: partition.CurrentOffset(),
		Messages:      messages,
	}, nil
}
