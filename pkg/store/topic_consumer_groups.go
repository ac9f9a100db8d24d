package store

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/ut"
)

// CreateConsumerGroup 创建消费者组，id 为 0 时自动分配
func (t *Topic) CreateConsumerGroup(id uint32, name string) (*ConsumerGroup, error) {
	if !ValidateName(name) {
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidConsumerGroupName, name)
	}
	name = strings.TrimSpace(name)

	if _, exists := lo.Find(lo.Values(t.consumerGroups), func(g *ConsumerGroup) bool {
		return g.Name == name
	}); exists {
		return nil, fmt.Errorf("%w: %s, 主题: %d", ErrConsumerGroupAlreadyExists, name, t.ID)
	}

	if id == 0 {
		id = 1
		if len(t.consumerGroups) > 0 {
			id = lo.Max(lo.Keys(t.consumerGroups)) + 1
		}
	}
	if _, exists := t.consumerGroups[id]; exists {
		return nil, fmt.Errorf("%w: %d, 主题: %d", ErrConsumerGroupAlreadyExists, id, t.ID)
	}

	group := newConsumerGroup(t.StreamID, t.ID, id, name, t.PartitionIDs())
	t.consumerGroups[id] = group
	log.Info("已创建消费者组 %s (ID: %d), 流: %d, 主题: %d", name, id, t.StreamID, t.ID)
	return group, nil
}

// DeleteConsumerGroup 删除消费者组及其在各分区保存的偏移量
func (t *Topic) DeleteConsumerGroup(id uint32) error {
	if _, err := t.GetConsumerGroup(id); err != nil {
		return err
	}

	groupConsumer := PollingConsumer{Kind: ConsumerKindGroup, ID: id}
	for _, partition := range t.Partitions() {
		if err := partition.DeleteOffset(groupConsumer); err != nil {
			return fmt.Errorf("删除消费者组 %d 在分区 %d 的偏移量失败: %w", id, partition.ID, err)
		}
	}

	delete(t.consumerGroups, id)
	log.Info("已删除消费者组 %d, 流: %d, 主题: %d", id, t.StreamID, t.ID)
	return nil
}

// GetConsumerGroup 按ID获取消费者组
func (t *Topic) GetConsumerGroup(id uint32) (*ConsumerGroup, error) {
	group, ok := t.consumerGroups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d, 主题: %d, 流: %d", ErrConsumerGroupNotFound, id, t.ID, t.StreamID)
	}
	return group, nil
}

// ConsumerGroups 按ID排序返回所有消费者组
func (t *Topic) ConsumerGroups() []*ConsumerGroup {
	return ut.SortedValues(t.consumerGroups)
}

// JoinConsumerGroup 成员加入消费者组
func (t *Topic) JoinConsumerGroup(groupID, memberID uint32) error {
	group, err := t.GetConsumerGroup(groupID)
	if err != nil {
		return err
	}
	group.Join(memberID)
	log.Debug("成员 %d 加入消费者组 %d, 主题: %d", memberID, groupID, t.ID)
	return nil
}

// LeaveConsumerGroup 成员离开消费者组
func (t *Topic) LeaveConsumerGroup(groupID, memberID uint32) error {
	group, err := t.GetConsumerGroup(groupID)
	if err != nil {
		return err
	}
	if err := group.Leave(memberID); err != nil {
		return err
	}
	log.Debug("成员 %d 离开消费者组 %d, 主题: %d", memberID, groupID, t.ID)
	return nil
}
