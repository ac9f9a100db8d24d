package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// ConsumerGroup 主题下的消费者组，只保存在内存中
// 组的偏移量按组ID记录在各分区的 consumer_group_offsets 目录
type ConsumerGroup struct {
	ID       uint32
	TopicID  uint32
	StreamID uint32
	Name     string

	partitions []uint32
	members    map[uint32]*groupMember
	rebalancer PartitionRebalancer
	mu         sync.RWMutex
}

// groupMember 消费者组成员及其分配到的分区
type groupMember struct {
	ID         uint32
	partitions []uint32
	// 不指定分区拉取时在已分配分区间轮转
	next atomic.Uint32
}

func newConsumerGroup(streamID, topicID, id uint32, name string, partitionIDs []uint32) *ConsumerGroup {
	return &ConsumerGroup{
		ID:         id,
		TopicID:    topicID,
		StreamID:   streamID,
		Name:       name,
		partitions: partitionIDs,
		members:    make(map[uint32]*groupMember),
		rebalancer: NewRoundRobinRebalancer(),
	}
}

// Join 加入成员并重新分配分区，重复加入不报错
func (g *ConsumerGroup) Join(memberID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[memberID]; ok {
		return
	}
	g.members[memberID] = &groupMember{ID: memberID}
	g.rebalanceLocked()
}

// Leave 移除成员并重新分配分区
func (g *ConsumerGroup) Leave(memberID uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.members[memberID]; !ok {
		return fmt.Errorf("%w: %d, 消费者组: %d", ErrConsumerGroupMemberNotFound, memberID, g.ID)
	}
	delete(g.members, memberID)
	g.rebalanceLocked()
	return nil
}

// reassignPartitions 主题的分区变化后重新分配
func (g *ConsumerGroup) reassignPartitions(partitionIDs []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.partitions = partitionIDs
	g.rebalanceLocked()
}

func (g *ConsumerGroup) rebalanceLocked() {
	assignments := g.rebalancer.Rebalance(g.partitions, lo.Keys(g.members))
	for memberID, member := range g.members {
		member.partitions = assignments[memberID]
		member.next.Store(0)
	}
}

// NextPartition 返回成员下一次拉取的分区，在已分配分区间轮转
func (g *ConsumerGroup) NextPartition(memberID uint32) (uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	member, ok := g.members[memberID]
	if !ok {
		return 0, fmt.Errorf("%w: %d, 消费者组: %d", ErrConsumerGroupMemberNotFound, memberID, g.ID)
	}
	if len(member.partitions) == 0 {
		return 0, fmt.Errorf("%w: 成员: %d, 消费者组: %d", ErrNoPartitionsAssigned, memberID, g.ID)
	}

	idx := member.next.Add(1) - 1
	return member.partitions[int(idx)%len(member.partitions)], nil
}

// Assignments 返回成员到分区的分配结果
func (g *ConsumerGroup) Assignments() map[uint32][]uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	assignments := make(map[uint32][]uint32, len(g.members))
	for memberID, member := range g.members {
		assignments[memberID] = append([]uint32(nil), member.partitions...)
	}
	return assignments
}

// MembersCount 成员数量
func (g *ConsumerGroup) MembersCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}
