package store

import (
	"slices"
)

// PartitionRebalancer 把主题的分区分配给消费者组成员
type PartitionRebalancer interface {
	// Rebalance 返回成员ID到分区ID列表的映射
	// 每个分区恰好分配给一个成员，成员数多于分区数时部分成员没有分区
	Rebalance(partitionIDs []uint32, memberIDs []uint32) map[uint32][]uint32
	Name() string
}

// RoundRobinRebalancer 轮询分配
// 分区和成员都先排序，保证同样的输入得到同样的分配结果
type RoundRobinRebalancer struct{}

// NewRoundRobinRebalancer 创建轮询分配器
func NewRoundRobinRebalancer() *RoundRobinRebalancer {
	return &RoundRobinRebalancer{}
}

func (r *RoundRobinRebalancer) Rebalance(partitionIDs []uint32, memberIDs []uint32) map[uint32][]uint32 {
	assignments := make(map[uint32][]uint32, len(memberIDs))
	if len(memberIDs) == 0 {
		return assignments
	}

	sortedMembers := slices.Clone(memberIDs)
	slices.Sort(sortedMembers)
	sortedPartitions := slices.Clone(partitionIDs)
	slices.Sort(sortedPartitions)

	for _, memberID := range sortedMembers {
		assignments[memberID] = nil
	}
	for i, partitionID := range sortedPartitions {
		memberID := sortedMembers[i%len(sortedMembers)]
		assignments[memberID] = append(assignments[memberID], partitionID)
	}
	return assignments
}

func (r *RoundRobinRebalancer) Name() string {
	return "round-robin"
}
