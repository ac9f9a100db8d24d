package store

import (
	"time"
)

// CleanupPolicy 清理策略
// 返回可以删除的已封存段，活动段永远不会被返回
type CleanupPolicy interface {
	ShouldCleanup(partition *Partition) []*Segment
	Name() string
}

// TimeBasedCleanupPolicy 清理最新消息超过保留时间的段
type TimeBasedCleanupPolicy struct {
	RetentionTime time.Duration
}

func (t *TimeBasedCleanupPolicy) ShouldCleanup(partition *Partition) []*Segment {
	now := time.Now()
	var segmentsToClean []*Segment

	segments := partition.GetSegments()
	activeSegment := partition.GetActiveSegment()

	for _, segment := range segments {
		if segment == activeSegment || segment.MessageCount() == 0 {
			continue
		}

		lastTimestamp := time.UnixMicro(int64(segment.LastTimestamp()))
		if now.Sub(lastTimestamp) > t.RetentionTime {
			segmentsToClean = append(segmentsToClean, segment)
		}
	}

	return segmentsToClean
}

func (t *TimeBasedCleanupPolicy) Name() string {
	return "time-based"
}

// SizeBasedCleanupPolicy 分区总大小超过阈值时，从最旧的段开始清理
type SizeBasedCleanupPolicy struct {
	MaxPartitionSize int64
}

func (s *SizeBasedCleanupPolicy) ShouldCleanup(partition *Partition) []*Segment {
	var segmentsToClean []*Segment

	segments := partition.GetSegments()
	activeSegment := partition.GetActiveSegment()

	var totalSize int64
	for _, segment := range segments {
		totalSize += segment.Size()
	}

	if totalSize <= s.MaxPartitionSize {
		return segmentsToClean
	}

	// 段按起始偏移量排序，最旧的在前
	for _, segment := range segments {
		if segment == activeSegment {
			continue
		}

		segmentsToClean = append(segmentsToClean, segment)
		totalSize -= segment.Size()

		if totalSize <= s.MaxPartitionSize {
			break
		}
	}

	return segmentsToClean
}

func (s *SizeBasedCleanupPolicy) Name() string {
	return "size-based"
}

// CompositeCleanupPolicy 组合多个清理策略，取并集
type CompositeCleanupPolicy struct {
	policies []CleanupPolicy
}

// NewCompositeCleanupPolicy 创建组合清理策略
func NewCompositeCleanupPolicy(policies ...CleanupPolicy) *CompositeCleanupPolicy {
	return &CompositeCleanupPolicy{
		policies: policies,
	}
}

func (c *CompositeCleanupPolicy) ShouldCleanup(partition *Partition) []*Segment {
	seen := make(map[*Segment]struct{})
	var segmentsToClean []*Segment

	for _, policy := range c.policies {
		for _, segment := range policy.ShouldCleanup(partition) {
			if _, ok := seen[segment]; ok {
				continue
			}
			seen[segment] = struct{}{}
			segmentsToClean = append(segmentsToClean, segment)
		}
	}

	return segmentsToClean
}

func (c *CompositeCleanupPolicy) Name() string {
	return "composite"
}
