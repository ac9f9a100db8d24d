package store

import (
	"time"

	"github.com/eason-lee/lstream/pkg/compression"
)

// SegmentConfig 分段配置
type SegmentConfig struct {
	MaxSize       int64         // 分段最大字节数，0 表示不限制
	MaxMessages   int           // 分段最大消息数，0 表示不限制
	MaxAge        time.Duration // 分段最长存活时间，0 表示不限制
	IndexInterval int           // 每隔多少条消息写一个稀疏索引项
}

// PartitionConfig 分区配置
type PartitionConfig struct {
	// MessagesRequiredToSave 未保存消息达到该数量时写入磁盘
	MessagesRequiredToSave int
	Segment                SegmentConfig
}

// TopicConfig 主题配置，新建主题时复制一份
type TopicConfig struct {
	Compression      compression.Algorithm
	MessageExpiry    time.Duration // 消息过期时间，0 表示永不过期
	MaxPartitionSize int64         // 分区最大字节数，0 表示不限制
	Partition        PartitionConfig
}

// DefaultTopicConfig 默认主题配置
func DefaultTopicConfig() *TopicConfig {
	return &TopicConfig{
		Compression: compression.None,
		Partition: PartitionConfig{
			MessagesRequiredToSave: 1,
			Segment: SegmentConfig{
				MaxSize:       defaultSegmentSize,
				IndexInterval: 64,
			},
		},
	}
}

// CleanupPolicy 根据配置组合清理策略，没有配置保留策略时返回 nil
func (c *TopicConfig) CleanupPolicy() CleanupPolicy {
	var policies []CleanupPolicy
	if c.MessageExpiry > 0 {
		policies = append(policies, &TimeBasedCleanupPolicy{RetentionTime: c.MessageExpiry})
	}
	if c.MaxPartitionSize > 0 {
		policies = append(policies, &SizeBasedCleanupPolicy{MaxPartitionSize: c.MaxPartitionSize})
	}

	switch len(policies) {
	case 0:
		return nil
	case 1:
		return policies[0]
	default:
		return NewCompositeCleanupPolicy(policies...)
	}
}

func (c *TopicConfig) clone() *TopicConfig {
	if c == nil {
		return DefaultTopicConfig()
	}
	cp := *c
	if cp.Partition.MessagesRequiredToSave <= 0 {
		cp.Partition.MessagesRequiredToSave = 1
	}
	if cp.Partition.Segment.IndexInterval <= 0 {
		cp.Partition.Segment.IndexInterval = 1
	}
	if cp.Compression == 0 {
		cp.Compression = compression.None
	}
	return &cp
}
