package store

import (
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
)

const defaultSegmentSize = 1024 * 1024 * 1024

// SegmentRollStrategy 决定分区的活动段何时封存
// 封存的段只读，分区随后在 current_offset+1 处创建新的活动段
// 分区不会询问空段，所以空段永远不会被封存
type SegmentRollStrategy interface {
	ShouldRoll(segment *Segment) bool
	// Name 描述封存条件，滚动时写入日志
	Name() string
}

// segmentSizeLimit 段字节数（含未保存的记录）达到上限时封存
type segmentSizeLimit int64

func (l segmentSizeLimit) ShouldRoll(segment *Segment) bool {
	return segment.Size() >= int64(l)
}

func (l segmentSizeLimit) Name() string {
	return "size>=" + bytefmt.ByteSize(uint64(l))
}

// segmentMessagesLimit 段内消息数达到上限时封存
type segmentMessagesLimit int

func (l segmentMessagesLimit) ShouldRoll(segment *Segment) bool {
	return segment.MessageCount() >= int(l)
}

func (l segmentMessagesLimit) Name() string {
	return fmt.Sprintf("messages>=%d", int(l))
}

// segmentAgeLimit 段的第一条消息写入后超过时长时封存
// 重新加载的段从第一条消息的时间戳开始计算
type segmentAgeLimit time.Duration

func (l segmentAgeLimit) ShouldRoll(segment *Segment) bool {
	return segment.MessageCount() > 0 && time.Since(segment.CreatedAt()) >= time.Duration(l)
}

func (l segmentAgeLimit) Name() string {
	return "age>=" + time.Duration(l).String()
}

// anyRollStrategy 任一条件满足即封存
type anyRollStrategy []SegmentRollStrategy

func (a anyRollStrategy) ShouldRoll(segment *Segment) bool {
	for _, strategy := range a {
		if strategy.ShouldRoll(segment) {
			return true
		}
	}
	return false
}

func (a anyRollStrategy) Name() string {
	names := make([]string, len(a))
	for i, strategy := range a {
		names[i] = strategy.Name()
	}
	return strings.Join(names, "|")
}

// RollStrategy 把分段配置转换为封存条件
// 三个上限都为 0 时按 1GB 封存，避免单个段无限增长
func (c SegmentConfig) RollStrategy() SegmentRollStrategy {
	var limits anyRollStrategy
	if c.MaxSize > 0 {
		limits = append(limits, segmentSizeLimit(c.MaxSize))
	}
	if c.MaxMessages > 0 {
		limits = append(limits, segmentMessagesLimit(c.MaxMessages))
	}
	if c.MaxAge > 0 {
		limits = append(limits, segmentAgeLimit(c.MaxAge))
	}

	switch len(limits) {
	case 0:
		return segmentSizeLimit(defaultSegmentSize)
	case 1:
		return limits[0]
	default:
		return limits
	}
}
