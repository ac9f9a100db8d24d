package store

import "fmt"

// ConsumerKind 区分单个消费者和消费者组
type ConsumerKind uint8

const (
	ConsumerKindConsumer ConsumerKind = 1
	ConsumerKindGroup    ConsumerKind = 2
)

func (k ConsumerKind) String() string {
	switch k {
	case ConsumerKindConsumer:
		return "consumer"
	case ConsumerKindGroup:
		return "consumer group"
	default:
		return "invalid"
	}
}

// PollingConsumer 消费者描述符
// 对于消费者组，偏移量按组ID记录，MemberID 只用于分区分配
type PollingConsumer struct {
	Kind     ConsumerKind
	ID       uint32
	MemberID uint32
}

// Consumer 单个消费者
func Consumer(id uint32) PollingConsumer {
	return PollingConsumer{Kind: ConsumerKindConsumer, ID: id}
}

// ConsumerGroupMember 消费者组中的一个成员
func ConsumerGroupMember(groupID, memberID uint32) PollingConsumer {
	return PollingConsumer{Kind: ConsumerKindGroup, ID: groupID, MemberID: memberID}
}

func (c PollingConsumer) String() string {
	if c.Kind == ConsumerKindGroup {
		return fmt.Sprintf("consumer group ID: %d, member ID: %d", c.ID, c.MemberID)
	}
	return fmt.Sprintf("consumer ID: %d", c.ID)
}
