package protocol

import (
	"encoding/binary"
	"fmt"
)

// PartitioningKind 写入时选择分区的方式
type PartitioningKind uint8

const (
	Balanced        PartitioningKind = 1 // 轮询
	PartitionIDKind PartitioningKind = 2 // 指定分区ID
	MessagesKeyKind PartitioningKind = 3 // 按消息键哈希
)

func (k PartitioningKind) String() string {
	switch k {
	case Balanced:
		return "balanced"
	case PartitionIDKind:
		return "partition_id"
	case MessagesKeyKind:
		return "messages_key"
	default:
		return "invalid"
	}
}

// Partitioning 分区选择
type Partitioning struct {
	Kind  PartitioningKind
	Value []byte
}

// BalancedPartitioning 轮询选择分区
func BalancedPartitioning() Partitioning {
	return Partitioning{Kind: Balanced}
}

// PartitionID 写入指定分区
func PartitionID(id uint32) Partitioning {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, id)
	return Partitioning{Kind: PartitionIDKind, Value: value}
}

// MessagesKey 相同键的消息写入同一分区
func MessagesKey(key []byte) (Partitioning, error) {
	if len(key) == 0 || len(key) > 255 {
		return Partitioning{}, fmt.Errorf("消息键长度必须在1-255之间: %d", len(key))
	}
	return Partitioning{Kind: MessagesKeyKind, Value: append([]byte(nil), key...)}, nil
}

// PartitionIDValue 返回指定的分区ID
func (p Partitioning) PartitionIDValue() (uint32, error) {
	if p.Kind != PartitionIDKind || len(p.Value) != 4 {
		return 0, fmt.Errorf("分区选择不是 partition_id: %s", p.Kind)
	}
	return binary.LittleEndian.Uint32(p.Value), nil
}

func (p Partitioning) String() string {
	switch p.Kind {
	case PartitionIDKind:
		id, _ := p.PartitionIDValue()
		return fmt.Sprintf("partition_id|%d", id)
	case MessagesKeyKind:
		return fmt.Sprintf("messages_key|%x", p.Value)
	default:
		return p.Kind.String()
	}
}
