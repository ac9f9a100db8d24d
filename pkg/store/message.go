package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/eason-lee/lstream/pkg/compression"
)

// Message 存储在分区中的一条消息
type Message struct {
	Offset    uint64    // 分区内偏移量，追加时分配
	Timestamp uint64    // 追加时间（Unix 微秒），追加时分配
	ID        uuid.UUID // 消息ID，为空时追加时生成
	Checksum  uint32    // 负载的 CRC32 校验和
	Payload   []byte
}

// NewMessage 创建消息
func NewMessage(payload []byte) *Message {
	return &Message{
		ID:      uuid.New(),
		Payload: payload,
	}
}

// 记录格式: 4字节小端长度 + protobuf wire 编码的记录体
// 负载上限比记录上限留出 1MB，压缩膨胀和记录字段不会让记录体超过 maxRecordSize
const (
	recordHeaderSize = 4
	maxRecordSize    = 64 * 1024 * 1024
	MaxPayloadSize   = maxRecordSize - 1024*1024
)

const (
	fieldOffset      protowire.Number = 1
	fieldTimestamp   protowire.Number = 2
	fieldID          protowire.Number = 3
	fieldChecksum    protowire.Number = 4
	fieldCompression protowire.Number = 5
	fieldPayload     protowire.Number = 6
)

// validateMessages 在分配偏移量之前校验整批消息
func validateMessages(messages []*Message) error {
	if len(messages) == 0 {
		return ErrInvalidMessagesCount
	}
	for _, msg := range messages {
		if len(msg.Payload) == 0 {
			return ErrEmptyPayload
		}
		if len(msg.Payload) > MaxPayloadSize {
			return fmt.Errorf("%w: %d 字节, 上限 %d 字节", ErrTooBigMessage, len(msg.Payload), MaxPayloadSize)
		}
	}
	return nil
}

// encodeRecord 编码一条记录，payload 已经按 codec 压缩
func encodeRecord(msg *Message, alg compression.Algorithm, payload []byte) []byte {
	b := make([]byte, recordHeaderSize, recordHeaderSize+len(payload)+48)

	b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.Offset)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, msg.Timestamp)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.ID[:])
	b = protowire.AppendTag(b, fieldChecksum, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, msg.Checksum)
	b = protowire.AppendTag(b, fieldCompression, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(alg))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)

	binary.LittleEndian.PutUint32(b[:recordHeaderSize], uint32(len(b)-recordHeaderSize))
	return b
}

// decodeRecord 解码记录体并解压负载，校验和不匹配时返回错误
func decodeRecord(body []byte) (*Message, error) {
	msg := &Message{}
	alg := compression.None
	var payload []byte

	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedSegment, protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case num == fieldOffset && typ == protowire.VarintType:
			msg.Offset, n = protowire.ConsumeVarint(body)
		case num == fieldTimestamp && typ == protowire.VarintType:
			msg.Timestamp, n = protowire.ConsumeVarint(body)
		case num == fieldID && typ == protowire.BytesType:
			var id []byte
			id, n = protowire.ConsumeBytes(body)
			if n >= 0 {
				parsed, err := uuid.FromBytes(id)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCorruptedSegment, err)
				}
				msg.ID = parsed
			}
		case num == fieldChecksum && typ == protowire.Fixed32Type:
			msg.Checksum, n = protowire.ConsumeFixed32(body)
		case num == fieldCompression && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(body)
			alg = compression.Algorithm(v)
		case num == fieldPayload && typ == protowire.BytesType:
			payload, n = protowire.ConsumeBytes(body)
		default:
			n = protowire.ConsumeFieldValue(num, typ, body)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedSegment, protowire.ParseError(n))
		}
		body = body[n:]
	}

	codec, err := compression.For(alg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSegment, err)
	}
	decoded, err := codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSegment, err)
	}
	// 解码结果可能引用底层缓冲区，复制一份
	msg.Payload = append([]byte(nil), decoded...)

	if crc32.ChecksumIEEE(msg.Payload) != msg.Checksum {
		return nil, fmt.Errorf("%w: offset %d", ErrInvalidMessageChecksum, msg.Offset)
	}
	return msg, nil
}

// recordLength 解析记录头部，返回记录体长度
func recordLength(header []byte) (int, error) {
	length := binary.LittleEndian.Uint32(header)
	if length == 0 || length > maxRecordSize {
		return 0, fmt.Errorf("%w: 记录长度无效 %d", ErrCorruptedSegment, length)
	}
	return int(length), nil
}
