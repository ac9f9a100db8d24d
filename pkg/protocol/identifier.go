package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidIdentifier 标识符格式错误
var ErrInvalidIdentifier = errors.New("invalid identifier")

// IDKind 标识符类型
type IDKind uint8

const (
	NumericID IDKind = 1 // 数字ID，4字节小端
	StringID  IDKind = 2 // 字符串名称，1-255字节
)

func (k IDKind) String() string {
	switch k {
	case NumericID:
		return "numeric"
	case StringID:
		return "string"
	default:
		return "invalid"
	}
}

// Identifier 流/主题的标识符，可以是数字ID或名称
type Identifier struct {
	Kind  IDKind
	Value []byte
}

// Numeric 创建数字标识符，0 不是合法ID
func Numeric(id uint32) (Identifier, error) {
	if id == 0 {
		return Identifier{}, fmt.Errorf("%w: 数字ID不能为0", ErrInvalidIdentifier)
	}
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, id)
	return Identifier{Kind: NumericID, Value: value}, nil
}

// Named 创建字符串标识符
func Named(name string) (Identifier, error) {
	if len(name) == 0 || len(name) > 255 {
		return Identifier{}, fmt.Errorf("%w: 名称长度必须在1-255之间", ErrInvalidIdentifier)
	}
	return Identifier{Kind: StringID, Value: []byte(name)}, nil
}

// MustNumeric 创建数字标识符，失败时 panic
func MustNumeric(id uint32) Identifier {
	ident, err := Numeric(id)
	if err != nil {
		panic(err)
	}
	return ident
}

// MustNamed 创建字符串标识符，失败时 panic
func MustNamed(name string) Identifier {
	ident, err := Named(name)
	if err != nil {
		panic(err)
	}
	return ident
}

// ParseIdentifier 解析字符串，能解析为 uint32 的视为数字ID
func ParseIdentifier(s string) (Identifier, error) {
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		return Numeric(uint32(id))
	}
	return Named(s)
}

// Uint32 返回数字ID
func (id Identifier) Uint32() (uint32, error) {
	if id.Kind != NumericID || len(id.Value) != 4 {
		return 0, fmt.Errorf("%w: 不是数字ID", ErrInvalidIdentifier)
	}
	return binary.LittleEndian.Uint32(id.Value), nil
}

// Name 返回字符串名称
func (id Identifier) Name() (string, error) {
	if id.Kind != StringID {
		return "", fmt.Errorf("%w: 不是字符串ID", ErrInvalidIdentifier)
	}
	return string(id.Value), nil
}

func (id Identifier) String() string {
	switch id.Kind {
	case NumericID:
		if v, err := id.Uint32(); err == nil {
			return strconv.FormatUint(uint64(v), 10)
		}
		return "invalid"
	case StringID:
		return string(id.Value)
	default:
		return "invalid"
	}
}

// MarshalBinary 编码为 kind(1) + length(1) + value
func (id Identifier) MarshalBinary() ([]byte, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+len(id.Value))
	buf = append(buf, byte(id.Kind), byte(len(id.Value)))
	return append(buf, id.Value...), nil
}

// UnmarshalBinary 从二进制解码
func (id *Identifier) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("%w: 数据长度不足", ErrInvalidIdentifier)
	}
	length := int(data[1])
	if len(data) != 2+length {
		return fmt.Errorf("%w: 长度不匹配", ErrInvalidIdentifier)
	}
	decoded := Identifier{Kind: IDKind(data[0]), Value: append([]byte(nil), data[2:]...)}
	if err := decoded.validate(); err != nil {
		return err
	}
	*id = decoded
	return nil
}

func (id Identifier) validate() error {
	switch id.Kind {
	case NumericID:
		v, err := id.Uint32()
		if err != nil {
			return err
		}
		if v == 0 {
			return fmt.Errorf("%w: 数字ID不能为0", ErrInvalidIdentifier)
		}
	case StringID:
		if len(id.Value) == 0 || len(id.Value) > 255 {
			return fmt.Errorf("%w: 名称长度必须在1-255之间", ErrInvalidIdentifier)
		}
	default:
		return fmt.Errorf("%w: 未知类型 %d", ErrInvalidIdentifier, id.Kind)
	}
	return nil
}
