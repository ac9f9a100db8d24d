package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// PollingKind 拉取消息的起始位置策略
type PollingKind uint8

const (
	PollOffset    PollingKind = 1 // 从指定偏移量开始
	PollTimestamp PollingKind = 2 // 从指定时间戳（微秒）之后开始
	PollFirst     PollingKind = 3 // 从分区第一条消息开始
	PollLast      PollingKind = 4 // 最后 count 条消息
	PollNext      PollingKind = 5 // 从消费者已提交偏移量的下一条开始
)

func (k PollingKind) String() string {
	switch k {
	case PollOffset:
		return "offset"
	case PollTimestamp:
		return "timestamp"
	case PollFirst:
		return "first"
	case PollLast:
		return "last"
	case PollNext:
		return "next"
	default:
		return "invalid"
	}
}

// PollingStrategy 拉取策略
type PollingStrategy struct {
	Kind  PollingKind
	Value uint64
}

func OffsetStrategy(offset uint64) PollingStrategy {
	return PollingStrategy{Kind: PollOffset, Value: offset}
}

func TimestampStrategy(micros uint64) PollingStrategy {
	return PollingStrategy{Kind: PollTimestamp, Value: micros}
}

func FirstStrategy() PollingStrategy { return PollingStrategy{Kind: PollFirst} }

func LastStrategy() PollingStrategy { return PollingStrategy{Kind: PollLast} }

func NextStrategy() PollingStrategy { return PollingStrategy{Kind: PollNext} }

func (s PollingStrategy) String() string {
	switch s.Kind {
	case PollOffset:
		return fmt.Sprintf("offset|%d", s.Value)
	case PollTimestamp:
		return fmt.Sprintf("timestamp|%d", s.Value)
	default:
		return s.Kind.String()
	}
}

// ParsePollingStrategy 解析 "offset|10"、"timestamp|1690000000"、"first"、"last"、"next"
func ParsePollingStrategy(s string) (PollingStrategy, error) {
	kind, value, hasValue := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "|")
	parseValue := func() (uint64, error) {
		if !hasValue {
			return 0, fmt.Errorf("拉取策略缺少值: %s", s)
		}
		return strconv.ParseUint(value, 10, 64)
	}
	switch kind {
	case "o", "offset":
		v, err := parseValue()
		if err != nil {
			return PollingStrategy{}, err
		}
		return OffsetStrategy(v), nil
	case "t", "timestamp":
		v, err := parseValue()
		if err != nil {
			return PollingStrategy{}, err
		}
		return TimestampStrategy(v), nil
	case "f", "first":
		return FirstStrategy(), nil
	case "l", "last":
		return LastStrategy(), nil
	case "n", "next":
		return NextStrategy(), nil
	default:
		return PollingStrategy{}, fmt.Errorf("未知的拉取策略: %s", s)
	}
}
