package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kevwan/mapreduce/v2"
	"github.com/samber/lo"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/ut"
)

const (
	streamInfoFile = "stream.info"
	topicsDir      = "topics"
)

// Stream 表示一个流，是主题的容器
// topics 只在上层注册表的写锁下修改
type Stream struct {
	ID         uint32
	Name       string
	Path       string
	TopicsPath string
	InfoPath   string
	CreatedAt  time.Time

	topics    map[uint32]*Topic
	topicsIDs map[string]uint32
	config    *TopicConfig
	persister Persister
}

// NewStream 创建流对象，调用 Persist 或 Load 之前不访问磁盘
// config 是新建主题的默认配置
func NewStream(id uint32, name string, streamsPath string, config *TopicConfig, persister Persister) *Stream {
	path := filepath.Join(streamsPath, strconv.FormatUint(uint64(id), 10))
	return &Stream{
		ID:         id,
		Name:       name,
		Path:       path,
		TopicsPath: filepath.Join(path, topicsDir),
		InfoPath:   filepath.Join(path, streamInfoFile),
		CreatedAt:  time.Now(),
		topics:     make(map[uint32]*Topic),
		topicsIDs:  make(map[string]uint32),
		config:     config.clone(),
		persister:  persister,
	}
}

// Persist 创建流目录、主题目录和信息文件
func (s *Stream) Persist() error {
	if _, err := os.Stat(s.Path); err == nil {
		return fmt.Errorf("%w: %d", ErrStreamAlreadyExists, s.ID)
	}

	if err := os.MkdirAll(s.Path, 0755); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreateStreamDirectory, s.ID, err)
	}
	if err := os.MkdirAll(s.TopicsPath, 0755); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreateTopicsDirectory, s.ID, err)
	}

	f, err := os.OpenFile(s.InfoPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreateStreamInfo, s.ID, err)
	}
	f.Close()

	if err := s.persister.Overwrite(s.InfoPath, []byte(s.Name)); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotUpdateStreamInfo, s.ID, err)
	}

	log.Info("已创建流 %s (ID: %d)", s.Name, s.ID)
	return nil
}

// Load 从磁盘加载流名称和所有主题
// 名称不是数字的主题目录记录日志后跳过
func (s *Stream) Load() error {
	if _, err := os.Stat(s.Path); err != nil {
		return fmt.Errorf("%w: %d", ErrStreamNotFound, s.ID)
	}

	f, err := os.Open(s.InfoPath)
	if err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotOpenStreamInfo, s.ID, err)
	}
	name, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotReadStreamInfo, s.ID, err)
	}
	s.Name = string(name)

	entries, err := os.ReadDir(s.TopicsPath)
	if err != nil {
		return fmt.Errorf("%w: 流: %d: %w", ErrCannotReadTopics, s.ID, err)
	}

	topics := make(map[uint32]*Topic, len(entries))
	topicsIDs := make(map[string]uint32, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		topicID, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			log.Warn("跳过无效的主题目录名: '%s', 流: %d", entry.Name(), s.ID)
			continue
		}

		topic, err := NewTopic(s.ID, uint32(topicID), "", s.TopicsPath, 0, s.config, s.persister)
		if err != nil {
			return err
		}
		if err := topic.Load(); err != nil {
			return fmt.Errorf("加载流 %d 的主题 %d 失败: %w", s.ID, topicID, err)
		}
		topics[topic.ID] = topic
		topicsIDs[topic.Name] = topic.ID
	}

	s.topics = topics
	s.topicsIDs = topicsIDs
	log.Info("已加载流 %s (ID: %d), 主题数: %d", s.Name, s.ID, len(s.topics))
	return nil
}

// PersistMessages 并行保存所有主题未保存的消息
func (s *Stream) PersistMessages() (int, error) {
	var saved atomic.Int64
	fns := lo.Map(s.Topics(), func(topic *Topic, _ int) func() error {
		return func() error {
			n, err := topic.PersistMessages()
			saved.Add(int64(n))
			return err
		}
	})

	err := mapreduce.Finish(fns...)
	return int(saved.Load()), err
}

// Delete 删除流目录
func (s *Stream) Delete() error {
	if err := os.RemoveAll(s.Path); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotDeleteStreamDirectory, s.ID, err)
	}
	log.Info("已删除流 %s (ID: %d)", s.Name, s.ID)
	return nil
}

// CreateTopic 创建并持久化主题，id 为 0 时自动分配
// config 为 nil 时使用流的默认主题配置
func (s *Stream) CreateTopic(id uint32, name string, partitionsCount uint32, config *TopicConfig) (*Topic, error) {
	if !ValidateName(name) {
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidTopicName, name)
	}
	name = strings.TrimSpace(name)
	if _, ok := s.topicsIDs[name]; ok {
		return nil, fmt.Errorf("%w: %s, 流: %d", ErrTopicNameAlreadyExists, name, s.ID)
	}

	if id == 0 {
		id = 1
		if len(s.topics) > 0 {
			id = lo.Max(lo.Keys(s.topics)) + 1
		}
	}
	if _, ok := s.topics[id]; ok {
		return nil, fmt.Errorf("%w: %d, 流: %d", ErrTopicAlreadyExists, id, s.ID)
	}

	if config == nil {
		config = s.config
	}
	topic, err := NewTopic(s.ID, id, name, s.TopicsPath, partitionsCount, config, s.persister)
	if err != nil {
		return nil, err
	}
	if err := topic.Persist(); err != nil {
		return nil, err
	}

	s.topics[id] = topic
	s.topicsIDs[name] = id
	return topic, nil
}

// DeleteTopic 删除主题及其目录
func (s *Stream) DeleteTopic(id protocol.Identifier) (*Topic, error) {
	topic, err := s.GetTopic(id)
	if err != nil {
		return nil, err
	}
	if err := topic.Delete(); err != nil {
		return nil, err
	}

	delete(s.topics, topic.ID)
	delete(s.topicsIDs, topic.Name)
	return topic, nil
}

// GetTopic 按数字ID或名称获取主题
func (s *Stream) GetTopic(id protocol.Identifier) (*Topic, error) {
	switch id.Kind {
	case protocol.NumericID:
		topicID, err := id.Uint32()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTopicID, err)
		}
		return s.GetTopicByID(topicID)
	case protocol.StringID:
		return s.GetTopicByName(id.String())
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTopicID, id)
	}
}

// GetTopicByID 按ID获取主题
func (s *Stream) GetTopicByID(id uint32) (*Topic, error) {
	topic, ok := s.topics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d, 流: %d", ErrTopicNotFound, id, s.ID)
	}
	return topic, nil
}

// GetTopicByName 按名称获取主题
func (s *Stream) GetTopicByName(name string) (*Topic, error) {
	id, ok := s.topicsIDs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s, 流: %d", ErrTopicNotFound, name, s.ID)
	}
	return s.GetTopicByID(id)
}

// Topics 按ID排序返回所有主题
func (s *Stream) Topics() []*Topic {
	return ut.SortedValues(s.topics)
}

// IsNotFound 判断错误是否表示流、主题或分区不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStreamNotFound) ||
		errors.Is(err, ErrTopicNotFound) ||
		errors.Is(err, ErrPartitionNotFound)
}
