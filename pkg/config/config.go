package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"

	"github.com/eason-lee/lstream/pkg/compression"
	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/store"
)

var (
	ErrInvalidPath     = errors.New("invalid system path")
	ErrInvalidInterval = errors.New("invalid interval")
)

// TaskConfig 后台任务配置
type TaskConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Config 服务配置
type Config struct {
	Path           string // 数据根目录，流保存在 {Path}/streams 下
	LogLevel       log.Level
	MetricsAddr    string // 为空时不启动指标服务
	EnforceFsync   bool
	MessageSaver   TaskConfig
	MessageCleaner TaskConfig
	Topic          store.TopicConfig
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Path:           "local_data",
		LogLevel:       log.INFO,
		MetricsAddr:    ":9090",
		EnforceFsync:   true,
		MessageSaver:   TaskConfig{Enabled: true, Interval: 30 * time.Second},
		MessageCleaner: TaskConfig{Enabled: true, Interval: time.Minute},
		Topic:          *store.DefaultTopicConfig(),
	}
}

type taskYAML struct {
	Enabled  *bool  `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

type configYAML struct {
	Path           string   `yaml:"path"`
	LogLevel       string   `yaml:"log_level"`
	MetricsAddr    *string  `yaml:"metrics_addr"`
	EnforceFsync   *bool    `yaml:"enforce_fsync"`
	MessageSaver   taskYAML `yaml:"message_saver"`
	MessageCleaner taskYAML `yaml:"message_cleaner"`
	Topic          struct {
		Compression            *compression.Algorithm `yaml:"compression"`
		MessageExpiry          string                 `yaml:"message_expiry"`
		MaxPartitionSize       string                 `yaml:"max_partition_size"`
		MessagesRequiredToSave int                    `yaml:"messages_required_to_save"`
		Segment                struct {
			Size          string `yaml:"size"`
			MaxMessages   int    `yaml:"max_messages"`
			MaxAge        string `yaml:"max_age"`
			IndexInterval int    `yaml:"index_interval"`
		} `yaml:"segment"`
	} `yaml:"topic"`
}

// Parse 解析 YAML 配置，未出现的字段保持原值
func (c *Config) Parse(data []byte) error {
	var aux configYAML
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}

	if aux.Path != "" {
		c.Path = aux.Path
	}
	if aux.LogLevel != "" {
		level, err := log.ParseLevel(aux.LogLevel)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}
	if aux.MetricsAddr != nil {
		c.MetricsAddr = *aux.MetricsAddr
	}
	if aux.EnforceFsync != nil {
		c.EnforceFsync = *aux.EnforceFsync
	}
	if err := parseTask(&c.MessageSaver, aux.MessageSaver, "message_saver"); err != nil {
		return err
	}
	if err := parseTask(&c.MessageCleaner, aux.MessageCleaner, "message_cleaner"); err != nil {
		return err
	}

	topic := &c.Topic
	if aux.Topic.Compression != nil {
		topic.Compression = *aux.Topic.Compression
	}
	if err := parseDuration(aux.Topic.MessageExpiry, &topic.MessageExpiry); err != nil {
		return fmt.Errorf("topic.message_expiry: %w", err)
	}
	if err := parseSize(aux.Topic.MaxPartitionSize, &topic.MaxPartitionSize); err != nil {
		return fmt.Errorf("topic.max_partition_size: %w", err)
	}
	if aux.Topic.MessagesRequiredToSave > 0 {
		topic.Partition.MessagesRequiredToSave = aux.Topic.MessagesRequiredToSave
	}

	segment := &topic.Partition.Segment
	if err := parseSize(aux.Topic.Segment.Size, &segment.MaxSize); err != nil {
		return fmt.Errorf("topic.segment.size: %w", err)
	}
	if aux.Topic.Segment.MaxMessages > 0 {
		segment.MaxMessages = aux.Topic.Segment.MaxMessages
	}
	if err := parseDuration(aux.Topic.Segment.MaxAge, &segment.MaxAge); err != nil {
		return fmt.Errorf("topic.segment.max_age: %w", err)
	}
	if aux.Topic.Segment.IndexInterval > 0 {
		segment.IndexInterval = aux.Topic.Segment.IndexInterval
	}

	return c.Validate()
}

// ApplyEnv 使用 LSTREAM_* 环境变量覆盖配置
func (c *Config) ApplyEnv() error {
	c.Path = getenv("LSTREAM_PATH", c.Path)
	c.MetricsAddr = getenv("LSTREAM_METRICS_ADDR", c.MetricsAddr)
	c.EnforceFsync = getenvBool("LSTREAM_ENFORCE_FSYNC", c.EnforceFsync)

	if v := os.Getenv("LSTREAM_LOG_LEVEL"); v != "" {
		level, err := log.ParseLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}
	if err := parseDuration(os.Getenv("LSTREAM_SAVER_INTERVAL"), &c.MessageSaver.Interval); err != nil {
		return fmt.Errorf("LSTREAM_SAVER_INTERVAL: %w", err)
	}
	if err := parseDuration(os.Getenv("LSTREAM_CLEANER_INTERVAL"), &c.MessageCleaner.Interval); err != nil {
		return fmt.Errorf("LSTREAM_CLEANER_INTERVAL: %w", err)
	}
	if v := os.Getenv("LSTREAM_COMPRESSION"); v != "" {
		alg, err := compression.ParseAlgorithm(v)
		if err != nil {
			return err
		}
		c.Topic.Compression = alg
	}

	return c.Validate()
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return ErrInvalidPath
	}
	if c.MessageSaver.Enabled && c.MessageSaver.Interval <= 0 {
		return fmt.Errorf("%w: message_saver %s", ErrInvalidInterval, c.MessageSaver.Interval)
	}
	if c.MessageCleaner.Enabled && c.MessageCleaner.Interval <= 0 {
		return fmt.Errorf("%w: message_cleaner %s", ErrInvalidInterval, c.MessageCleaner.Interval)
	}
	if _, err := compression.For(c.Topic.Compression); err != nil {
		return err
	}
	return nil
}

// StreamsPath 流数据目录
func (c *Config) StreamsPath() string {
	return filepath.Join(c.Path, "streams")
}

// Persister 根据 enforce_fsync 选择持久化实现
func (c *Config) Persister() store.Persister {
	return store.NewPersister(c.EnforceFsync)
}

// Load 从配置来源读取配置，再应用环境变量
func Load(provider Provider) (*Config, error) {
	cfg := Default()
	if provider != nil {
		data, err := provider.Fetch()
		if err != nil {
			return nil, err
		}
		if err := cfg.Parse(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseTask(dst *TaskConfig, src taskYAML, name string) error {
	if src.Enabled != nil {
		dst.Enabled = *src.Enabled
	}
	if err := parseDuration(src.Interval, &dst.Interval); err != nil {
		return fmt.Errorf("%s.interval: %w", name, err)
	}
	return nil
}

// parseDuration 空字符串保持原值，none/unlimited 表示 0
func parseDuration(s string, dst *time.Duration) error {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return nil
	case "0", "none", "unlimited":
		*dst = 0
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("负数时长: %s", s)
	}
	*dst = d
	return nil
}

// parseSize 解析 "512KB"、"1GB" 这样的字节数
func parseSize(s string, dst *int64) error {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return nil
	case "0", "none", "unlimited":
		*dst = 0
		return nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return err
	}
	*dst = int64(n)
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
