package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eason-lee/lstream/pkg/compression"
	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/metrics"
)

const (
	segmentsDir             = "segments"
	consumerOffsetsDir      = "consumer_offsets"
	consumerGroupOffsetsDir = "consumer_group_offsets"
)

// Partition 表示一个分区
// 追加由分区写锁串行化，读取在读锁下获取段列表快照
type Partition struct {
	ID                       uint32
	StreamID                 uint32
	TopicID                  uint32
	Path                     string
	SegmentsPath             string
	ConsumerOffsetsPath      string
	ConsumerGroupOffsetsPath string
	CreatedAt                time.Time

	// 当前偏移量（高水位），只增不减
	currentOffset atomic.Uint64
	// 分区中是否有过消息，决定下一条消息的偏移量是 0 还是当前偏移量加一
	hasMessages atomic.Bool

	segments             []*Segment // 按起始偏移量排序，最后一个是活动段
	consumerOffsets      *consumerOffsets
	consumerGroupOffsets *consumerOffsets
	config               PartitionConfig
	rollStrategy         SegmentRollStrategy
	codec                compression.Codec
	persister            Persister
	mu                   sync.RWMutex
}

// NewPartition 创建分区对象，调用 Persist 或 Load 之前不访问磁盘
func NewPartition(streamID, topicID, id uint32, partitionsPath string, config *TopicConfig, persister Persister) (*Partition, error) {
	config = config.clone()
	codec, err := compression.For(config.Compression)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(partitionsPath, strconv.FormatUint(uint64(id), 10))
	p := &Partition{
		ID:                       id,
		StreamID:                 streamID,
		TopicID:                  topicID,
		Path:                     path,
		SegmentsPath:             filepath.Join(path, segmentsDir),
		ConsumerOffsetsPath:      filepath.Join(path, consumerOffsetsDir),
		ConsumerGroupOffsetsPath: filepath.Join(path, consumerGroupOffsetsDir),
		CreatedAt:                time.Now(),
		config:                   config.Partition,
		rollStrategy:             config.Partition.Segment.RollStrategy(),
		codec:                    codec,
		persister:                persister,
	}
	p.consumerOffsets = newConsumerOffsets(ConsumerKindConsumer, p.ConsumerOffsetsPath)
	p.consumerGroupOffsets = newConsumerOffsets(ConsumerKindGroup, p.ConsumerGroupOffsetsPath)
	return p, nil
}

// CurrentOffset 返回分区最后一条消息的偏移量，空分区返回 0
func (p *Partition) CurrentOffset() uint64 {
	return p.currentOffset.Load()
}

// HasMessages 分区是否追加过消息
func (p *Partition) HasMessages() bool {
	return p.hasMessages.Load()
}

// Persist 创建分区目录结构和第一个段
func (p *Partition) Persist() error {
	if err := os.MkdirAll(p.Path, 0755); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreatePartitionDirectory, p.ID, err)
	}
	if err := os.MkdirAll(p.SegmentsPath, 0755); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotCreateSegmentsDirectory, p.ID, err)
	}
	for _, dir := range []string{p.ConsumerOffsetsPath, p.ConsumerGroupOffsetsPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %d: %w", ErrCannotCreatePartitionDirectory, p.ID, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.segments) == 0 {
		segment, err := createSegment(p.SegmentsPath, 0, p.config.Segment.IndexInterval, p.codec, p.persister)
		if err != nil {
			return err
		}
		p.segments = append(p.segments, segment)
	}
	return nil
}

// Load 从磁盘加载段和消费者偏移量
// 最后一个段末尾不完整的记录会被截断
func (p *Partition) Load() error {
	if _, err := os.Stat(p.Path); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrPartitionNotFound, p.ID, err)
	}
	for _, dir := range []string{p.SegmentsPath, p.ConsumerOffsetsPath, p.ConsumerGroupOffsetsPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %d: %w", ErrCannotCreatePartitionDirectory, p.ID, err)
		}
	}

	startOffsets, err := p.scanSegmentOffsets()
	if err != nil {
		return err
	}

	p.mu.Lock()
	segments := make([]*Segment, 0, len(startOffsets))
	for i, start := range startOffsets {
		last := i == len(startOffsets)-1
		segment, err := loadSegment(p.SegmentsPath, start, p.config.Segment.IndexInterval, p.codec, p.persister, last)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if !last {
			segment.seal()
		}
		segments = append(segments, segment)
	}

	if len(segments) == 0 {
		segment, err := createSegment(p.SegmentsPath, 0, p.config.Segment.IndexInterval, p.codec, p.persister)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		segments = append(segments, segment)
	}
	p.segments = segments
	p.restoreCurrentOffset()
	p.mu.Unlock()

	if err := p.LoadOffsets(ConsumerKindConsumer); err != nil {
		return err
	}
	if err := p.LoadOffsets(ConsumerKindGroup); err != nil {
		return err
	}

	log.Info("已加载分区 %d, 流: %d, 主题: %d, 段: %d, 当前偏移量: %d",
		p.ID, p.StreamID, p.TopicID, len(segments), p.CurrentOffset())
	return nil
}

func (p *Partition) scanSegmentOffsets() ([]uint64, error) {
	entries, err := os.ReadDir(p.SegmentsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: 分区: %d: %w", ErrCannotReadSegments, p.ID, err)
	}

	var startOffsets []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, DataFileSuffix) {
			continue
		}
		start, err := strconv.ParseUint(strings.TrimSuffix(name, DataFileSuffix), 10, 64)
		if err != nil {
			log.Warn("跳过无效的段文件名: '%s', 分区: %d", name, p.ID)
			continue
		}
		startOffsets = append(startOffsets, start)
	}

	sort.Slice(startOffsets, func(i, j int) bool { return startOffsets[i] < startOffsets[j] })
	return startOffsets, nil
}

// restoreCurrentOffset 根据段恢复当前偏移量，调用方持有写锁
func (p *Partition) restoreCurrentOffset() {
	for i := len(p.segments) - 1; i >= 0; i-- {
		segment := p.segments[i]
		if segment.MessageCount() > 0 {
			p.currentOffset.Store(segment.EndOffset())
			p.hasMessages.Store(true)
			return
		}
	}

	// 旧段都被清理，只剩空的活动段
	if start := p.segments[len(p.segments)-1].StartOffset(); start > 0 {
		p.currentOffset.Store(start - 1)
		p.hasMessages.Store(true)
	}
}

// AppendMessages 分配偏移量和时间戳并追加到活动段
// 未保存的消息达到阈值时在返回前写入磁盘
// 写入失败返回 ErrCannotSaveMessages，此时消息已分配偏移量并保留在内存中，下次保存时重试
func (p *Partition) AppendMessages(messages []*Message) error {
	if err := validateMessages(messages); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := uint64(time.Now().UnixMicro())
	var payloadBytes int
	for _, msg := range messages {
		active, err := p.activeSegmentForAppend()
		if err != nil {
			return err
		}

		offset := uint64(0)
		if p.hasMessages.Load() {
			offset = p.currentOffset.Load() + 1
		}
		msg.Offset = offset
		msg.Timestamp = max(now, active.LastTimestamp())
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}

		if err := active.append([]*Message{msg}); err != nil {
			return err
		}
		p.currentOffset.Store(offset)
		p.hasMessages.Store(true)
		payloadBytes += len(msg.Payload)
	}

	metrics.MessagesAppendedTotal.Add(float64(len(messages)))
	metrics.BytesAppendedTotal.Add(float64(payloadBytes))

	saved, err := p.segments[len(p.segments)-1].persistIfNeeded(p.config.MessagesRequiredToSave)
	metrics.MessagesSavedTotal.Add(float64(saved))
	return err
}

// activeSegmentForAppend 返回可追加的活动段，必要时滚动，调用方持有写锁
func (p *Partition) activeSegmentForAppend() (*Segment, error) {
	active := p.segments[len(p.segments)-1]
	if !active.IsSealed() && (active.MessageCount() == 0 || !p.rollStrategy.ShouldRoll(active)) {
		return active, nil
	}

	saved, err := active.Persist()
	metrics.MessagesSavedTotal.Add(float64(saved))
	if err != nil {
		return nil, err
	}
	active.seal()

	start := p.currentOffset.Load() + 1
	segment, err := createSegment(p.SegmentsPath, start, p.config.Segment.IndexInterval, p.codec, p.persister)
	if err != nil {
		return nil, err
	}
	p.segments = append(p.segments, segment)

	log.Info("分区 %d 滚动到新段, 起始偏移量: %d, 策略: %s, 流: %d, 主题: %d",
		p.ID, start, p.rollStrategy.Name(), p.StreamID, p.TopicID)
	return segment, nil
}

// GetMessagesByOffset 读取从 start 开始的最多 count 条消息
func (p *Partition) GetMessagesByOffset(start uint64, count uint32) ([]*Message, error) {
	if count == 0 || !p.hasMessages.Load() || start > p.CurrentOffset() {
		return []*Message{}, nil
	}

	segments := p.GetSegments()
	idx := sort.Search(len(segments), func(i int) bool {
		return segments[i].StartOffset() > start
	}) - 1
	if idx < 0 {
		idx = 0
	}

	messages := make([]*Message, 0, count)
	for _, segment := range segments[idx:] {
		remaining := int(count) - len(messages)
		if remaining <= 0 {
			break
		}
		batch, err := segment.Read(start, remaining)
		if err != nil {
			return nil, err
		}
		messages = append(messages, batch...)
	}
	return messages, nil
}

// GetMessagesByTimestamp 读取时间戳不小于 timestamp 的最多 count 条消息
func (p *Partition) GetMessagesByTimestamp(timestamp uint64, count uint32) ([]*Message, error) {
	if count == 0 || !p.hasMessages.Load() {
		return []*Message{}, nil
	}

	messages := make([]*Message, 0, count)
	for _, segment := range p.GetSegments() {
		remaining := int(count) - len(messages)
		if remaining <= 0 {
			break
		}
		batch, err := segment.ReadByTimestamp(timestamp, remaining)
		if err != nil {
			return nil, err
		}
		messages = append(messages, batch...)
	}
	return messages, nil
}

// GetFirstMessages 读取最早的 count 条消息
func (p *Partition) GetFirstMessages(count uint32) ([]*Message, error) {
	return p.GetMessagesByOffset(p.firstOffset(), count)
}

// GetLastMessages 读取最新的 count 条消息
func (p *Partition) GetLastMessages(count uint32) ([]*Message, error) {
	current := p.CurrentOffset()
	start := uint64(0)
	if current+1 > uint64(count) {
		start = current + 1 - uint64(count)
	}
	return p.GetMessagesByOffset(max(start, p.firstOffset()), count)
}

// GetNextMessages 读取消费者已提交偏移量之后的消息，未提交过时从头读取
func (p *Partition) GetNextMessages(consumer PollingConsumer, count uint32) ([]*Message, error) {
	offset, ok := p.lookupOffset(consumer)
	if !ok {
		return p.GetFirstMessages(count)
	}
	return p.GetMessagesByOffset(offset+1, count)
}

func (p *Partition) firstOffset() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.segments) == 0 {
		return 0
	}
	return p.segments[0].StartOffset()
}

// PersistMessages 将活动段中未保存的消息写入磁盘，返回写入的消息数量
func (p *Partition) PersistMessages() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.segments) == 0 {
		return 0, nil
	}
	saved, err := p.segments[len(p.segments)-1].Persist()
	metrics.MessagesSavedTotal.Add(float64(saved))
	if err != nil {
		return saved, fmt.Errorf("保存分区 %d 的消息失败: %w", p.ID, err)
	}
	return saved, nil
}

// CleanupSegments 删除清理策略选中的已封存段
// 只删除从最旧开始的连续段，活动段永远保留
func (p *Partition) CleanupSegments(policy CleanupPolicy) (int, error) {
	candidates := policy.ShouldCleanup(p)
	if len(candidates) == 0 {
		return 0, nil
	}
	selected := make(map[*Segment]struct{}, len(candidates))
	for _, segment := range candidates {
		selected[segment] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for removed < len(p.segments)-1 {
		segment := p.segments[removed]
		if _, ok := selected[segment]; !ok {
			break
		}
		if err := segment.Delete(); err != nil {
			p.segments = p.segments[removed:]
			return removed, fmt.Errorf("删除段 %d 失败: %w", segment.StartOffset(), err)
		}
		log.Info("已删除段 %d, 策略: %s, 流: %d, 主题: %d, 分区: %d",
			segment.StartOffset(), policy.Name(), p.StreamID, p.TopicID, p.ID)
		removed++
	}
	p.segments = p.segments[removed:]
	metrics.SegmentsDeletedTotal.Add(float64(removed))
	return removed, nil
}

// Delete 删除分区目录
func (p *Partition) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.RemoveAll(p.Path); err != nil {
		return fmt.Errorf("%w: %d: %w", ErrCannotDeletePartitionDirectory, p.ID, err)
	}
	p.segments = nil
	return nil
}

// GetSegments 返回段列表的快照
func (p *Partition) GetSegments() []*Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	segments := make([]*Segment, len(p.segments))
	copy(segments, p.segments)
	return segments
}

// GetActiveSegment 返回活动段
func (p *Partition) GetActiveSegment() *Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.segments) == 0 {
		return nil
	}
	return p.segments[len(p.segments)-1]
}

// SizeBytes 分区所有段的字节数
func (p *Partition) SizeBytes() int64 {
	var size int64
	for _, segment := range p.GetSegments() {
		size += segment.Size()
	}
	return size
}

// MessagesCount 分区中保留的消息数量
func (p *Partition) MessagesCount() uint64 {
	var count uint64
	for _, segment := range p.GetSegments() {
		count += uint64(segment.MessageCount())
	}
	return count
}
