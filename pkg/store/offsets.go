package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/metrics"
)

// ConsumerOffset 消费者在分区中已提交的偏移量
type ConsumerOffset struct {
	ConsumerID uint32
	Offset     uint64
	Path       string
}

// consumerOffsetEntry 单个消费者的偏移量，有自己的读写锁
type consumerOffsetEntry struct {
	value ConsumerOffset
	mu    sync.RWMutex
}

// consumerOffsets 一类消费者的偏移量表
// 表锁保护映射结构，条目锁保护偏移量值，加锁顺序总是先表后条目
type consumerOffsets struct {
	kind    ConsumerKind
	dir     string
	entries map[uint32]*consumerOffsetEntry
	mu      sync.RWMutex
}

func newConsumerOffsets(kind ConsumerKind, dir string) *consumerOffsets {
	return &consumerOffsets{
		kind:    kind,
		dir:     dir,
		entries: make(map[uint32]*consumerOffsetEntry),
	}
}

func (o *consumerOffsets) path(consumerID uint32) string {
	return filepath.Join(o.dir, strconv.FormatUint(uint64(consumerID), 10))
}

func (o *consumerOffsets) get(consumerID uint32) (uint64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, ok := o.entries[consumerID]
	if !ok {
		return 0, false
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.value.Offset, true
}

// update 更新已存在的条目，条目不存在时返回 false
// 只持有表的读锁，返回前释放
func (o *consumerOffsets) update(consumerID uint32, offset uint64, persister Persister) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, ok := o.entries[consumerID]
	if !ok {
		return false, nil
	}
	return true, entry.store(offset, persister)
}

// insert 首次保存时在表写锁下插入
// 写锁下重新检查，并发的首次保存只会创建一个条目
func (o *consumerOffsets) insert(consumerID uint32, offset uint64, persister Persister) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entry, ok := o.entries[consumerID]; ok {
		return entry.store(offset, persister)
	}

	entry := &consumerOffsetEntry{
		value: ConsumerOffset{
			ConsumerID: consumerID,
			Path:       o.path(consumerID),
		},
	}
	if err := entry.store(offset, persister); err != nil {
		return err
	}
	o.entries[consumerID] = entry
	return nil
}

// store 先持久化再更新内存，持久化失败时内存值不变
func (e *consumerOffsetEntry) store(offset uint64, persister Persister) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := persister.Overwrite(e.value.Path, encodeOffset(offset)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCannotSaveConsumerOffset, e.value.Path, err)
	}
	e.value.Offset = offset
	return nil
}

func (o *consumerOffsets) remove(consumerID uint32, persister Persister) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[consumerID]
	if !ok {
		return nil
	}
	delete(o.entries, consumerID)
	return persister.Delete(entry.value.Path)
}

func (o *consumerOffsets) snapshot() []ConsumerOffset {
	o.mu.RLock()
	defer o.mu.RUnlock()

	offsets := make([]ConsumerOffset, 0, len(o.entries))
	for _, entry := range o.entries {
		entry.mu.RLock()
		offsets = append(offsets, entry.value)
		entry.mu.RUnlock()
	}
	return offsets
}

func encodeOffset(offset uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, offset)
	return buf
}

func readOffsetFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 8)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (p *Partition) offsetsFor(kind ConsumerKind) *consumerOffsets {
	switch kind {
	case ConsumerKindConsumer:
		return p.consumerOffsets
	case ConsumerKindGroup:
		return p.consumerGroupOffsets
	default:
		return nil
	}
}

// GetOffset 返回消费者已提交的偏移量，未提交过返回 0
func (p *Partition) GetOffset(consumer PollingConsumer) uint64 {
	offset, _ := p.lookupOffset(consumer)
	return offset
}

// lookupOffset 区分未提交和提交了偏移量 0
func (p *Partition) lookupOffset(consumer PollingConsumer) (uint64, bool) {
	offsets := p.offsetsFor(consumer.Kind)
	if offsets == nil {
		return 0, false
	}
	return offsets.get(consumer.ID)
}

// StoreOffset 提交消费者偏移量
// 偏移量大于分区当前偏移量时返回 ErrInvalidOffset，不做截断
func (p *Partition) StoreOffset(consumer PollingConsumer, offset uint64) error {
	current := p.CurrentOffset()
	if offset > current {
		return fmt.Errorf("%w: %d, 当前偏移量: %d, 分区: %d", ErrInvalidOffset, offset, current, p.ID)
	}

	offsets := p.offsetsFor(consumer.Kind)
	if offsets == nil {
		return fmt.Errorf("%w: %d", ErrInvalidConsumerKind, consumer.Kind)
	}

	updated, err := offsets.update(consumer.ID, offset, p.persister)
	if !updated {
		err = offsets.insert(consumer.ID, offset, p.persister)
	}
	if err != nil {
		return err
	}

	metrics.OffsetsStored.WithLabelValues(consumer.Kind.String()).Inc()
	log.Debug("已保存 %s 的偏移量 %d, 流: %d, 主题: %d, 分区: %d",
		consumer, offset, p.StreamID, p.TopicID, p.ID)
	return nil
}

// DeleteOffset 删除消费者的偏移量及其文件
func (p *Partition) DeleteOffset(consumer PollingConsumer) error {
	offsets := p.offsetsFor(consumer.Kind)
	if offsets == nil {
		return fmt.Errorf("%w: %d", ErrInvalidConsumerKind, consumer.Kind)
	}
	return offsets.remove(consumer.ID, p.persister)
}

// ConsumerOffsets 返回某类消费者的全部偏移量
func (p *Partition) ConsumerOffsets(kind ConsumerKind) []ConsumerOffset {
	offsets := p.offsetsFor(kind)
	if offsets == nil {
		return nil
	}
	return offsets.snapshot()
}

// LoadOffsets 从偏移量目录加载某类消费者的偏移量
// 文件名不是数字或者无法读取的条目记录日志后跳过，目录无法读取时返回错误
func (p *Partition) LoadOffsets(kind ConsumerKind) error {
	offsets := p.offsetsFor(kind)
	if offsets == nil {
		return fmt.Errorf("%w: %d", ErrInvalidConsumerKind, kind)
	}

	dirEntries, err := os.ReadDir(offsets.dir)
	if err != nil {
		return fmt.Errorf("%w: 分区: %d: %w", ErrCannotReadConsumerOffsets, p.ID, err)
	}

	current := p.CurrentOffset()
	loaded := make(map[uint32]*consumerOffsetEntry, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		info, err := dirEntry.Info()
		if err != nil {
			log.Error("读取偏移量文件 '%s' 的元数据失败: %v", name, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		consumerID, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			log.Error("无效的消费者ID文件名: '%s', 分区: %d", name, p.ID)
			continue
		}

		path := filepath.Join(offsets.dir, name)
		offset, err := readOffsetFile(path)
		if err != nil {
			log.Error("读取偏移量文件 '%s' 失败: %v", path, err)
			continue
		}
		if offset > current {
			log.Warn("%s %d 的偏移量 %d 大于分区 %d 的当前偏移量 %d", kind, consumerID, offset, p.ID, current)
		}

		loaded[uint32(consumerID)] = &consumerOffsetEntry{
			value: ConsumerOffset{
				ConsumerID: uint32(consumerID),
				Offset:     offset,
				Path:       path,
			},
		}
		log.Debug("已加载 %s %d 的偏移量 %d, 分区: %d", kind, consumerID, offset, p.ID)
	}

	offsets.mu.Lock()
	for id, entry := range loaded {
		offsets.entries[id] = entry
	}
	offsets.mu.Unlock()
	return nil
}
