package store

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/eason-lee/lstream/pkg/compression"
	"github.com/eason-lee/lstream/pkg/log"
)

const (
	DataFileSuffix  = ".log"
	IndexFileSuffix = ".index"
)

// pendingRecord 已分配偏移量但尚未写入磁盘的记录
type pendingRecord struct {
	msg   *Message
	frame []byte
}

// Segment 表示一个日志段
// 只有分区的最后一个段可以追加，封存后的段不再变化
type Segment struct {
	startOffset   uint64 // 段的起始偏移量
	endOffset     uint64 // 段内最后一条消息的偏移量
	messageCount  int
	size          int64 // 已保存字节数加未保存记录的字节数
	savedSize     int64
	savedCount    int
	dataPath      string
	indexPath     string
	ct            time.Time
	lastTimestamp uint64
	sealed        bool
	failed        error // 写入失败且无法回滚后不再接受追加
	unsaved       []pendingRecord
	sparseIndex   *SparseIndex
	persister     Persister
	codec         compression.Codec
	mu            sync.RWMutex
}

func segmentPaths(dir string, startOffset uint64) (string, string) {
	name := fmt.Sprintf("%020d", startOffset)
	return filepath.Join(dir, name+DataFileSuffix), filepath.Join(dir, name+IndexFileSuffix)
}

func newSegment(dir string, startOffset uint64, indexInterval int, codec compression.Codec, persister Persister) *Segment {
	dataPath, indexPath := segmentPaths(dir, startOffset)
	return &Segment{
		startOffset: startOffset,
		endOffset:   startOffset,
		dataPath:    dataPath,
		indexPath:   indexPath,
		ct:          time.Now(),
		sparseIndex: NewSparseIndex(indexInterval),
		persister:   persister,
		codec:       codec,
	}
}

// createSegment 创建新段并生成空的数据文件和索引文件
func createSegment(dir string, startOffset uint64, indexInterval int, codec compression.Codec, persister Persister) (*Segment, error) {
	s := newSegment(dir, startOffset, indexInterval, codec, persister)
	if err := persister.Append(s.dataPath, nil); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCannotCreateSegmentFiles, s.dataPath, err)
	}
	if err := persister.Append(s.indexPath, nil); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCannotCreateSegmentFiles, s.indexPath, err)
	}
	return s, nil
}

// loadSegment 扫描数据文件恢复段状态并重建稀疏索引
// repairTail 为 true 时截断末尾不完整的记录，否则返回 ErrCorruptedSegment
func loadSegment(dir string, startOffset uint64, indexInterval int, codec compression.Codec, persister Persister, repairTail bool) (*Segment, error) {
	s := newSegment(dir, startOffset, indexInterval, codec, persister)

	f, err := os.Open(s.dataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCannotReadSegments, s.dataPath, err)
	}
	defer f.Close()

	var (
		validSize      int64
		firstTimestamp uint64
		broken         bool
		entries        []SparseIndexEntry
	)
	_, scanErr := readRecords(f, func(msg *Message, position int64, size int64) bool {
		expected := startOffset
		if s.messageCount > 0 {
			expected = s.endOffset + 1
		}
		if msg.Offset != expected {
			broken = true
			return false
		}

		if s.sparseIndex.ShouldIndex(msg.Offset - startOffset) {
			entries = append(entries, SparseIndexEntry{Offset: msg.Offset, Position: position, Timestamp: msg.Timestamp})
		}
		if s.messageCount == 0 {
			firstTimestamp = msg.Timestamp
		}
		s.messageCount++
		s.endOffset = msg.Offset
		s.lastTimestamp = msg.Timestamp
		validSize = position + size
		return true
	})

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCannotReadSegments, s.dataPath, err)
	}

	if scanErr != nil || broken || info.Size() != validSize {
		if !repairTail {
			return nil, fmt.Errorf("%w: %s 在位置 %d", ErrCorruptedSegment, s.dataPath, validSize)
		}
		log.Warn("段 %s 末尾存在不完整的记录，从位置 %d 截断 (原大小 %d)", s.dataPath, validSize, info.Size())
		if err := os.Truncate(s.dataPath, validSize); err != nil {
			return nil, fmt.Errorf("%w: 截断段失败: %s: %w", ErrCorruptedSegment, s.dataPath, err)
		}
	}

	stored, err := LoadSparseIndex(s.indexPath, indexInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCannotReadSegments, s.indexPath, err)
	}
	if !slices.Equal(stored.Entries(), entries) {
		log.Warn("段索引 %s 与数据不一致，重建索引 (%d -> %d 条)", s.indexPath, stored.Len(), len(entries))
		if err := persister.Overwrite(s.indexPath, encodeSparseIndexEntries(entries)); err != nil {
			return nil, fmt.Errorf("%w: 重建索引失败: %s: %w", ErrCannotCreateSegmentFiles, s.indexPath, err)
		}
	}
	s.sparseIndex.Add(entries...)

	s.size = validSize
	s.savedSize = validSize
	s.savedCount = s.messageCount
	if s.messageCount > 0 {
		s.ct = time.UnixMicro(int64(firstTimestamp))
	}
	return s, nil
}

// readRecords 顺序读取记录，fn 返回 false 时停止
// 返回成功读取的字节数
func readRecords(r io.Reader, fn func(msg *Message, position int64, size int64) bool) (int64, error) {
	reader := bufio.NewReader(r)
	header := make([]byte, recordHeaderSize)
	var read int64

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return read, nil
			}
			return read, fmt.Errorf("%w: 记录头部不完整: %v", ErrCorruptedSegment, err)
		}

		length, err := recordLength(header)
		if err != nil {
			return read, err
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(reader, body); err != nil {
			return read, fmt.Errorf("%w: 记录不完整: %v", ErrCorruptedSegment, err)
		}

		msg, err := decodeRecord(body)
		if err != nil {
			return read, err
		}

		position := read
		size := int64(recordHeaderSize + length)
		read += size
		if !fn(msg, position, size) {
			return read, nil
		}
	}
}

// append 追加已分配偏移量和时间戳的消息到未保存缓冲区
func (s *Segment) append(messages []*Message) error {
	records := make([]pendingRecord, 0, len(messages))
	for _, msg := range messages {
		msg.Checksum = crc32.ChecksumIEEE(msg.Payload)
		encoded, err := s.codec.Encode(msg.Payload)
		if err != nil {
			return fmt.Errorf("压缩消息失败: %w", err)
		}
		frame := encodeRecord(msg, s.codec.Algorithm(), encoded)
		if len(frame)-recordHeaderSize > maxRecordSize {
			return fmt.Errorf("%w: offset %d, 记录 %d 字节", ErrTooBigMessage, msg.Offset, len(frame)-recordHeaderSize)
		}
		records = append(records, pendingRecord{msg: msg, frame: frame})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return fmt.Errorf("%w: %s: %w", ErrCannotSaveMessages, s.dataPath, s.failed)
	}
	for _, record := range records {
		s.unsaved = append(s.unsaved, record)
		s.messageCount++
		s.endOffset = record.msg.Offset
		s.lastTimestamp = record.msg.Timestamp
		s.size += int64(len(record.frame))
	}
	return nil
}

// persistIfNeeded 未保存的消息达到阈值时写入磁盘
func (s *Segment) persistIfNeeded(required int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.unsaved) < required {
		return 0, nil
	}
	return s.persistLocked()
}

// Persist 将未保存的消息写入磁盘，返回写入的消息数量
func (s *Segment) Persist() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// 数据写入失败时把数据文件截断回 savedSize，未保存的记录留在缓冲区等待下次写入
func (s *Segment) persistLocked() (int, error) {
	if s.failed != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrCannotSaveMessages, s.dataPath, s.failed)
	}
	if len(s.unsaved) == 0 {
		return 0, nil
	}

	var (
		data    []byte
		entries []SparseIndexEntry
	)
	position := s.savedSize
	for _, record := range s.unsaved {
		if s.sparseIndex.ShouldIndex(record.msg.Offset - s.startOffset) {
			entries = append(entries, SparseIndexEntry{
				Offset:    record.msg.Offset,
				Position:  position,
				Timestamp: record.msg.Timestamp,
			})
		}
		data = append(data, record.frame...)
		position += int64(len(record.frame))
	}

	if err := s.persister.Append(s.dataPath, data); err != nil {
		if truncErr := rollbackFile(s.dataPath, s.savedSize); truncErr != nil {
			s.failed = truncErr
			log.Error("段 %s 写入失败后回滚失败，段不再接受追加: %v", s.dataPath, truncErr)
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrCannotSaveMessages, s.dataPath, err)
	}

	count := len(s.unsaved)
	indexSize := int64(s.sparseIndex.Len() * sparseIndexEntrySize)
	s.savedSize = position
	s.savedCount += count
	s.unsaved = nil
	s.sparseIndex.Add(entries...)

	// 索引写入失败时数据已经落盘，内存索引有效，加载时会按数据重建索引文件
	if len(entries) > 0 {
		if err := s.persister.Append(s.indexPath, encodeSparseIndexEntries(entries)); err != nil {
			if truncErr := rollbackFile(s.indexPath, indexSize); truncErr != nil {
				log.Warn("段索引 %s 回滚失败: %v", s.indexPath, truncErr)
			}
			return count, fmt.Errorf("%w: %s: %w", ErrCannotSaveMessages, s.indexPath, err)
		}
	}
	return count, nil
}

// rollbackFile 把文件截断回最后一次成功写入后的大小
func rollbackFile(path string, size int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == size {
		return nil
	}
	return os.Truncate(path, size)
}

// Read 读取从 offset 开始的最多 count 条消息
func (s *Segment) Read(offset uint64, count int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.messageCount == 0 || count <= 0 || offset > s.endOffset {
		return nil, nil
	}
	if offset < s.startOffset {
		offset = s.startOffset
	}

	var messages []*Message
	savedEnd := s.startOffset + uint64(s.savedCount)
	if s.savedCount > 0 && offset < savedEnd {
		position := s.sparseIndex.FindPosition(offset)
		err := s.scan(position, func(msg *Message) bool {
			if msg.Offset < offset {
				return true
			}
			messages = append(messages, msg)
			return len(messages) < count
		})
		if err != nil {
			return nil, err
		}
	}

	for _, record := range s.unsaved {
		if len(messages) >= count {
			break
		}
		if record.msg.Offset >= offset {
			messages = append(messages, cloneMessage(record.msg))
		}
	}
	return messages, nil
}

// ReadByTimestamp 读取时间戳不小于 timestamp 的最多 count 条消息
func (s *Segment) ReadByTimestamp(timestamp uint64, count int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.messageCount == 0 || count <= 0 || s.lastTimestamp < timestamp {
		return nil, nil
	}

	var messages []*Message
	if s.savedCount > 0 {
		position := s.sparseIndex.FindPositionByTimestamp(timestamp)
		err := s.scan(position, func(msg *Message) bool {
			if msg.Timestamp < timestamp {
				return true
			}
			messages = append(messages, msg)
			return len(messages) < count
		})
		if err != nil {
			return nil, err
		}
	}

	for _, record := range s.unsaved {
		if len(messages) >= count {
			break
		}
		if record.msg.Timestamp >= timestamp {
			messages = append(messages, cloneMessage(record.msg))
		}
	}
	return messages, nil
}

// scan 从数据文件的指定位置开始扫描已保存的记录
func (s *Segment) scan(position int64, fn func(msg *Message) bool) error {
	f, err := os.Open(s.dataPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCannotReadSegments, s.dataPath, err)
	}
	defer f.Close()

	section := io.NewSectionReader(f, position, s.savedSize-position)
	_, err = readRecords(section, func(msg *Message, _ int64, _ int64) bool {
		return fn(msg)
	})
	return err
}

// Delete 删除段的数据文件和索引文件
func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persister.Delete(s.dataPath); err != nil {
		return err
	}
	return s.persister.Delete(s.indexPath)
}

func (s *Segment) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

func (s *Segment) StartOffset() uint64 {
	return s.startOffset
}

// EndOffset 段内最后一条消息的偏移量，空段返回起始偏移量
func (s *Segment) EndOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endOffset
}

func (s *Segment) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageCount
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Segment) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ct
}

func (s *Segment) LastTimestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTimestamp
}

func (s *Segment) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *Segment) UnsavedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.unsaved)
}

func cloneMessage(msg *Message) *Message {
	cp := *msg
	return &cp
}
