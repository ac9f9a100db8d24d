package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/protocol"
	"github.com/eason-lee/lstream/pkg/store"
)

var ErrProducerClosed = errors.New("producer closed")

// Appender 追加消息的接口，由 broker.Broker 实现
type Appender interface {
	AppendMessages(streamID, topicID protocol.Identifier, partitioning protocol.Partitioning, messages []*store.Message) (uint32, error)
}

type ProducerConfig struct {
	Stream       protocol.Identifier
	Topic        protocol.Identifier
	Partitioning protocol.Partitioning
	BatchSize    int           // 缓冲多少条消息后发送
	LingerTime   time.Duration // 缓冲消息的最长等待时间，0 表示只按数量发送
}

// Producer 进程内的批量生产者
type Producer struct {
	config   *ProducerConfig
	appender Appender
	batch    []*store.Message
	closed   bool
	mu       sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProducer(appender Appender, config *ProducerConfig) (*Producer, error) {
	if appender == nil {
		return nil, fmt.Errorf("必须指定 broker")
	}
	if config.Stream.Kind == 0 || config.Topic.Kind == 0 {
		return nil, fmt.Errorf("必须指定流和主题")
	}
	if config.Partitioning.Kind == 0 {
		config.Partitioning = protocol.BalancedPartitioning()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}

	p := &Producer{
		config:   config,
		appender: appender,
		batch:    make([]*store.Message, 0, config.BatchSize),
	}

	if config.LingerTime > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.wg.Add(1)
		go p.lingerLoop(ctx)
	}
	return p, nil
}

// Send 缓冲消息，缓冲区满时发送整批
func (p *Producer) Send(payloads ...[]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}
	for _, payload := range payloads {
		if len(payload) == 0 {
			return store.ErrEmptyPayload
		}
		p.batch = append(p.batch, store.NewMessage(payload))
		if len(p.batch) >= p.config.BatchSize {
			if err := p.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush 立即发送缓冲的消息
func (p *Producer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Producer) flushLocked() error {
	if len(p.batch) == 0 {
		return nil
	}

	partitionID, err := p.appender.AppendMessages(p.config.Stream, p.config.Topic, p.config.Partitioning, p.batch)
	if err != nil {
		return fmt.Errorf("发送 %d 条消息失败: %w", len(p.batch), err)
	}
	log.Debug("已发送 %d 条消息到流 %s 主题 %s 分区 %d",
		len(p.batch), p.config.Stream, p.config.Topic, partitionID)

	p.batch = make([]*store.Message, 0, p.config.BatchSize)
	return nil
}

// lingerLoop 定时发送未满的批次
func (p *Producer) lingerLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.LingerTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				log.Error("定时发送消息失败: %v", err)
			}
		}
	}
}

// Buffered 缓冲区中的消息数量
func (p *Producer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batch)
}

// Close 发送剩余消息并关闭生产者
func (p *Producer) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.flushLocked()
}
