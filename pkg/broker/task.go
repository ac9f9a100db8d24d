package broker

import (
	"context"
	"time"

	"github.com/eason-lee/lstream/pkg/log"
	"github.com/eason-lee/lstream/pkg/metrics"
)

// StartSaverTask 启动定期保存未落盘消息的任务
func (b *Broker) StartSaverTask(ctx context.Context, interval time.Duration) {
	b.runTask(ctx, "message saver", interval, func() {
		start := time.Now()
		saved, err := b.PersistMessages()
		metrics.SaveDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			log.Error("保存消息失败: %v", err)
			return
		}
		if saved > 0 {
			log.Debug("已保存 %d 条消息", saved)
		}
	})
}

// StartCleanupTask 启动定期按保留策略清理段的任务
func (b *Broker) StartCleanupTask(ctx context.Context, interval time.Duration) {
	b.runTask(ctx, "message cleaner", interval, func() {
		removed, err := b.CleanupSegments()
		if err != nil {
			log.Error("清理段失败: %v", err)
		}
		if removed > 0 {
			log.Info("已清理 %d 个段", removed)
		}
	})
}

func (b *Broker) runTask(ctx context.Context, name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer ticker.Stop()
		log.Info("已启动 %s, 间隔 %s", name, interval)
		for {
			select {
			case <-ctx.Done():
				log.Info("已停止 %s", name)
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
