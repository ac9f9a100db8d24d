package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "lstream"
var subsystem = "broker"

var (
	// StartupTime 启动加载耗时（秒）
	StartupTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "startup_seconds",
		Help:      "Seconds taken to load all streams from disk",
	})

	// Streams 当前流的数量
	Streams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "streams",
		Help:      "Number of streams",
	})

	// MessagesAppendedTotal 追加的消息数量
	MessagesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "messages_appended_total",
		Help:      "Number of messages appended to partitions",
	})

	// BytesAppendedTotal 追加的负载字节数
	BytesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_appended_total",
		Help:      "Payload bytes appended to partitions",
	})

	// MessagesPolledTotal 按拉取策略统计拉取的消息数量
	MessagesPolledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "messages_polled_total",
		Help:      "Number of messages returned to consumers partitioned by polling strategy",
	}, []string{"strategy"})

	// MessagesSavedTotal 写入磁盘的消息数量
	MessagesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "messages_saved_total",
		Help:      "Number of buffered messages persisted to segment files",
	})

	// OffsetsStored 按消费者类型统计提交偏移量的次数
	OffsetsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "offsets_stored_total",
		Help:      "Number of consumer offsets stored partitioned by consumer kind",
	}, []string{"kind"})

	// SegmentsDeletedTotal 保留策略删除的段数量
	SegmentsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "segments_deleted_total",
		Help:      "Number of sealed segments removed by the retention cleaner",
	})

	// SaveDuration 后台保存一轮的耗时
	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "save_duration_seconds",
		Help:      "Time taken by one run of the message saver",
	})
)
