// Package events 将交易生命周期的每次阶段变化输出到 Kafka 或本地文件。
package events

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"vaultflow/pkg/models"
)

// Sink 生命周期事件输出
type Sink interface {
	Publish(event models.LifecycleEvent) error
	Close() error
}

// Config 事件输出配置
type Config struct {
	Type  string      `mapstructure:"type"` // kafka, file, none
	Kafka KafkaConfig `mapstructure:"kafka"`
	File  FileConfig  `mapstructure:"file"`
}

// KafkaConfig Kafka输出配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// FileConfig 文件输出配置
type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

// NewSink 根据配置创建事件输出
func NewSink(cfg Config, logger *logrus.Logger) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return NoopSink{}, nil
	case "kafka":
		brokers := cfg.Kafka.Brokers
		// 环境变量优先
		if env := os.Getenv("KAFKA_BROKERS"); env != "" {
			brokers = strings.Split(env, ",")
		}
		if len(brokers) == 0 {
			brokers = []string{"localhost:9092"}
		}
		return NewKafkaSink(brokers, cfg.Kafka.Topic, logger)
	case "file":
		return NewFileSink(cfg.File.Dir, logger)
	default:
		return nil, fmt.Errorf("不支持的事件输出类型: %s", cfg.Type)
	}
}

// NoopSink 丢弃所有事件
type NoopSink struct{}

func (NoopSink) Publish(models.LifecycleEvent) error { return nil }
func (NoopSink) Close() error                        { return nil }

// Publisher 跟踪器观察者：每次阶段变化生成一条事件
type Publisher struct {
	sink   Sink
	logger *logrus.Logger

	mu        sync.Mutex
	published int
	failed    int
}

// NewPublisher 创建事件发布者
func NewPublisher(sink Sink, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{sink: sink, logger: logger}
}

// Observe 实现 tracker.Observer
func (p *Publisher) Observe(prev, next models.LifecycleState) {
	if !next.Active() {
		return
	}
	// 同一生命周期内只有阶段或哈希变化才产生事件
	if prev.CorrelationID == next.CorrelationID && prev.Phase == next.Phase && prev.Hash == next.Hash {
		return
	}

	event := models.LifecycleEvent{
		CorrelationID: next.CorrelationID,
		Type:          next.Type,
		Phase:         next.Phase,
		Error:         next.Error,
		Hash:          next.Hash,
		VaultAddress:  next.VaultAddress,
		Timestamp:     next.UpdatedAt,
	}

	err := p.sink.Publish(event)

	p.mu.Lock()
	if err != nil {
		p.failed++
	} else {
		p.published++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"correlation_id": event.CorrelationID,
			"phase":          event.Phase,
		}).WithError(err).Warn("发布生命周期事件失败")
	}
}

// Stats 发布统计
func (p *Publisher) Stats() (published, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}
