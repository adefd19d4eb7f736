package statuschannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaConfig Kafka 状态通道配置
type KafkaConfig struct {
	Brokers []string      `mapstructure:"brokers"`
	Topic   string        `mapstructure:"topic"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultStatusTopic 默认状态主题
const DefaultStatusTopic = "vault_tx_status"

// KafkaSubscriber 从状态主题消费消息，按消息 key（关联ID）过滤
type KafkaSubscriber struct {
	consumer sarama.Consumer
	topic    string
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewKafkaSubscriber 连接 Kafka 并创建状态通道
func NewKafkaSubscriber(cfg KafkaConfig, logger *logrus.Logger) (*KafkaSubscriber, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.Infof("初始化Kafka状态通道，brokers: %v, topic: %s", cfg.Brokers, cfg.Topic)

	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_8_0_0

	consumer, err := sarama.NewConsumer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者失败: %w", err)
	}
	return NewKafkaSubscriberWithConsumer(consumer, cfg, logger), nil
}

// NewKafkaSubscriberWithConsumer 使用已有消费者创建状态通道
func NewKafkaSubscriberWithConsumer(consumer sarama.Consumer, cfg KafkaConfig, logger *logrus.Logger) *KafkaSubscriber {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultStatusTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &KafkaSubscriber{
		consumer: consumer,
		topic:    cfg.Topic,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Subscribe 从所有分区的最新位置开始消费，直到终止状态、超时或取消
func (k *KafkaSubscriber) Subscribe(ctx context.Context, id string, onMessage Handler) (Unsubscribe, error) {
	partitions, err := k.consumer.Partitions(k.topic)
	if err != nil {
		return nil, fmt.Errorf("获取主题分区失败: %w", err)
	}

	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	closeAll := func() {
		for _, pc := range pcs {
			pc.AsyncClose()
		}
	}
	for _, p := range partitions {
		pc, err := k.consumer.ConsumePartition(k.topic, p, sarama.OffsetNewest)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("消费分区 %d 失败: %w", p, err)
		}
		pcs = append(pcs, pc)
	}

	sub := newSubscription(ctx, id, k.timeout, onMessage)
	sub.onClose = closeAll
	log := k.logger.WithFields(logrus.Fields{"tx_id": id, "topic": k.topic})
	log.Debugf("已订阅交易状态，分区数: %d", len(pcs))

	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			k.consume(sub, pc, log)
		}(pc)
	}

	go func() {
		<-sub.ctx.Done()
		sub.expire()
		sub.close()
		wg.Wait()
		log.Debug("交易状态订阅已结束")
	}()

	return sub.close, nil
}

func (k *KafkaSubscriber) consume(sub *subscription, pc sarama.PartitionConsumer, log *logrus.Entry) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			log.WithError(err).Warn("消费状态主题出错")
		case m, ok := <-pc.Messages():
			if !ok {
				return
			}
			if string(m.Key) != sub.id {
				continue
			}
			msg, err := Decode(m.Value)
			if err != nil {
				log.WithError(err).Warn("忽略无法解析的状态消息")
				continue
			}
			if sub.deliver(msg) {
				sub.cancel()
				return
			}
		}
	}
}

// Close 关闭底层消费者
func (k *KafkaSubscriber) Close() error {
	return k.consumer.Close()
}
