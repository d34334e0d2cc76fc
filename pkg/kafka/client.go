// Package kafka 提供了向 Kafka 发布文件状态事件的生产者。
package kafka

import (
	"context"
	"encoding/json"

	"knowpipe-go/internal/config"
	"knowpipe-go/pkg/events"
	"knowpipe-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// Producer 封装了状态事件的 Kafka 生产者。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: writer}
}

// NotifyStatus 发布一条文件状态事件。以内容摘要为 key，同一文件的事件保持分区内有序。
func (p *Producer) NotifyStatus(event events.FileStatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorf("序列化状态事件失败: %v", err)
		return
	}

	err = p.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(event.ContentHash),
		Value: payload,
	})
	if err != nil {
		// 事件发布失败不影响管道本身的持久化状态
		log.Errorf("发布状态事件到 Kafka 失败 (hash=%s, status=%s): %v", event.ContentHash, event.Status, err)
	}
}

// Close 关闭底层的 Kafka writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}
