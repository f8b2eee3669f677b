package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

type KafkaProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return NewKafkaProducerFrom(producer, logger), nil
}

func NewKafkaProducerFrom(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		topic:    LifecycleTopic,
		logger:   logger,
	}
}

// Publish keys messages by order id so every transition of one order lands
// on the same partition in order.
func (p *KafkaProducer) Publish(ctx context.Context, event OrderEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("order_id", event.OrderID).Error("Failed to send message to Kafka")
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     p.topic,
		"partition": partition,
		"offset":    offset,
		"order_id":  event.OrderID,
		"type":      event.Type,
	}).Info("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
