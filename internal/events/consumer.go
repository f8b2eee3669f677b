package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaConsumer relays lifecycle events from the broker to a local Handler,
// so every service instance can push updates for orders mutated elsewhere.
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       Handler
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandler struct {
	handler Handler
	logger  *logrus.Logger
}

func NewKafkaConsumer(brokers, groupID string, handler Handler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, config)
	if err != nil {
		return nil, err
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		handler:       handler,
		logger:        logger,
		topics:        []string{LifecycleTopic},
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler: c.handler,
		logger:  c.logger,
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			h.logger.WithFields(logrus.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
				"key":       string(message.Key),
			}).Debug("Received Kafka message")

			if err := h.handleMessage(message); err != nil {
				h.logger.WithError(err).Error("Failed to handle message")
			}
			// Push notifications are best effort; a bad message is not redelivered.
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleMessage(message *sarama.ConsumerMessage) error {
	if message.Topic != LifecycleTopic {
		h.logger.WithField("topic", message.Topic).Warn("Unknown topic received")
		return nil
	}

	var event OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return err
	}
	return h.handler.HandleOrderEvent(event)
}
