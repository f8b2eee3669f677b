package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/stylestore/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	groupID := getEnv("KAFKA_GROUP_ID", "order-events-monitor")

	printer := &eventPrinter{out: os.Stdout, logger: logger}
	consumer, err := events.NewKafkaConsumer(kafkaBrokers, groupID, printer, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create lifecycle consumer")
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("topic", events.LifecycleTopic).Info("Order event monitor started")

	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Lifecycle consumer stopped")
	}

	logger.Info("Shutting down order event monitor...")
}

type eventPrinter struct {
	out    io.Writer
	logger *logrus.Logger
}

func (p *eventPrinter) HandleOrderEvent(event events.OrderEvent) error {
	p.logger.WithFields(logrus.Fields{
		"type":     event.Type,
		"order_id": event.OrderID,
		"user_id":  event.UserID,
		"version":  event.Version,
	}).Debug("Order event received")

	fmt.Fprintf(p.out, "\n=== %s ===\n", event.Type)
	fmt.Fprintf(p.out, "Time:    %s\n", event.EventTime.Format(time.RFC3339))
	fmt.Fprintf(p.out, "Order:   %s (v%d)\n", event.OrderID, event.Version)
	fmt.Fprintf(p.out, "User:    %s\n", event.UserID)
	fmt.Fprintf(p.out, "Status:  %s\n", event.Status)
	fmt.Fprintf(p.out, "Total:   %.2f\n", event.TotalPrice)
	if event.Order != nil && event.Order.PaymentResult != nil {
		fmt.Fprintf(p.out, "Capture: %s\n", event.Order.PaymentResult.ExternalID)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
