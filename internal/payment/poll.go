package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollAttempts = 3
	DefaultPollInterval = time.Second
)

type Outcome int

const (
	// OutcomeNotRequired means the payment method needs no capture.
	OutcomeNotRequired Outcome = iota
	OutcomeConfirmed
	OutcomeUnverified
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotRequired:
		return "not_required"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeUnverified:
		return "unverified"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OrderReader is the read side the poll needs. orders.Client satisfies it.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
}

type PollConfig struct {
	Attempts int
	Interval time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultPollAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	return c
}

type PollResult struct {
	Outcome Outcome
	Order   *models.Order
	Polls   int
}

// ConfirmationPoll waits for a payment to show up on an order. It reads the
// order at t=0, D, 2D ... for N attempts and never runs longer than N*D.
// It only reads; an unverified result leaves the order as it is.
type ConfirmationPoll struct {
	reader  OrderReader
	orderID string
	config  PollConfig
	logger  *logrus.Logger

	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error

	mutex     sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func NewConfirmationPoll(reader OrderReader, orderID string, config PollConfig, logger *logrus.Logger) *ConfirmationPoll {
	return &ConfirmationPoll{
		reader:  reader,
		orderID: orderID,
		config:  config.withDefaults(),
		logger:  logger,
		wait:    sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops a running poll. A poll cancelled before Run returns at once.
func (p *ConfirmationPoll) Cancel() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.cancelled = true
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *ConfirmationPoll) isCancelled() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.cancelled
}

func (p *ConfirmationPoll) Run(ctx context.Context) PollResult {
	bound := time.Duration(p.config.Attempts) * p.config.Interval
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	p.mutex.Lock()
	if p.cancelled {
		p.mutex.Unlock()
		return PollResult{Outcome: OutcomeCancelled}
	}
	p.cancel = cancel
	p.mutex.Unlock()

	result := PollResult{Outcome: OutcomeUnverified}

	for attempt := 1; attempt <= p.config.Attempts; attempt++ {
		if attempt > 1 {
			if err := p.wait(ctx, p.config.Interval); err != nil {
				return p.stopped(ctx, result)
			}
		}

		result.Polls = attempt
		order, err := p.reader.GetOrder(ctx, p.orderID)
		if err != nil {
			if ctx.Err() != nil {
				return p.stopped(ctx, result)
			}
			p.logger.WithFields(logrus.Fields{
				"order_id": p.orderID,
				"attempt":  attempt,
				"error":    err.Error(),
			}).Warn("Confirmation poll read failed")
			continue
		}

		result.Order = order
		if order.IsPaid {
			result.Outcome = OutcomeConfirmed
			p.logger.WithFields(logrus.Fields{
				"order_id": p.orderID,
				"attempt":  attempt,
			}).Info("Payment confirmed")
			return result
		}
	}

	p.logger.WithFields(logrus.Fields{
		"order_id": p.orderID,
		"attempts": p.config.Attempts,
	}).Warn("Payment unverified after polling")
	return result
}

// stopped distinguishes an exhausted wall-clock bound from a cancellation.
func (p *ConfirmationPoll) stopped(ctx context.Context, result PollResult) PollResult {
	if p.isCancelled() || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Outcome = OutcomeCancelled
		return result
	}
	result.Outcome = OutcomeUnverified
	return result
}
