// Package payment reconciles processor captures with stored orders. The
// server side records confirmations; the client side runs the checkout flow
// and the bounded confirmation poll.
package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/internal/orders"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrProcessor is a failed capture at the external processor. The order
// stays unpaid and the caller may retry.
var ErrProcessor = errors.New("payment processor error")

type Reconciler struct {
	service *orders.Service
	logger  *logrus.Logger
}

func NewReconciler(service *orders.Service, logger *logrus.Logger) *Reconciler {
	return &Reconciler{service: service, logger: logger}
}

// Confirm records a capture reported by the order's owner.
func (r *Reconciler) Confirm(ctx context.Context, caller auth.Identity, orderID string, payload models.ProcessorPayload) (*models.Order, error) {
	if _, err := r.service.Get(ctx, caller, orderID); err != nil {
		return nil, err
	}
	return r.record(ctx, "client", orderID, payload)
}

// ConfirmFromProcessor records a capture delivered by the processor itself.
// Authenticity is checked by the caller.
func (r *Reconciler) ConfirmFromProcessor(ctx context.Context, orderID string, payload models.ProcessorPayload) (*models.Order, error) {
	return r.record(ctx, "webhook", orderID, payload)
}

func (r *Reconciler) record(ctx context.Context, source, orderID string, payload models.ProcessorPayload) (*models.Order, error) {
	order, err := r.service.MarkPaid(ctx, orderID, payload)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"order_id":   orderID,
			"capture_id": payload.ID,
			"source":     source,
			"error":      err.Error(),
		}).Warn("Payment confirmation not applied")
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"capture_id": payload.ID,
		"source":     source,
	}).Info("Payment confirmation recorded")
	return order, nil
}

// PublicError extends orders.PublicError with processor failures.
func PublicError(err error) (int, string) {
	if errors.Is(err, ErrProcessor) {
		return http.StatusBadGateway, "payment processor error, please retry"
	}
	return orders.PublicError(err)
}
