package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

// ManualCapturePrefix marks payments recorded by an admin rather than the
// processor, e.g. cash collected on delivery.
const ManualCapturePrefix = "manual-"

// Admin exposes the privileged order operations. Every call checks the
// caller's admin flag.
type Admin struct {
	service *Service
	logger  *logrus.Logger
}

func NewAdmin(service *Service, logger *logrus.Logger) *Admin {
	return &Admin{service: service, logger: logger}
}

func (a *Admin) authorize(caller auth.Identity, op string) error {
	if !caller.IsAdmin {
		a.logger.WithFields(logrus.Fields{
			"user_id":   caller.UserID,
			"operation": op,
		}).Warn("Non-admin caller rejected")
		return fmt.Errorf("%w: %s requires admin", ErrForbidden, op)
	}
	return nil
}

func (a *Admin) ListAll(ctx context.Context, caller auth.Identity) ([]*models.Order, error) {
	if err := a.authorize(caller, "list orders"); err != nil {
		return nil, err
	}
	return a.service.ListAll(ctx)
}

func (a *Admin) MarkDelivered(ctx context.Context, caller auth.Identity, id string) (*models.Order, error) {
	if err := a.authorize(caller, "deliver order"); err != nil {
		return nil, err
	}
	return a.service.MarkDelivered(ctx, id)
}

// Cancel passes seenVersion through; 0 cancels whatever version is stored.
func (a *Admin) Cancel(ctx context.Context, caller auth.Identity, id string, seenVersion int64) (*models.Order, error) {
	if err := a.authorize(caller, "cancel order"); err != nil {
		return nil, err
	}
	return a.service.Cancel(ctx, id, seenVersion)
}

// SetStatus dispatches "paid" or "delivered". A manual payment uses a fixed
// capture id per order so repeating it is a no-op.
func (a *Admin) SetStatus(ctx context.Context, caller auth.Identity, id, status string) (*models.Order, error) {
	if err := a.authorize(caller, "set order status"); err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return a.service.MarkPaid(ctx, id, models.ProcessorPayload{
			ID:     ManualCapturePrefix + id,
			Status: DefaultPaymentStatus,
		})
	case "delivered":
		return a.service.MarkDelivered(ctx, id)
	default:
		return nil, validation("unsupported status %q, expected paid or delivered", status)
	}
}
