// Package orders implements the order lifecycle: creation, payment,
// delivery and cancellation, each applied as a version-checked update.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/internal/events"
	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPaymentStatus is recorded when the processor payload has none.
	DefaultPaymentStatus = "COMPLETED"

	defaultMaxRetries = 3
)

type Service struct {
	store      store.OrderStore
	publisher  events.Publisher
	catalog    Catalog
	onApplied  func(eventType events.EventType)
	maxRetries int
	now        func() time.Time
	logger     *logrus.Logger
}

func NewService(orders store.OrderStore, logger *logrus.Logger) *Service {
	return &Service{
		store:      orders,
		publisher:  events.Nop{},
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

func (s *Service) SetPublisher(publisher events.Publisher) {
	s.publisher = publisher
}

// SetCatalog enables server-side item resolution against the catalog.
func (s *Service) SetCatalog(catalog Catalog) {
	s.catalog = catalog
}

// SetTransitionHook registers a callback run after every applied transition.
func (s *Service) SetTransitionHook(hook func(eventType events.EventType)) {
	s.onApplied = hook
}

func (s *Service) Create(ctx context.Context, caller auth.Identity, req models.CreateOrderRequest) (*models.Order, error) {
	if caller.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	items := req.Items
	if s.catalog != nil {
		resolved, err := resolveItems(ctx, s.catalog, req.Items)
		if err != nil {
			return nil, err
		}
		items = resolved
	}

	breakdown, err := Price(items, req.TaxPrice, req.ShippingPrice)
	if err != nil {
		return nil, err
	}
	if !breakdown.Matches(req.TotalPrice) {
		s.logger.WithFields(logrus.Fields{
			"user_id":        caller.UserID,
			"client_total":   req.TotalPrice,
			"computed_total": breakdown.Total.String(),
		}).Warn("Client total does not match computed price, using computed")
	}

	now := s.now()
	order := &models.Order{
		ID:              uuid.New().String(),
		UserID:          caller.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Status:          models.StatusCreated,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	breakdown.Apply(order)

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"user_id":        order.UserID,
		"total_price":    order.TotalPrice,
		"items_count":    len(order.Items),
		"payment_method": order.PaymentMethod,
	}).Info("Order created")

	s.applied(ctx, events.OrderCreated, order)
	return order, nil
}

func validateCreate(req models.CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return validation("no order items")
	}

	var missing []string
	addr := req.ShippingAddress
	for field, value := range map[string]string{
		"address":    addr.Address,
		"city":       addr.City,
		"postalCode": addr.PostalCode,
		"country":    addr.Country,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return validation("shipping address missing %s", strings.Join(missing, ", "))
	}

	if !req.PaymentMethod.Valid() {
		return validation("unsupported payment method %q", req.PaymentMethod)
	}
	return nil
}

// Get returns the order if the caller owns it or is an admin.
func (s *Service) Get(ctx context.Context, caller auth.Identity, id string) (*models.Order, error) {
	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, id)
	}
	return order, nil
}

func (s *Service) ListForUser(ctx context.Context, caller auth.Identity) ([]*models.Order, error) {
	if caller.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	orders, err := s.store.ListOrdersByUser(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// ListAll is privileged; Admin guards it.
func (s *Service) ListAll(ctx context.Context) ([]*models.Order, error) {
	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// MarkPaid records a processor capture. Replaying the same capture id
// returns the stored order without side effects.
func (s *Service) MarkPaid(ctx context.Context, id string, payload models.ProcessorPayload) (*models.Order, error) {
	if strings.TrimSpace(payload.ID) == "" {
		return nil, validation("payment capture id is required")
	}

	return s.mutate(ctx, id, true, 0, events.OrderPaid, func(order *models.Order, now time.Time) (bool, error) {
		switch order.Status {
		case models.StatusPaid, models.StatusDelivered:
			if order.PaymentResult != nil && order.PaymentResult.ExternalID == payload.ID {
				return false, nil
			}
			return false, invalidTransition("order %s is already paid by another capture", order.ID)
		case models.StatusCancelled:
			return false, invalidTransition("order %s is cancelled", order.ID)
		}

		paidAt := now
		order.Status = models.StatusPaid
		order.IsPaid = true
		order.PaidAt = &paidAt
		order.PaymentResult = paymentResult(payload, now)
		return true, nil
	})
}

func paymentResult(payload models.ProcessorPayload, now time.Time) *models.PaymentResult {
	result := &models.PaymentResult{
		ExternalID: payload.ID,
		Status:     payload.Status,
		UpdateTime: payload.UpdateTime,
		PayerEmail: payload.PayerEmail(),
	}
	if result.Status == "" {
		result.Status = DefaultPaymentStatus
	}
	if result.UpdateTime == "" {
		result.UpdateTime = now.Format(time.RFC3339)
	}
	return result
}

// MarkDelivered requires a paid order.
func (s *Service) MarkDelivered(ctx context.Context, id string) (*models.Order, error) {
	return s.mutate(ctx, id, true, 0, events.OrderDelivered, func(order *models.Order, now time.Time) (bool, error) {
		switch order.Status {
		case models.StatusPaid:
		case models.StatusCreated:
			return false, invalidTransition("order %s is not paid", order.ID)
		case models.StatusDelivered:
			return false, invalidTransition("order %s is already delivered", order.ID)
		default:
			return false, invalidTransition("order %s is %s", order.ID, strings.ToLower(string(order.Status)))
		}

		deliveredAt := now
		order.Status = models.StatusDelivered
		order.IsDelivered = true
		order.DeliveredAt = &deliveredAt
		return true, nil
	})
}

// Cancel applies only to the version the caller saw. When seenVersion is 0
// it applies to the current version. Either way it is not retried: a
// transition landing first turns it into ErrConflict.
func (s *Service) Cancel(ctx context.Context, id string, seenVersion int64) (*models.Order, error) {
	if seenVersion < 0 {
		return nil, validation("order version must not be negative")
	}
	return s.mutate(ctx, id, false, seenVersion, events.OrderCancelled, func(order *models.Order, now time.Time) (bool, error) {
		if order.IsDelivered || order.Status == models.StatusDelivered {
			return false, invalidTransition("order %s is already delivered", order.ID)
		}
		if order.Status == models.StatusCancelled {
			return false, invalidTransition("order %s is already cancelled", order.ID)
		}

		cancelledAt := now
		order.Status = models.StatusCancelled
		order.CancelledAt = &cancelledAt
		return true, nil
	})
}

// transition mutates order in place and reports whether anything changed.
type transition func(order *models.Order, now time.Time) (bool, error)

// mutate reloads and re-applies on a version conflict when retry is set.
// A non-zero pinned version must match the stored one.
func (s *Service) mutate(ctx context.Context, id string, retry bool, pinned int64, eventType events.EventType, apply transition) (*models.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		expected := order.Version
		if pinned != 0 && expected != pinned {
			s.logger.WithFields(logrus.Fields{
				"order_id": id,
				"seen":     pinned,
				"current":  expected,
				"status":   order.Status,
			}).Warn("Order changed since the caller read it")
			return nil, fmt.Errorf("%w: %s is at version %d, not %d", ErrConflict, id, expected, pinned)
		}
		from := order.Status

		changed, err := apply(order, s.now())
		if err != nil {
			return nil, err
		}
		if !changed {
			return order, nil
		}

		err = s.store.UpdateOrder(ctx, order, expected)
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"order_id": order.ID,
				"from":     from,
				"to":       order.Status,
				"version":  order.Version,
			}).Info("Order transition applied")
			s.applied(ctx, eventType, order)
			return order, nil
		}

		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to update order: %w", err)
		}
		if !retry || attempt >= s.maxRetries {
			s.logger.WithFields(logrus.Fields{
				"order_id": id,
				"attempt":  attempt,
			}).Warn("Order transition lost to a concurrent update")
			return nil, fmt.Errorf("%w: %s", ErrConflict, id)
		}

		s.logger.WithFields(logrus.Fields{
			"order_id": id,
			"attempt":  attempt,
		}).Debug("Version conflict, reloading order")
	}
}

func (s *Service) load(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

func (s *Service) applied(ctx context.Context, eventType events.EventType, order *models.Order) {
	if s.onApplied != nil {
		s.onApplied(eventType)
	}
	if err := s.publisher.Publish(ctx, events.NewOrderEvent(eventType, order)); err != nil {
		s.logger.WithFields(logrus.Fields{
			"order_id": order.ID,
			"type":     eventType,
			"error":    err.Error(),
		}).Error("Failed to publish order event")
	}
}
