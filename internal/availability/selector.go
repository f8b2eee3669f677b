package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

type Mode string

const (
	// ModeStrict fails requests while the durable store is unreachable.
	ModeStrict Mode = "strict"
	// ModePermissive serves requests from the in-memory fallback instead.
	ModePermissive Mode = "permissive"
)

// Selector is the Store every consumer uses. Each call is routed to the
// durable store or the fallback depending on the monitor state.
type Selector struct {
	monitor  *Monitor
	durable  store.Durable
	fallback store.Store
	mode     Mode
	logger   *logrus.Logger
}

var _ store.Store = (*Selector)(nil)

func NewSelector(monitor *Monitor, durable store.Durable, fallback store.Store, mode Mode, logger *logrus.Logger) *Selector {
	if mode != ModePermissive {
		mode = ModeStrict
	}
	return &Selector{
		monitor:  monitor,
		durable:  durable,
		fallback: fallback,
		mode:     mode,
		logger:   logger,
	}
}

func (s *Selector) Mode() Mode {
	return s.mode
}

// Usable reports whether requests can currently be served.
func (s *Selector) Usable() bool {
	return s.mode == ModePermissive || s.monitor.State() == StateConnected
}

// Degraded reports whether requests are currently served by the fallback.
func (s *Selector) Degraded() bool {
	return s.mode == ModePermissive && s.monitor.State() != StateConnected
}

func (s *Selector) do(op string, fn func(store.Store) error) error {
	if s.monitor.State() == StateConnected {
		err := fn(s.durable)
		if err == nil || !errors.Is(err, store.ErrUnavailable) {
			return err
		}

		s.monitor.ReportFailure(err)
		if s.mode != ModePermissive {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"operation": op,
			"error":     err.Error(),
		}).Warn("Durable store failed, serving from in-memory fallback")
		return fn(s.fallback)
	}

	if s.mode == ModePermissive {
		return fn(s.fallback)
	}
	return fmt.Errorf("%s: %w", op, store.ErrUnavailable)
}

// doKeyed is do for lookups by key. In permissive mode a key the durable
// store does not know is retried against the fallback, which still holds
// whatever was written during an outage.
func (s *Selector) doKeyed(op string, fn func(store.Store) error) error {
	err := s.do(op, fn)
	if s.mode != ModePermissive || !errors.Is(err, store.ErrNotFound) || s.monitor.State() != StateConnected {
		return err
	}
	if fallbackErr := fn(s.fallback); fallbackErr == nil {
		s.logger.WithField("operation", op).Info("Served from records written during an outage")
		return nil
	}
	return err
}

// FallbackOrderIDs lists the orders held by the in-memory fallback. They are
// not copied into the durable store when it reconnects.
func (s *Selector) FallbackOrderIDs(ctx context.Context) []string {
	if s.mode != ModePermissive {
		return nil
	}
	orders, err := s.fallback.ListOrders(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list fallback orders")
		return nil
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	if len(ids) > 0 {
		s.logger.WithFields(logrus.Fields{
			"count":     len(ids),
			"order_ids": ids,
		}).Warn("Orders written during the outage remain in the in-memory fallback")
	}
	return ids
}

func (s *Selector) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.do("create order", func(st store.Store) error {
		return st.CreateOrder(ctx, order)
	})
}

func (s *Selector) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order *models.Order
	err := s.doKeyed("get order", func(st store.Store) error {
		var err error
		order, err = st.GetOrder(ctx, id)
		return err
	})
	return order, err
}

func (s *Selector) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.do("list orders", func(st store.Store) error {
		var err error
		orders, err = st.ListOrdersByUser(ctx, userID)
		return err
	})
	return orders, err
}

func (s *Selector) ListOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.do("list orders", func(st store.Store) error {
		var err error
		orders, err = st.ListOrders(ctx)
		return err
	})
	return orders, err
}

func (s *Selector) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error {
	return s.doKeyed("update order", func(st store.Store) error {
		return st.UpdateOrder(ctx, order, expectedVersion)
	})
}

func (s *Selector) CreateUser(ctx context.Context, newUser store.NewUser) (*models.User, error) {
	var user *models.User
	err := s.do("create user", func(st store.Store) error {
		var err error
		user, err = st.CreateUser(ctx, newUser)
		return err
	})
	return user, err
}

func (s *Selector) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user *models.User
	err := s.doKeyed("find user", func(st store.Store) error {
		var err error
		user, err = st.FindUserByEmail(ctx, email)
		return err
	})
	return user, err
}

func (s *Selector) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	var user *models.User
	err := s.doKeyed("find user", func(st store.Store) error {
		var err error
		user, err = st.FindUserByID(ctx, id)
		return err
	})
	return user, err
}

func (s *Selector) UpdateUser(ctx context.Context, user *models.User) error {
	return s.doKeyed("update user", func(st store.Store) error {
		return st.UpdateUser(ctx, user)
	})
}
