// Package memory is the non-durable Store used in degraded mode. Records live
// only as long as the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/pkg/models"
)

type Store struct {
	mutex   sync.RWMutex
	orders  map[string]*models.Order
	users   map[string]*models.User
	byEmail map[string]string
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:  make(map[string]*models.Order),
		users:   make(map[string]*models.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("order %s: %w", order.ID, store.ErrDuplicateKey)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return order.Clone(), nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*models.Order, 0)
	for _, order := range s.orders {
		if order.UserID == userID {
			out = append(out, order.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*models.Order, 0, len(s.orders))
	for _, order := range s.orders {
		out = append(out, order.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, store.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("order %s at version %d, expected %d: %w",
			order.ID, current.Version, expectedVersion, store.ErrVersionConflict)
	}

	order.Version = expectedVersion + 1
	order.UpdatedAt = s.now()
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *Store) CreateUser(ctx context.Context, newUser store.NewUser) (*models.User, error) {
	user, err := newUser.Build(s.now())
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byEmail[user.Email]; exists {
		return nil, fmt.Errorf("user %s: %w", user.Email, store.ErrDuplicateKey)
	}
	s.users[user.ID] = cloneUser(user)
	s.byEmail[user.Email] = user.ID
	return user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, ok := s.byEmail[store.NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, store.ErrNotFound)
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return cloneUser(user), nil
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", user.ID, store.ErrNotFound)
	}

	email := store.NormalizeEmail(user.Email)
	if email != current.Email {
		if _, taken := s.byEmail[email]; taken {
			return fmt.Errorf("user %s: %w", email, store.ErrDuplicateKey)
		}
		delete(s.byEmail, current.Email)
		s.byEmail[email] = user.ID
	}

	user.Email = email
	user.UpdatedAt = s.now()
	s.users[user.ID] = cloneUser(user)
	return nil
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func sortNewestFirst(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
