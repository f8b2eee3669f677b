package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/stylestore/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record version conflict")
	ErrDuplicateKey    = errors.New("duplicate unique key")
	ErrUnavailable     = errors.New("store unavailable")
)

// HashCost is the bcrypt work factor for stored secrets.
var HashCost = bcrypt.DefaultCost

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error)
	ListOrders(ctx context.Context) ([]*models.Order, error)
	// UpdateOrder writes order only if the stored version still equals
	// expectedVersion. On success order.Version is expectedVersion+1.
	UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user NewUser) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
}

type Store interface {
	OrderStore
	UserStore
}

// Durable is a Store backed by an external server whose connection is
// managed by the availability monitor.
type Durable interface {
	Store
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	Host() string
}

type NewUser struct {
	Email    string
	Name     string
	Password string
	IsAdmin  bool
}

// Build validates the request and produces the record to persist with the
// secret replaced by its bcrypt hash.
func (n NewUser) Build(now time.Time) (*models.User, error) {
	email := NormalizeEmail(n.Email)
	if email == "" {
		return nil, fmt.Errorf("user email is required")
	}
	if n.Password == "" {
		return nil, fmt.Errorf("user password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(n.Password), HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         n.Name,
		PasswordHash: string(hash),
		IsAdmin:      n.IsAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func CheckPassword(user *models.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// Unavailable wraps a driver connectivity failure so callers can detect it
// with errors.Is(err, ErrUnavailable) and still see the cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
