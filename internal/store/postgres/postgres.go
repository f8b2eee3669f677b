package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

type Store struct {
	config Config
	logger *logrus.Logger

	mutex sync.RWMutex
	db    *sql.DB

	migrated bool
}

var _ store.Durable = (*Store)(nil)

func New(config Config, logger *logrus.Logger) *Store {
	return &Store{config: config, logger: logger}
}

func (s *Store) Host() string {
	return s.config.Host + ":" + s.config.Port
}

func (s *Store) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", s.config.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return store.Unavailable("connect", err)
	}

	if err := s.migrate(ctx, db); err != nil {
		db.Close()
		return err
	}

	s.mutex.Lock()
	previous := s.db
	s.db = db
	s.mutex.Unlock()

	if previous != nil {
		previous.Close()
	}

	s.logger.WithField("host", s.Host()).Info("Database connection established")
	return nil
}

// migrate runs the embedded goose migrations the first time a connection
// succeeds. Connect is single-flight under the availability monitor.
func (s *Store) migrate(ctx context.Context, db *sql.DB) error {
	if s.migrated {
		return nil
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(s.logger)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return classify("migrate", err)
	}

	s.migrated = true
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("postgres not connected: %w", store.ErrUnavailable)
	}
	return s.db, nil
}

const orderColumns = `id, user_id, items, shipping_address, payment_method,
	items_price, tax_price, shipping_price, total_price, status,
	is_paid, paid_at, payment_result, is_delivered, delivered_at, cancelled_at,
	version, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	result, err := jsonOrNull(order.PaymentResult)
	if err != nil {
		return err
	}

	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err = db.ExecContext(ctx, query,
		order.ID, order.UserID, string(items), string(address), string(order.PaymentMethod),
		order.ItemsPrice, order.TaxPrice, order.ShippingPrice, order.TotalPrice, string(order.Status),
		order.IsPaid, order.PaidAt, result, order.IsDelivered, order.DeliveredAt, order.CancelledAt,
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	return classify("create order", err)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get order", err)
	}
	return order, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *Store) ListOrders(ctx context.Context) ([]*models.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
}

func (s *Store) listOrders(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list orders", err)
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, classify("scan order", err)
		}
		orders = append(orders, order)
	}
	return orders, classify("list orders", rows.Err())
}

// UpdateOrder only writes lifecycle columns; line items, address and prices
// are fixed at creation.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	result, err := jsonOrNull(order.PaymentResult)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `UPDATE orders SET
			status = $3, is_paid = $4, paid_at = $5, payment_result = $6,
			is_delivered = $7, delivered_at = $8, cancelled_at = $9,
			version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2`
	res, err := db.ExecContext(ctx, query,
		order.ID, expectedVersion,
		string(order.Status), order.IsPaid, order.PaidAt, result,
		order.IsDelivered, order.DeliveredAt, order.CancelledAt, now,
	)
	if err != nil {
		return classify("update order", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify("update order", err)
	}
	if affected == 0 {
		var version int64
		err := db.QueryRowContext(ctx, `SELECT version FROM orders WHERE id = $1`, order.ID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("order %s: %w", order.ID, store.ErrNotFound)
		}
		if err != nil {
			return classify("update order", err)
		}
		return fmt.Errorf("order %s at version %d, expected %d: %w",
			order.ID, version, expectedVersion, store.ErrVersionConflict)
	}

	order.Version = expectedVersion + 1
	order.UpdatedAt = now
	return nil
}

const userColumns = `id, email, name, password_hash, is_admin, last_login_at, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, newUser store.NewUser) (*models.User, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	user, err := newUser.Build(time.Now().UTC())
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.Name, user.PasswordHash, user.IsAdmin, user.LastLoginAt, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, classify("create user", err)
	}
	return user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, store.NormalizeEmail(email))
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *Store) findUser(ctx context.Context, query string, key string) (*models.User, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var (
		user      models.User
		lastLogin sql.NullTime
	)
	err = db.QueryRowContext(ctx, query, key).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.IsAdmin,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("find user", err)
	}
	user.LastLoginAt = timePtr(lastLogin)
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`UPDATE users SET email = $2, name = $3, password_hash = $4, is_admin = $5, last_login_at = $6, updated_at = $7 WHERE id = $1`,
		user.ID, store.NormalizeEmail(user.Email), user.Name, user.PasswordHash, user.IsAdmin, user.LastLoginAt, now)
	if err != nil {
		return classify("update user", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("user %s: %w", user.ID, store.ErrNotFound)
	}
	user.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		order                            models.Order
		items, address, result           []byte
		paymentMethod, status            string
		paidAt, deliveredAt, cancelledAt sql.NullTime
	)

	err := row.Scan(
		&order.ID, &order.UserID, &items, &address, &paymentMethod,
		&order.ItemsPrice, &order.TaxPrice, &order.ShippingPrice, &order.TotalPrice, &status,
		&order.IsPaid, &paidAt, &result, &order.IsDelivered, &deliveredAt, &cancelledAt,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	if len(result) > 0 {
		order.PaymentResult = &models.PaymentResult{}
		if err := json.Unmarshal(result, order.PaymentResult); err != nil {
			return nil, fmt.Errorf("failed to decode payment result: %w", err)
		}
	}

	order.PaymentMethod = models.PaymentMethod(paymentMethod)
	order.Status = models.Status(status)
	order.PaidAt = timePtr(paidAt)
	order.DeliveredAt = timePtr(deliveredAt)
	order.CancelledAt = timePtr(cancelledAt)
	return &order, nil
}

// jsonOrNull encodes v as a JSON string parameter; lib/pq would send a
// []byte as bytea, which JSONB columns reject.
func jsonOrNull(v *models.PaymentResult) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment result: %w", err)
	}
	return string(data), nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// classify maps driver errors onto the store taxonomy. Connection-level
// failures become ErrUnavailable so the availability monitor can react.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, store.ErrDuplicateKey, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return store.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return store.Unavailable(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
