// Package mongo is the document-store alternative to the postgres Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	ordersCollection = "orders"
	usersCollection  = "users"
)

type Store struct {
	uri      string
	database string
	logger   *logrus.Logger

	mutex  sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Durable = (*Store)(nil)

func New(uri, database string, logger *logrus.Logger) *Store {
	return &Store{uri: uri, database: database, logger: logger}
}

// Host returns the URI host without credentials.
func (s *Store) Host() string {
	u, err := url.Parse(s.uri)
	if err != nil || u.Host == "" {
		return "mongo"
	}
	return u.Host
}

func (s *Store) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return classify("connect", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return store.Unavailable("connect", err)
	}

	db := client.Database(s.database)
	_, err = db.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return classify("create index", err)
	}

	s.mutex.Lock()
	previous := s.client
	s.client = client
	s.db = db
	s.mutex.Unlock()

	if previous != nil {
		previous.Disconnect(context.Background())
	}

	s.logger.WithField("host", s.Host()).Info("MongoDB connection established")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mutex.RLock()
	client := s.client
	s.mutex.RUnlock()

	if client == nil {
		return fmt.Errorf("mongo not connected: %w", store.ErrUnavailable)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client = nil
	s.db = nil
	return err
}

func (s *Store) collection(name string) (*mongo.Collection, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("mongo not connected: %w", store.ErrUnavailable)
	}
	return s.db.Collection(name), nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	coll, err := s.collection(ordersCollection)
	if err != nil {
		return err
	}
	_, err = coll.InsertOne(ctx, order)
	return classify("create order", err)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	coll, err := s.collection(ordersCollection)
	if err != nil {
		return nil, err
	}

	var order models.Order
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get order", err)
	}
	return &order, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.findOrders(ctx, bson.M{"userId": userID})
}

func (s *Store) ListOrders(ctx context.Context) ([]*models.Order, error) {
	return s.findOrders(ctx, bson.M{})
}

func (s *Store) findOrders(ctx context.Context, filter bson.M) ([]*models.Order, error) {
	coll, err := s.collection(ordersCollection)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, classify("list orders", err)
	}
	defer cursor.Close(ctx)

	orders := make([]*models.Order, 0)
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, classify("list orders", err)
	}
	return orders, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error {
	coll, err := s.collection(ordersCollection)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	update := updateDocument(order, expectedVersion, now)

	res, err := coll.UpdateOne(ctx, bson.M{"_id": order.ID, "version": expectedVersion}, update)
	if err != nil {
		return classify("update order", err)
	}

	if res.MatchedCount == 0 {
		count, err := coll.CountDocuments(ctx, bson.M{"_id": order.ID})
		if err != nil {
			return classify("update order", err)
		}
		if count == 0 {
			return fmt.Errorf("order %s: %w", order.ID, store.ErrNotFound)
		}
		return fmt.Errorf("order %s, expected version %d: %w", order.ID, expectedVersion, store.ErrVersionConflict)
	}

	order.Version = expectedVersion + 1
	order.UpdatedAt = now
	return nil
}

func (s *Store) CreateUser(ctx context.Context, newUser store.NewUser) (*models.User, error) {
	coll, err := s.collection(usersCollection)
	if err != nil {
		return nil, err
	}

	user, err := newUser.Build(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if _, err := coll.InsertOne(ctx, user); err != nil {
		return nil, classify("create user", err)
	}
	return user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"email": store.NormalizeEmail(email)})
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	coll, err := s.collection(usersCollection)
	if err != nil {
		return nil, err
	}

	var user models.User
	err = coll.FindOne(ctx, filter).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("user: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("find user", err)
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	coll, err := s.collection(usersCollection)
	if err != nil {
		return err
	}

	user.Email = store.NormalizeEmail(user.Email)
	user.UpdatedAt = time.Now().UTC()
	res, err := coll.ReplaceOne(ctx, bson.M{"_id": user.ID}, user)
	if err != nil {
		return classify("update user", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user %s: %w", user.ID, store.ErrNotFound)
	}
	return nil
}

// updateDocument sets the lifecycle fields and unsets the optional ones that
// are nil, so a stored document never carries explicit nulls.
func updateDocument(order *models.Order, expectedVersion int64, now time.Time) bson.M {
	set := bson.M{
		"status":      order.Status,
		"isPaid":      order.IsPaid,
		"isDelivered": order.IsDelivered,
		"version":     expectedVersion + 1,
		"updatedAt":   now,
	}
	unset := bson.M{}
	optional := map[string]interface{}{
		"paidAt":        order.PaidAt,
		"paymentResult": order.PaymentResult,
		"deliveredAt":   order.DeliveredAt,
		"cancelledAt":   order.CancelledAt,
	}
	for field, value := range optional {
		if isNil(value) {
			unset[field] = ""
		} else {
			set[field] = value
		}
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func isNil(v interface{}) bool {
	switch t := v.(type) {
	case *time.Time:
		return t == nil
	case *models.PaymentResult:
		return t == nil
	}
	return v == nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w: %w", op, store.ErrDuplicateKey, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		return store.Unavailable(op, err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("RetryableWriteError") {
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
