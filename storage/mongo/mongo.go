// Package mongo provides a MongoDB implementation of the webhook.UserStore
// interface. User records live in a single collection with the Stripe binding
// kept in a stripeMetadata sub-document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gskaplan/imweb-stripe-webhook/pkg/webhook"
)

// Store implements webhook.UserStore using MongoDB. The client is long-lived:
// construct one per process and reuse it across invocations.
type Store struct {
	client *mongo.Client
	users  *mongo.Collection
	config Config
}

// Config holds MongoDB store configuration.
type Config struct {
	// URI is the MongoDB connection string.
	URI string

	// Database is the database name (default: "imweb")
	Database string

	// Collection is the user collection name (default: "user")
	Collection string

	// Pool configuration
	MinPoolSize     uint64
	MaxPoolSize     uint64
	MaxConnIdleTime time.Duration

	// Timeouts
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Database:        "imweb",
		Collection:      "user",
		MinPoolSize:     2,
		MaxPoolSize:     20,
		MaxConnIdleTime: 60 * time.Second,
		ConnectTimeout:  5 * time.Second,
		SocketTimeout:   5 * time.Second,
	}
}

// New connects to MongoDB and returns a user store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("connection URI is required")
	}
	defaults := DefaultConfig()
	if config.Database == "" {
		config.Database = defaults.Database
	}
	if config.Collection == "" {
		config.Collection = defaults.Collection
	}
	if config.MinPoolSize == 0 {
		config.MinPoolSize = defaults.MinPoolSize
	}
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = defaults.MaxPoolSize
	}
	if config.MaxConnIdleTime == 0 {
		config.MaxConnIdleTime = defaults.MaxConnIdleTime
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.SocketTimeout == 0 {
		config.SocketTimeout = defaults.SocketTimeout
	}

	opts := options.Client().
		ApplyURI(config.URI).
		SetMinPoolSize(config.MinPoolSize).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMaxConnIdleTime(config.MaxConnIdleTime).
		SetConnectTimeout(config.ConnectTimeout).
		SetTimeout(config.SocketTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &Store{
		client: client,
		users:  client.Database(config.Database).Collection(config.Collection),
		config: config,
	}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type userDocument struct {
	ID             primitive.ObjectID `bson:"_id"`
	Email          string             `bson:"email"`
	StripeMetadata stripeMetadata     `bson:"stripeMetadata"`
}

type stripeMetadata struct {
	CustomerID string `bson:"customerId"`
	AccountID  string `bson:"accountId"`
}

func (d *userDocument) record() *webhook.UserRecord {
	return &webhook.UserRecord{
		ID:    d.ID.Hex(),
		Email: d.Email,
		StripeMetadata: webhook.StripeMetadata{
			CustomerID: d.StripeMetadata.CustomerID,
			AccountID:  d.StripeMetadata.AccountID,
		},
	}
}

// FindByEmail implements webhook.UserStore.
func (s *Store) FindByEmail(ctx context.Context, email string) (*webhook.UserRecord, error) {
	var doc userDocument
	err := s.users.FindOne(ctx, bson.M{"email": strings.TrimSpace(email)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, webhook.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return doc.record(), nil
}

// FindByID implements webhook.UserStore. A malformed id cannot match any
// record and is reported as not found.
func (s *Store) FindByID(ctx context.Context, id string) (*webhook.UserRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, webhook.ErrUserNotFound
	}

	var doc userDocument
	err = s.users.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, webhook.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by id: %w", err)
	}
	return doc.record(), nil
}

// Update implements webhook.UserStore. The blank-customer predicate rides in
// the update filter, so set-if-blank is a single atomic document update and
// matching zero documents is silently accepted.
func (s *Store) Update(ctx context.Context, selector webhook.UserSelector, fields webhook.UserFields) error {
	oid, err := primitive.ObjectIDFromHex(selector.ID)
	if err != nil {
		// No record can match; accepted like any other zero-match update.
		return nil
	}

	filter := bson.M{"_id": oid}
	if selector.CustomerIDBlank {
		filter["stripeMetadata.customerId"] = bson.M{"$in": bson.A{nil, ""}}
	}

	set := bson.M{}
	if fields.CustomerID != nil {
		set["stripeMetadata.customerId"] = blankToNil(*fields.CustomerID)
	}
	if fields.AccountID != nil {
		set["stripeMetadata.accountId"] = blankToNil(*fields.AccountID)
	}
	if len(set) == 0 {
		return nil
	}

	if _, err := s.users.UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// blankToNil stores cleared fields as null, so both null and missing read
// back as an unbound customer.
func blankToNil(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

var _ webhook.UserStore = (*Store)(nil)
