// Package firestore provides a Cloud Firestore implementation of the
// webhook.UserStore interface. The set-if-blank guard runs inside a Firestore
// transaction, which gives the same atomic conditional-update semantics as
// the MongoDB and PostgreSQL backends.
package firestore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gskaplan/imweb-stripe-webhook/pkg/webhook"
)

// Store implements webhook.UserStore using Google Cloud Firestore.
type Store struct {
	client     *firestore.Client
	collection string
}

// Config holds Firestore store configuration.
type Config struct {
	// Collection is the Firestore collection holding user documents
	// Default: "user"
	Collection string
}

// New creates a new Firestore user store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = "user"
	}
	return &Store{client: client, collection: config.Collection}, nil
}

func recordFromData(id string, data map[string]interface{}) *webhook.UserRecord {
	rec := &webhook.UserRecord{ID: id}
	if email, ok := data["email"].(string); ok {
		rec.Email = email
	}
	if md, ok := data["stripeMetadata"].(map[string]interface{}); ok {
		if v, ok := md["customerId"].(string); ok {
			rec.StripeMetadata.CustomerID = v
		}
		if v, ok := md["accountId"].(string); ok {
			rec.StripeMetadata.AccountID = v
		}
	}
	return rec
}

// FindByEmail implements webhook.UserStore.
func (s *Store) FindByEmail(ctx context.Context, email string) (*webhook.UserRecord, error) {
	iter := s.client.Collection(s.collection).
		Where("email", "==", strings.TrimSpace(email)).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, webhook.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return recordFromData(snap.Ref.ID, snap.Data()), nil
}

// FindByID implements webhook.UserStore.
func (s *Store) FindByID(ctx context.Context, id string) (*webhook.UserRecord, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, webhook.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user by id: %w", err)
	}
	if !snap.Exists() {
		return nil, webhook.ErrUserNotFound
	}
	return recordFromData(snap.Ref.ID, snap.Data()), nil
}

// Update implements webhook.UserStore. The read of the current binding and
// the conditional write happen inside one transaction.
func (s *Store) Update(ctx context.Context, selector webhook.UserSelector, fields webhook.UserFields) error {
	if fields.CustomerID == nil && fields.AccountID == nil {
		return nil
	}

	ref := s.client.Collection(s.collection).Doc(selector.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				// Zero matches is silently accepted.
				return nil
			}
			return err
		}

		if selector.CustomerIDBlank {
			current := recordFromData(snap.Ref.ID, snap.Data())
			if current.StripeMetadata.CustomerID != "" {
				return nil
			}
		}

		updates := make([]firestore.Update, 0, 2)
		if fields.CustomerID != nil {
			updates = append(updates, firestore.Update{
				Path: "stripeMetadata.customerId", Value: blankToNil(*fields.CustomerID),
			})
		}
		if fields.AccountID != nil {
			updates = append(updates, firestore.Update{
				Path: "stripeMetadata.accountId", Value: blankToNil(*fields.AccountID),
			})
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func blankToNil(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

var _ webhook.UserStore = (*Store)(nil)
