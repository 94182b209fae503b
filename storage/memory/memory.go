// Package memory provides in-memory implementations of the webhook.UserStore
// and webhook.ProductCache interfaces, for tests and local development.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/gskaplan/imweb-stripe-webhook/pkg/webhook"
)

// UserStore implements webhook.UserStore with a mutex-guarded map.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]webhook.UserRecord
}

// NewUserStore creates an empty in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]webhook.UserRecord)}
}

// Add seeds a record, keyed by its ID. Mainly for tests and examples.
func (s *UserStore) Add(record webhook.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[record.ID] = record
}

// FindByEmail implements webhook.UserStore.
func (s *UserStore) FindByEmail(_ context.Context, email string) (*webhook.UserRecord, error) {
	email = strings.TrimSpace(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, webhook.ErrUserNotFound
}

// FindByID implements webhook.UserStore.
func (s *UserStore) FindByID(_ context.Context, id string) (*webhook.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, webhook.ErrUserNotFound
	}
	out := u
	return &out, nil
}

// Update implements webhook.UserStore. The selector is checked and the fields
// applied under a single lock, so set-if-blank is atomic here just as it is
// in the real backends.
func (s *UserStore) Update(_ context.Context, selector webhook.UserSelector, fields webhook.UserFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[selector.ID]
	if !ok {
		// Zero matches is silently accepted.
		return nil
	}
	if selector.CustomerIDBlank && u.StripeMetadata.CustomerID != "" {
		return nil
	}

	if fields.CustomerID != nil {
		u.StripeMetadata.CustomerID = *fields.CustomerID
	}
	if fields.AccountID != nil {
		u.StripeMetadata.AccountID = *fields.AccountID
	}
	s.users[selector.ID] = u
	return nil
}

// ProductCache implements webhook.ProductCache with a mutex-guarded map.
type ProductCache struct {
	mu      sync.RWMutex
	entries map[string]webhook.ProductDetails
}

// NewProductCache creates an empty in-memory product cache.
func NewProductCache() *ProductCache {
	return &ProductCache{entries: make(map[string]webhook.ProductDetails)}
}

func cacheKey(productID, accountID string) string {
	key := "product::" + productID
	if accountID != "" {
		key += "::" + accountID
	}
	return key
}

// Put implements webhook.ProductCache.
func (c *ProductCache) Put(_ context.Context, productID, accountID string, details webhook.ProductDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(productID, accountID)] = details
	return nil
}

// Evict implements webhook.ProductCache.
func (c *ProductCache) Evict(_ context.Context, productID, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(productID, accountID))
	return nil
}

// Get returns the cached entry, or nil when absent.
func (c *ProductCache) Get(_ context.Context, productID, accountID string) (*webhook.ProductDetails, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[cacheKey(productID, accountID)]
	if !ok {
		return nil, nil
	}
	out := d
	return &out, nil
}

var (
	_ webhook.UserStore    = (*UserStore)(nil)
	_ webhook.ProductCache = (*ProductCache)(nil)
)
