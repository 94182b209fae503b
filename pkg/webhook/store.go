package webhook

import "context"

// UserRecord is an internal user document as seen by the receiver. Only the
// identity fields and the Stripe binding sub-document are modeled; anything
// else the record carries is opaque to this package.
type UserRecord struct {
	ID             string
	Email          string
	StripeMetadata StripeMetadata
}

// StripeMetadata is the Stripe binding sub-document on a user record.
// CustomerID is assigned at most once by the creation paths and cleared by
// customer deletion, after which rebinding is legitimate.
type StripeMetadata struct {
	CustomerID string
	AccountID  string
}

// UserSelector identifies at most one user record for a conditional update.
type UserSelector struct {
	// ID is the exact-match record identifier.
	ID string

	// CustomerIDBlank restricts the match to records whose customer binding
	// is currently unset or empty. This pushes the idempotency guard into the
	// store as a single atomic conditional update, closing the race window of
	// read-then-branch-then-write under concurrent duplicate delivery.
	CustomerIDBlank bool
}

// UserFields is the field set written by UserStore.Update. A nil pointer
// leaves the field untouched; pointing at an empty string clears it.
type UserFields struct {
	CustomerID *string
	AccountID  *string
}

// UserStore is the document store accessor for user records.
type UserStore interface {
	// FindByEmail returns the user record with the given email, or
	// ErrUserNotFound. Leading and trailing whitespace in the email is
	// ignored.
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)

	// FindByID returns the user record with the given id, or ErrUserNotFound.
	FindByID(ctx context.Context, id string) (*UserRecord, error)

	// Update performs a single-record conditional field set. It is not an
	// upsert; matching zero records is silently accepted. The selector's
	// blank-customer predicate, when set, must be evaluated atomically with
	// the write.
	Update(ctx context.Context, selector UserSelector, fields UserFields) error
}

// ProductDetails is the denormalized product metadata kept in the cache.
type ProductDetails struct {
	Name string
	// Roles is the serialized role list from the product's im_roles metadata
	// field, empty when the product carries none.
	Roles string
}

// ProductCache is the fast product-metadata cache. Entries are pure derived
// state, rebuildable from the platform at any time; the cache is not a
// system of record.
type ProductCache interface {
	// Put overwrites all fields of the entry unconditionally (last-write-wins).
	// accountID may be empty for global products.
	Put(ctx context.Context, productID, accountID string, details ProductDetails) error

	// Evict removes the entry. Removing a non-existent entry is not an error.
	Evict(ctx context.Context, productID, accountID string) error
}
