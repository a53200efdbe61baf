package inncognito

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrIdentityNotFound is returned when no identity matches a
	// lookup.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrIdentityAlreadyExists is returned when creating an identity
	// whose id, username, or email is already taken.
	ErrIdentityAlreadyExists = errors.New("identity already exists")

	// ErrTokenNotFound is returned when an identity has no stored
	// provider token.
	ErrTokenNotFound = errors.New("provider token not found")

	// ErrKeySetNotFound is returned when no signing key set has been
	// stored yet.
	ErrKeySetNotFound = errors.New("key set not found")
)

// Identity is a local account as this package sees it. Managed is
// monotonic: once an identity has authenticated through the provider it
// stays externally managed. ExternalUsername, once set, must match on
// every later linking attempt.
type Identity struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	Role        string

	Managed   bool
	ManagedAt time.Time

	// ExternalUsername is the provider-internal username linked to
	// this identity, empty until the first claims that carry one.
	ExternalUsername string
}

// ProviderToken is the long-lived provider access token stored for an
// identity. It is never returned to callers once Expiration has passed.
type ProviderToken struct {
	IdentityID string
	Token      string
	Expiration time.Time
}

// KeySet is the provider's published signing keys, stored raw along
// with when they were fetched.
type KeySet struct {
	Raw       []byte
	FetchedAt time.Time
}

// Storer is the persistence interface the Service needs. Implementations
// live in the storers subpackages.
type Storer interface {
	CreateIdentity(ctx context.Context, identity Identity) error
	GetIdentity(ctx context.Context, id string) (Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (Identity, error)
	GetIdentityByUsername(ctx context.Context, username string) (Identity, error)

	// MarkManaged flags the identity as externally managed. It must
	// be idempotent and must never unset the flag or move its
	// timestamp once set.
	MarkManaged(ctx context.Context, id string, at time.Time) error

	// SetExternalUsername links the provider-internal username. It
	// must fail with ErrIdentityLinkMismatch when a different value
	// is already linked.
	SetExternalUsername(ctx context.Context, id, username string) error

	// StoreProviderToken upserts, overwriting any previous token for
	// the identity.
	StoreProviderToken(ctx context.Context, token ProviderToken) error
	GetProviderToken(ctx context.Context, identityID string) (ProviderToken, error)

	// DeleteExpiredProviderTokens removes every token record whose
	// expiration is at or before now.
	DeleteExpiredProviderTokens(ctx context.Context, now time.Time) error

	GetKeySet(ctx context.Context) (KeySet, error)
	StoreKeySet(ctx context.Context, keys KeySet) error
	DeleteKeySet(ctx context.Context) error
}
