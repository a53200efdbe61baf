package inncognito

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

var (
	// ErrRegistrationDisabled is returned when verified claims match no
	// local identity and the Service isn't allowed to create one.
	ErrRegistrationDisabled = errors.New("registration is disabled")

	// ErrIdentityLinkMismatch is returned when the provider username in
	// a token doesn't match the one already linked to the identity.
	ErrIdentityLinkMismatch = errors.New("provider username does not match the linked identity")

	// ErrRegistrationFailed is returned when a new identity can't be
	// created, usually because no free username could be found.
	ErrRegistrationFailed = errors.New("registration failed")
)

// Resolver turns verified id token claims into local identities. Lookups
// go by email; misses register a new identity when allowed. Every
// identity that passes through comes out marked as externally managed.
type Resolver struct {
	Storer            Storer
	AllowRegistration bool

	// RoleForGroup maps provider groups to local roles; the first
	// group in the token with a mapping wins.
	RoleForGroup map[string]string

	AdminGroup string
	AdminRole  string

	// set by tests to freeze time.
	now func() time.Time
}

// FindOrCreate resolves claims to an identity, creating one on a miss
// when registration is allowed, and marks it as externally managed. When
// the claims carry a provider username it is linked, and a conflict with
// an already-linked username fails the whole resolution.
func (r Resolver) FindOrCreate(ctx context.Context, claims Claims) (Identity, error) {
	email := strings.ToLower(claims.Email)
	identity, err := r.Storer.GetIdentityByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrIdentityNotFound) {
			return Identity{}, err
		}
		if !r.AllowRegistration {
			return Identity{}, ErrRegistrationDisabled
		}
		identity, err = r.register(ctx, claims, email)
		if err != nil {
			return Identity{}, err
		}
	}
	if !identity.Managed {
		at := r.clock()
		if err := r.Storer.MarkManaged(ctx, identity.ID, at); err != nil {
			return Identity{}, err
		}
		identity.Managed = true
		identity.ManagedAt = at
	}
	if claims.ExternalUsername != "" {
		if err := r.Link(ctx, &identity, claims.ExternalUsername); err != nil {
			return Identity{}, err
		}
	}
	return identity, nil
}

// Link records the provider username on the identity. Linking is
// first-writer-wins: an identity already linked to a different username
// can't be relinked.
func (r Resolver) Link(ctx context.Context, identity *Identity, username string) error {
	if identity.ExternalUsername == username {
		return nil
	}
	if identity.ExternalUsername != "" {
		return ErrIdentityLinkMismatch
	}
	if err := r.Storer.SetExternalUsername(ctx, identity.ID, username); err != nil {
		return err
	}
	identity.ExternalUsername = username
	return nil
}

func (r Resolver) register(ctx context.Context, claims Claims, email string) (Identity, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	username, err := r.pickUsername(ctx, claims, email)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{
		ID:          id,
		Username:    username,
		Email:       email,
		DisplayName: claims.Name,
		Role:        r.roleFor(claims.Groups),
	}
	if err := r.Storer.CreateIdentity(ctx, identity); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	return identity, nil
}

// pickUsername prefers the token's preferred_username, then its username
// claim, then the local part of the email, and appends a random suffix
// until the result is free. Five collisions in a row means something is
// wrong and registration fails.
func (r Resolver) pickUsername(ctx context.Context, claims Claims, email string) (string, error) {
	base := sanitizeUsername(claims.PreferredUsername)
	if base == "" {
		base = sanitizeUsername(claims.Username)
	}
	if base == "" {
		base = sanitizeUsername(emailLocalPart(email))
	}
	if base == "" {
		base = "user"
	}
	candidate := base
	for attempt := 0; attempt < 5; attempt++ {
		_, err := r.Storer.GetIdentityByUsername(ctx, candidate)
		if errors.Is(err, ErrIdentityNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		suffix, err := uuid.GenerateRandomBytes(4)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
		}
		candidate = base + "-" + hex.EncodeToString(suffix)
	}
	return "", fmt.Errorf("%w: could not find a free username for %q", ErrRegistrationFailed, base)
}

// roleFor applies the group-to-role mapping. The reserved admin group
// always wins; otherwise the first mapped group in token order does.
func (r Resolver) roleFor(groups []string) string {
	adminGroup := r.AdminGroup
	if adminGroup == "" {
		adminGroup = defaultAdminGroup
	}
	adminRole := r.AdminRole
	if adminRole == "" {
		adminRole = defaultAdminRole
	}
	for _, group := range groups {
		if group == adminGroup {
			return adminRole
		}
	}
	for _, group := range groups {
		if role, ok := r.RoleForGroup[group]; ok {
			return role
		}
	}
	return ""
}

func (r Resolver) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// sanitizeUsername lowercases and strips everything but letters, digits,
// and the separators the host considers safe in a username.
func sanitizeUsername(username string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(username)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteRune(c)
		}
	}
	return b.String()
}

func emailLocalPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
