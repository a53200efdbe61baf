package inncognito

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

func testResolver(storer Storer) Resolver {
	return Resolver{
		Storer:            storer,
		AllowRegistration: true,
		RoleForGroup: map[string]string{
			"editors": "editor",
		},
	}
}

func TestResolverFindOrCreateRegisters(t *testing.T) {
	t.Parallel()

	storer := newTestStorer()
	claims := Claims{
		Email:            "New.User@Example.com",
		Name:             "New User",
		ExternalUsername: "cognito-abc123",
	}
	identity, err := testResolver(storer).FindOrCreate(context.Background(), claims)
	if err != nil {
		t.Fatalf("error resolving claims: %v", err)
	}
	if identity.Email != "new.user@example.com" {
		t.Errorf("expected the email to be lowercased, got %q", identity.Email)
	}
	if identity.Username != "new.user" {
		t.Errorf("expected the username to come from the email local part, got %q", identity.Username)
	}
	if identity.DisplayName != "New User" {
		t.Errorf("expected display name %q, got %q", "New User", identity.DisplayName)
	}
	if !identity.Managed {
		t.Error("expected the new identity to be managed")
	}
	if identity.ExternalUsername != "cognito-abc123" {
		t.Errorf("expected external username to be linked, got %q", identity.ExternalUsername)
	}

	stored, err := storer.GetIdentityByEmail(context.Background(), "new.user@example.com")
	if err != nil {
		t.Fatalf("error loading stored identity: %v", err)
	}
	if !stored.Managed || stored.ExternalUsername != "cognito-abc123" {
		t.Errorf("stored identity doesn't match the resolved one: %+v", stored)
	}
}

func TestResolverFindOrCreatePrefersPreferredUsername(t *testing.T) {
	t.Parallel()

	identity, err := testResolver(newTestStorer()).FindOrCreate(context.Background(), Claims{
		Email:             "someone@example.com",
		PreferredUsername: "Some One",
		Username:          "cognito-internal",
	})
	if err != nil {
		t.Fatalf("error resolving claims: %v", err)
	}
	if identity.Username != "someone" {
		t.Errorf("expected sanitized preferred username, got %q", identity.Username)
	}
}

func TestResolverFindOrCreateUsernameCollision(t *testing.T) {
	t.Parallel()

	storer := newTestStorer()
	err := storer.CreateIdentity(context.Background(), Identity{
		ID:       "existing",
		Username: "jane",
		Email:    "jane@elsewhere.com",
	})
	if err != nil {
		t.Fatalf("error creating fixture: %v", err)
	}

	identity, err := testResolver(storer).FindOrCreate(context.Background(), Claims{
		Email: "jane@example.com",
	})
	if err != nil {
		t.Fatalf("error resolving claims: %v", err)
	}
	if !strings.HasPrefix(identity.Username, "jane-") {
		t.Errorf("expected a suffixed username, got %q", identity.Username)
	}
	if identity.Username == "jane" {
		t.Error("expected the collision to be avoided")
	}
}

func TestResolverFindOrCreateRegistrationDisabled(t *testing.T) {
	t.Parallel()

	resolver := testResolver(newTestStorer())
	resolver.AllowRegistration = false
	_, err := resolver.FindOrCreate(context.Background(), Claims{Email: "new@example.com"})
	if !errors.Is(err, ErrRegistrationDisabled) {
		t.Errorf("expected ErrRegistrationDisabled, got %v", err)
	}
}

func TestResolverFindOrCreateExisting(t *testing.T) {
	t.Parallel()

	storer := newTestStorer()
	err := storer.CreateIdentity(context.Background(), Identity{
		ID:       "existing",
		Username: "jane",
		Email:    "jane@example.com",
		Role:     "subscriber",
	})
	if err != nil {
		t.Fatalf("error creating fixture: %v", err)
	}

	// registration off; an existing identity still resolves and gets
	// marked managed.
	resolver := testResolver(storer)
	resolver.AllowRegistration = false
	identity, err := resolver.FindOrCreate(context.Background(), Claims{
		Email:            "Jane@Example.com",
		ExternalUsername: "cognito-jane",
	})
	if err != nil {
		t.Fatalf("error resolving claims: %v", err)
	}
	if identity.ID != "existing" {
		t.Errorf("expected the existing identity, got %q", identity.ID)
	}
	if !identity.Managed {
		t.Error("expected the identity to be marked managed")
	}
	if identity.Role != "subscriber" {
		t.Errorf("expected the existing role to be untouched, got %q", identity.Role)
	}
}

func TestResolverFindOrCreateLinkMismatch(t *testing.T) {
	t.Parallel()

	storer := newTestStorer()
	err := storer.CreateIdentity(context.Background(), Identity{
		ID:               "existing",
		Username:         "jane",
		Email:            "jane@example.com",
		ExternalUsername: "cognito-jane",
	})
	if err != nil {
		t.Fatalf("error creating fixture: %v", err)
	}

	_, err = testResolver(storer).FindOrCreate(context.Background(), Claims{
		Email:            "jane@example.com",
		ExternalUsername: "cognito-imposter",
	})
	if !errors.Is(err, ErrIdentityLinkMismatch) {
		t.Errorf("expected ErrIdentityLinkMismatch, got %v", err)
	}
}

func TestResolverRoles(t *testing.T) {
	t.Parallel()

	type testCase struct {
		groups []string

		expectedRole string
	}

	tests := map[string]testCase{
		"no-groups": {
			groups:       nil,
			expectedRole: "",
		},
		"mapped-group": {
			groups:       []string{"editors"},
			expectedRole: "editor",
		},
		"unmapped-group": {
			groups:       []string{"strangers"},
			expectedRole: "",
		},
		"admin-group": {
			groups:       []string{"super_admin"},
			expectedRole: "administrator",
		},
		"admin-group-wins": {
			groups:       []string{"editors", "super_admin"},
			expectedRole: "administrator",
		},
		"first-mapped-group-wins": {
			groups:       []string{"strangers", "editors"},
			expectedRole: "editor",
		},
	}

	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			identity, err := testResolver(newTestStorer()).FindOrCreate(context.Background(), Claims{
				RegisteredClaims: jwt.RegisteredClaims{},
				Email:            "roles@example.com",
				Groups:           test.groups,
			})
			if err != nil {
				t.Fatalf("error resolving claims: %v", err)
			}
			if identity.Role != test.expectedRole {
				t.Errorf("expected role %q, got %q", test.expectedRole, identity.Role)
			}
		})
	}
}

func TestResolverManagedTimestampMonotonic(t *testing.T) {
	t.Parallel()

	storer := newTestStorer()
	first := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	resolver := testResolver(storer)
	resolver.now = func() time.Time { return first }

	identity, err := resolver.FindOrCreate(context.Background(), Claims{Email: "mono@example.com"})
	if err != nil {
		t.Fatalf("error resolving claims: %v", err)
	}

	resolver.now = func() time.Time { return first.Add(time.Hour) }
	again, err := resolver.FindOrCreate(context.Background(), Claims{Email: "mono@example.com"})
	if err != nil {
		t.Fatalf("error re-resolving claims: %v", err)
	}
	if again.ID != identity.ID {
		t.Fatalf("expected the same identity, got %q and %q", identity.ID, again.ID)
	}
	if !again.ManagedAt.Equal(first) {
		t.Errorf("expected the managed timestamp to stay at %v, got %v", first, again.ManagedAt)
	}
}
