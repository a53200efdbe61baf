package inncognito

import (
	"context"
	"testing"
	"time"
)

func TestProviderTokenEncoding(t *testing.T) {
	t.Parallel()

	expiration := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	encoded := EncodeProviderToken("access-token-value", expiration)
	if encoded != "1709294400|access-token-value" {
		t.Errorf("unexpected encoding %q", encoded)
	}

	token, decoded, err := DecodeProviderToken(encoded)
	if err != nil {
		t.Fatalf("error decoding token: %v", err)
	}
	if token != "access-token-value" {
		t.Errorf("expected token %q, got %q", "access-token-value", token)
	}
	if !decoded.Equal(expiration) {
		t.Errorf("expected expiration %v, got %v", expiration, decoded)
	}
}

func TestDecodeProviderTokenMalformed(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"empty":          "",
		"no-separator":   "just-a-token",
		"bad-expiration": "soon|token",
	}

	for name, encoded := range tests {
		encoded := encoded
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, _, err := DecodeProviderToken(encoded); err == nil {
				t.Errorf("expected %q to fail decoding", encoded)
			}
		})
	}
}

func TestProviderAccessToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	type testCase struct {
		// nil means no token stored
		stored *ProviderToken

		expectedToken string
		expectedOK    bool
	}

	tests := map[string]testCase{
		"live-token": {
			stored: &ProviderToken{
				IdentityID: "id-1",
				Token:      "live-token",
				Expiration: now.Add(time.Hour),
			},
			expectedToken: "live-token",
			expectedOK:    true,
		},
		"expired-token": {
			stored: &ProviderToken{
				IdentityID: "id-1",
				Token:      "stale-token",
				Expiration: now.Add(-time.Minute),
			},
			expectedOK: false,
		},
		"expires-this-instant": {
			stored: &ProviderToken{
				IdentityID: "id-1",
				Token:      "borderline-token",
				Expiration: now,
			},
			expectedOK: false,
		},
		"no-token": {
			expectedOK: false,
		},
	}

	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			storer := newTestStorer()
			if test.stored != nil {
				if err := storer.StoreProviderToken(context.Background(), *test.stored); err != nil {
					t.Fatalf("error storing fixture: %v", err)
				}
			}
			service := Service{Storer: storer, now: func() time.Time { return now }}
			token, ok, err := service.ProviderAccessToken(context.Background(), "id-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != test.expectedOK {
				t.Fatalf("expected ok to be %v, got %v", test.expectedOK, ok)
			}
			if token != test.expectedToken {
				t.Errorf("expected token %q, got %q", test.expectedToken, token)
			}
		})
	}
}

func TestSweepExpiredTokens(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	storer := newTestStorer()
	fixtures := []ProviderToken{
		{IdentityID: "live", Token: "a", Expiration: now.Add(time.Hour)},
		{IdentityID: "expired", Token: "b", Expiration: now.Add(-time.Hour)},
		{IdentityID: "borderline", Token: "c", Expiration: now},
	}
	for _, fixture := range fixtures {
		if err := storer.StoreProviderToken(context.Background(), fixture); err != nil {
			t.Fatalf("error storing fixture: %v", err)
		}
	}

	service := Service{Storer: storer, now: func() time.Time { return now }}
	if err := service.SweepExpiredTokens(context.Background()); err != nil {
		t.Fatalf("error sweeping tokens: %v", err)
	}

	if _, err := storer.GetProviderToken(context.Background(), "live"); err != nil {
		t.Errorf("expected the live token to survive, got %v", err)
	}
	for _, id := range []string{"expired", "borderline"} {
		if _, err := storer.GetProviderToken(context.Background(), id); err == nil {
			t.Errorf("expected the %s token to be swept", id)
		}
	}
}

func TestStoreProviderTokenOverwrites(t *testing.T) {
	t.Parallel()

	storer := newTestStorer()
	service := Service{Storer: storer}
	identity := Identity{ID: "id-1"}

	first := time.Now().Add(time.Hour)
	if err := service.StoreProviderToken(context.Background(), identity, "old-token", first); err != nil {
		t.Fatalf("error storing token: %v", err)
	}
	second := time.Now().Add(2 * time.Hour)
	if err := service.StoreProviderToken(context.Background(), identity, "new-token", second); err != nil {
		t.Fatalf("error replacing token: %v", err)
	}

	stored, err := storer.GetProviderToken(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("error loading token: %v", err)
	}
	if stored.Token != "new-token" {
		t.Errorf("expected the replacement token, got %q", stored.Token)
	}
}
