package inncognito

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServiceURLs(t *testing.T) {
	t.Parallel()

	service := Service{BaseURL: "https://example.com/", Prefix: "/cognito"}
	if got := service.LoginURL(); got != "https://example.com/cognito/" {
		t.Errorf("unexpected login URL %q", got)
	}
	if got := service.TokenURL(); got != "https://example.com/cognito/token" {
		t.Errorf("unexpected token URL %q", got)
	}
}

func TestPasswordLoginBlocked(t *testing.T) {
	t.Parallel()

	type testCase struct {
		forceProvider bool
		managed       bool

		expected bool
	}

	tests := map[string]testCase{
		"forced-and-managed": {
			forceProvider: true,
			managed:       true,
			expected:      true,
		},
		"forced-but-unmanaged": {
			forceProvider: true,
			managed:       false,
			expected:      false,
		},
		"not-forced": {
			forceProvider: false,
			managed:       true,
			expected:      false,
		},
	}

	for name, test := range tests {
		test := test
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			service := Service{ForceProvider: test.forceProvider}
			got := service.PasswordLoginBlocked(Identity{Managed: test.managed})
			if got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestServiceActivateDeactivate(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(key.jwks(t))
	}))
	defer provider.Close()

	storer := newTestStorer()
	service := Service{
		Issuer:     provider.URL,
		Storer:     storer,
		HTTPClient: provider.Client(),
	}

	if err := service.Activate(context.Background()); err != nil {
		t.Fatalf("error activating: %v", err)
	}
	if _, err := storer.GetKeySet(context.Background()); err != nil {
		t.Fatalf("expected the key set to be stored, got %v", err)
	}

	if err := service.Deactivate(context.Background()); err != nil {
		t.Fatalf("error deactivating: %v", err)
	}
	if _, err := storer.GetKeySet(context.Background()); !errors.Is(err, ErrKeySetNotFound) {
		t.Errorf("expected ErrKeySetNotFound after deactivation, got %v", err)
	}
}
