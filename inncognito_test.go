package inncognito

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	jose "gopkg.in/square/go-jose.v2"
	yall "yall.in"
	testLogger "yall.in/testing"
)

// testStorer is an in-memory Storer for tests in this package; the
// storers subpackages can't be imported here without a cycle.
type testStorer struct {
	mu         sync.Mutex
	identities map[string]Identity
	tokens     map[string]ProviderToken
	keySet     *KeySet
}

func newTestStorer() *testStorer {
	return &testStorer{
		identities: map[string]Identity{},
		tokens:     map[string]ProviderToken{},
	}
}

func (s *testStorer) CreateIdentity(_ context.Context, identity Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.identities {
		if existing.ID == identity.ID ||
			strings.EqualFold(existing.Username, identity.Username) ||
			strings.EqualFold(existing.Email, identity.Email) {
			return ErrIdentityAlreadyExists
		}
	}
	s.identities[identity.ID] = identity
	return nil
}

func (s *testStorer) GetIdentity(_ context.Context, id string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return identity, nil
}

func (s *testStorer) GetIdentityByEmail(_ context.Context, email string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if strings.EqualFold(identity.Email, email) {
			return identity, nil
		}
	}
	return Identity{}, ErrIdentityNotFound
}

func (s *testStorer) GetIdentityByUsername(_ context.Context, username string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if strings.EqualFold(identity.Username, username) {
			return identity, nil
		}
	}
	return Identity{}, ErrIdentityNotFound
}

func (s *testStorer) MarkManaged(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	if identity.Managed {
		return nil
	}
	identity.Managed = true
	identity.ManagedAt = at
	s.identities[id] = identity
	return nil
}

func (s *testStorer) SetExternalUsername(_ context.Context, id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	if identity.ExternalUsername == username {
		return nil
	}
	if identity.ExternalUsername != "" {
		return ErrIdentityLinkMismatch
	}
	identity.ExternalUsername = username
	s.identities[id] = identity
	return nil
}

func (s *testStorer) StoreProviderToken(_ context.Context, token ProviderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.IdentityID] = token
	return nil
}

func (s *testStorer) GetProviderToken(_ context.Context, identityID string) (ProviderToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[identityID]
	if !ok {
		return ProviderToken{}, ErrTokenNotFound
	}
	return token, nil
}

func (s *testStorer) DeleteExpiredProviderTokens(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, token := range s.tokens {
		if !token.Expiration.After(now) {
			delete(s.tokens, id)
		}
	}
	return nil
}

func (s *testStorer) GetKeySet(_ context.Context) (KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keySet == nil {
		return KeySet{}, ErrKeySetNotFound
	}
	return *s.keySet, nil
}

func (s *testStorer) StoreKeySet(_ context.Context, keys KeySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keySet = &keys
	return nil
}

func (s *testStorer) DeleteKeySet(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keySet = nil
	return nil
}

// testKey signs JWTs the way the provider would.
type testKey struct {
	key *rsa.PrivateKey
	id  string
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}
	return testKey{key: key, id: "test-key"}
}

func (k testKey) jwks(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       k.key.Public(),
			KeyID:     k.id,
			Algorithm: "RS256",
			Use:       "sig",
		}},
	})
	if err != nil {
		t.Fatalf("error marshaling JWKS: %v", err)
	}
	return raw
}

func (k testKey) sign(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.id
	raw, err := token.SignedString(k.key)
	if err != nil {
		t.Fatalf("error signing token: %v", err)
	}
	return raw
}

// fakeAuth is a scriptable Authenticator.
type fakeAuth struct {
	authn     *Authn
	signInErr error
	signedIn  []Identity
}

func (f *fakeAuth) Authn(_ *http.Request) (Authn, bool) {
	if f.authn == nil {
		return Authn{}, false
	}
	return *f.authn, true
}

func (f *fakeAuth) SignIn(_ http.ResponseWriter, _ *http.Request, identity Identity) error {
	if f.signInErr != nil {
		return f.signInErr
	}
	f.signedIn = append(f.signedIn, identity)
	f.authn = &Authn{IdentityID: identity.ID, SessionToken: "session-" + identity.ID}
	return nil
}

// fakeProvider is a scriptable ProviderAdmin.
type fakeProvider struct {
	user       ProviderUser
	userErr    error
	secret     string
	secretErr  error
	verifyErr  error
	lastCode   string
	lastDevice string
}

func (f *fakeProvider) GetUser(_ context.Context, _ string) (ProviderUser, error) {
	return f.user, f.userErr
}

func (f *fakeProvider) AssociateSoftwareToken(_ context.Context, _ string) (string, error) {
	return f.secret, f.secretErr
}

func (f *fakeProvider) VerifySoftwareToken(_ context.Context, _, code, device string) error {
	f.lastCode = code
	f.lastDevice = device
	return f.verifyErr
}

type fakeQR struct{}

func (fakeQR) DataURI(_ string, _ int) (string, error) {
	return "data:image/png;base64,dGVzdA", nil
}

func testLog(t *testing.T) *yall.Logger {
	return yall.New(testLogger.New(t, yall.Debug))
}

func storeTestKeys(t *testing.T, storer Storer, key testKey) {
	t.Helper()
	err := storer.StoreKeySet(context.Background(), KeySet{
		Raw:       key.jwks(t),
		FetchedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("error storing key set: %v", err)
	}
}

var errTest = errors.New("test error")
