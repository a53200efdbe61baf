package inncognito

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

var (
	// ErrNoSession is returned when a flow session can't be started
	// at all.
	ErrNoSession = errors.New("no session")

	// ErrEmptySession is returned when the flow cookie is absent.
	ErrEmptySession = errors.New("invalid session, cookies may be blocked or not supported")

	// ErrMalformedSession is returned when the flow cookie doesn't
	// verify or its State can't be recovered with the supplied key.
	ErrMalformedSession = errors.New("malformed session")

	// ErrExpiredSession is returned when the recovered State's
	// expiration has elapsed.
	ErrExpiredSession = errors.New("expired session")
)

// Sessions orchestrates the cookie half of a flow: Start encodes and
// nonce-wraps a State into a first-party HttpOnly cookie, Stop redeems
// it exactly once. The one-time key returned by Start is the other half
// and never touches the cookie.
type Sessions struct {
	Nonces Nonces

	CookieName string

	// CookiePath scopes the cookie to the flow endpoints.
	CookiePath string

	// Secure marks the cookie TLS-only.
	Secure bool

	// TTL is how long a started flow stays redeemable. Defaults to 15
	// minutes.
	TTL time.Duration

	// KeyLength is the length of the generated one-time key, in
	// characters. Defaults to 32.
	KeyLength int

	// set by tests to freeze time.
	now func() time.Time
}

// Start fills the State with a fresh one-time key and expiration, sets
// the wrapped token as the flow cookie, and returns the key for the
// outbound redirect URL. If the State can't be encoded the whole start
// fails and no cookie is set.
func (s Sessions) Start(w http.ResponseWriter, state State, binding *SessionBinding) (string, error) {
	key, err := generateKey(s.KeyLength)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	state.Key = key
	state.Expiration = s.clock().Add(s.ttl()).Unix()
	token, err := state.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	s.setCookie(w, s.Nonces.Create(token, binding))
	return key, nil
}

// Stop reads and unconditionally deletes the flow cookie, then recovers
// the State with the supplied key. Missing cookie: ErrEmptySession.
// Nonce rejection or undecodable State: ErrMalformedSession. Elapsed
// expiration: ErrExpiredSession. The cookie is deleted on every path, so
// a flow is redeemable at most once regardless of outcome.
func (s Sessions) Stop(w http.ResponseWriter, r *http.Request, key string, binding *SessionBinding) (State, error) {
	cookie, err := r.Cookie(s.cookieName())
	if err != nil || cookie.Value == "" {
		return State{}, ErrEmptySession
	}
	s.deleteCookie(w)
	token, ok := s.Nonces.Verify(cookie.Value, binding)
	if !ok {
		return State{}, ErrMalformedSession
	}
	state, err := DecodeState(token, key)
	if err != nil {
		if errors.Is(err, ErrKeyMismatch) || errors.Is(err, ErrInvalidEncoding) {
			return State{}, fmt.Errorf("%w: %v", ErrMalformedSession, err)
		}
		return State{}, err
	}
	if state.Expiration < s.clock().Unix() {
		return State{}, ErrExpiredSession
	}
	return state, nil
}

func (s Sessions) setCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    value,
		Path:     s.CookiePath,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// deleteCookie clears the flow cookie by overwriting it with an empty
// value and a past expiration.
func (s Sessions) deleteCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    "",
		Path:     s.CookiePath,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (s Sessions) cookieName() string {
	if s.CookieName != "" {
		return s.CookieName
	}
	return defaultCookieName
}

func (s Sessions) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return defaultTTL
}

func (s Sessions) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// generateKey returns a random URL-safe key of the requested length.
func generateKey(length int) (string, error) {
	if length <= 0 {
		length = defaultKeyLength
	}
	raw, err := uuid.GenerateRandomBytes(length)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
