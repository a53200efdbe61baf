// Package inncognito bridges a host application's local accounts with an
// external OAuth2/OIDC identity provider shaped like an AWS Cognito user
// pool.
//
// The package drives the authorization-code flow without any server-side
// session storage: the intent of a flow (login or token relinking) is
// serialized into a State token, the State token is wrapped in a
// tick-bound HMAC nonce, and the nonce travels in an HttpOnly cookie
// while the one-time key needed to redeem it travels in the provider
// redirect URL. Neither channel alone discloses a valid flow. On the way
// back, provider-issued JWTs are verified against a key set that is
// fetched once from the provider's published endpoint and cached in
// persistent storage, and verified claims are resolved into local
// identities that are tagged as externally managed.
//
// Use this package by creating a `Service` struct and calling its
// `Server` and `APIServer` methods to get `http.Handler`s. `Server`
// should be served through a muxer using the same path as the Service's
// `Prefix`; the cookie the flow sets is scoped to that path. The host
// application's own login sessions, the provider's profile/MFA API, and
// QR rendering are reached only through the narrow interfaces on the
// Service, so hosts keep full control of routing, rendering, and
// scheduling.
package inncognito

import (
	"context"
	"net/http"
	"strings"
	"time"

	yall "yall.in"
)

const (
	// defaultTTL bounds both the flow session cookie and the nonce
	// tick size.
	defaultTTL = 15 * time.Minute

	// defaultKeyLength is the length, in characters, of the one-time
	// key generated at flow start.
	defaultKeyLength = 32

	defaultCookieName  = "inncognito"
	defaultAdminGroup  = "super_admin"
	defaultAdminRole   = "administrator"
	defaultMFAIssuer   = "Inncognito"
	defaultHTTPTimeout = 30 * time.Second
)

// Authn describes the host application's view of the caller: which
// identity is signed in and an opaque per-session token. The session
// token participates in nonce hashes so a signed-in caller can't replay
// another session's flow cookie.
type Authn struct {
	IdentityID   string
	SessionToken string
}

// Authenticator is the narrow interface to the host application's login
// sessions. SignIn must establish a session for the passed identity
// without consulting any password; the Service only ever calls it with
// identities it has just loaded or created through its Storer.
type Authenticator interface {
	// Authn reports the authenticated caller of the request, if any.
	Authn(r *http.Request) (Authn, bool)

	// SignIn establishes a host session for the identity.
	SignIn(w http.ResponseWriter, r *http.Request, identity Identity) error
}

// ProviderUser is a profile as reported by the provider's user API.
type ProviderUser struct {
	Username   string
	Attributes map[string]string
	MFAMethods []string
}

// ProviderAdmin is the narrow interface to the provider API calls that
// are authorized by a user's access token rather than by the client
// credentials.
type ProviderAdmin interface {
	// GetUser returns the profile the access token belongs to.
	GetUser(ctx context.Context, accessToken string) (ProviderUser, error)

	// AssociateSoftwareToken begins software-MFA enrollment and
	// returns the shared secret.
	AssociateSoftwareToken(ctx context.Context, accessToken string) (string, error)

	// VerifySoftwareToken confirms enrollment with a one-time code,
	// optionally naming the device.
	VerifySoftwareToken(ctx context.Context, accessToken, code, deviceName string) error
}

// QREncoder renders data as a QR image, returned as a data URI. QR
// generation stays outside the core; hosts can plug in whatever renderer
// they like, the qr subpackage has a default.
type QREncoder interface {
	DataURI(data string, size int) (string, error)
}

// Subscriber receives notifications about completed flows. Subscribers
// are called synchronously after the response-side work is done; they
// must not block for long.
type Subscriber interface {
	LoginSucceeded(ctx context.Context, identity Identity)
	LinkSucceeded(ctx context.Context, identity Identity)
}

// Service holds all the configuration and dependencies of the bridge.
// Build one per process at startup and share it between handlers.
type Service struct {
	// Issuer is the provider's issuer URL, e.g.
	// https://cognito-idp.<region>.amazonaws.com/<pool id>. The key
	// set endpoint and the iss claim check derive from it.
	Issuer string

	// ClientID is the app client id registered with the provider. It
	// must match the aud claim of id tokens and the client_id claim
	// of access tokens.
	ClientID string

	// API is the provider's OAuth2 surface (hosted UI and token
	// endpoint).
	API API

	// BaseURL is the public base URL of the host application, without
	// a trailing slash.
	BaseURL string

	// Prefix is the path the flow endpoints are mounted under, e.g.
	// "/cognito". The flow cookie is scoped to it.
	Prefix string

	// DefaultRedirect is where callers land after a successful flow
	// when the flow didn't carry its own redirect target. Defaults to
	// "/".
	DefaultRedirect string

	// Secret keys the nonce HMAC.
	Secret []byte

	// Secure marks the flow cookie TLS-only. Set it whenever the host
	// terminates HTTPS.
	Secure bool

	// TTL bounds the flow session; it is also the nonce tick size.
	// Defaults to 15 minutes.
	TTL time.Duration

	// AllowRegistration permits creating local identities for claims
	// that don't match an existing one.
	AllowRegistration bool

	// ForceProvider marks externally managed identities as barred
	// from the host's password login and password reset paths; see
	// PasswordLoginBlocked.
	ForceProvider bool

	// RoleForGroup maps provider group names to local roles, matched
	// exactly. At most one group is applied per identity.
	RoleForGroup map[string]string

	// AdminGroup is the reserved group name that promotes to
	// AdminRole. Defaults to "super_admin".
	AdminGroup string

	// AdminRole is the highest administrative role. Defaults to
	// "administrator".
	AdminRole string

	// MFAIssuer labels otpauth:// URIs. Defaults to "Inncognito".
	MFAIssuer string

	Storer      Storer
	Auth        Authenticator
	Provider    ProviderAdmin
	QR          QREncoder
	Subscribers []Subscriber

	// HTTPClient is used for the key set fetch and the code exchange.
	// Defaults to a client with a 30 second timeout.
	HTTPClient *http.Client

	Log *yall.Logger

	// set by tests to freeze time.
	now func() time.Time
}

// Activate populates the signing key set if it isn't stored yet. Hosts
// call it once at startup or install time.
func (s Service) Activate(ctx context.Context) error {
	return s.keySets().Populate(ctx)
}

// Deactivate clears the stored signing key set.
func (s Service) Deactivate(ctx context.Context) error {
	return s.keySets().Clear(ctx)
}

// PasswordLoginBlocked reports whether the host must refuse password
// authentication and password resets for the identity. It only ever
// returns true when the Service is configured with ForceProvider.
func (s Service) PasswordLoginBlocked(identity Identity) bool {
	return s.ForceProvider && identity.Managed
}

// LoginURL is the absolute URL of the flow's root endpoint; it doubles
// as the redirect_uri registered with the provider.
func (s Service) LoginURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.Prefix + "/"
}

// TokenURL is the absolute URL of the relink endpoint.
func (s Service) TokenURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.Prefix + "/token"
}

func (s Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s Service) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return defaultTTL
}

func (s Service) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func (s Service) defaultRedirect() string {
	if s.DefaultRedirect != "" {
		return s.DefaultRedirect
	}
	return "/"
}

func (s Service) nonces() Nonces {
	return Nonces{Secret: s.Secret, TTL: s.ttl(), now: s.now}
}

func (s Service) sessions() Sessions {
	return Sessions{
		Nonces:     s.nonces(),
		CookieName: defaultCookieName,
		CookiePath: s.Prefix + "/",
		Secure:     s.Secure,
		TTL:        s.ttl(),
		KeyLength:  defaultKeyLength,
		now:        s.now,
	}
}

func (s Service) keySets() KeySets {
	return KeySets{
		Issuer:     s.Issuer,
		Storer:     s.Storer,
		HTTPClient: s.httpClient(),
		now:        s.now,
	}
}

func (s Service) verifier() Verifier {
	return Verifier{Issuer: s.Issuer, ClientID: s.ClientID, KeySets: s.keySets()}
}

func (s Service) resolver() Resolver {
	return Resolver{
		Storer:            s.Storer,
		AllowRegistration: s.AllowRegistration,
		RoleForGroup:      s.RoleForGroup,
		AdminGroup:        s.AdminGroup,
		AdminRole:         s.AdminRole,
		now:               s.now,
	}
}

func (s Service) authn(r *http.Request) (Authn, bool) {
	if s.Auth == nil {
		return Authn{}, false
	}
	return s.Auth.Authn(r)
}
