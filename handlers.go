package inncognito

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	yall "yall.in"
)

// handleLogin serves the flow's root endpoint. It triples as the
// provider's redirect_uri: requests carrying a code are callbacks,
// requests carrying an error are provider-side refusals, and bare
// requests start a login flow.
func (s Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())
	query := r.URL.Query()
	if query.Get("code") != "" {
		s.handleCallback(w, r)
		return
	}
	if provErr := query.Get("error"); provErr != "" {
		log.WithField("provider_error", provErr).
			WithField("provider_error_description", query.Get("error_description")).
			Debug("provider refused the authorization request")
		http.Redirect(w, r, strings.TrimRight(s.BaseURL, "/")+"/", http.StatusFound)
		return
	}
	if _, ok := s.authn(r); ok {
		s.redirectAfter(w, r, query.Get("redirect_to"))
		return
	}
	s.startFlow(w, r, State{
		Action:     ActionLogin,
		RedirectTo: query.Get("redirect_to"),
	}, nil, []string{"openid", "email", "profile"})
}

// handleToken starts a relinking flow that fetches a fresh provider
// access token for the signed-in caller. Only externally managed
// identities can relink.
func (s Service) handleToken(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())
	authn, ok := s.authn(r)
	if !ok {
		http.Redirect(w, r, s.LoginURL(), http.StatusFound)
		return
	}
	identity, err := s.Storer.GetIdentity(r.Context(), authn.IdentityID)
	if err != nil {
		log.WithError(err).Error("error loading signed-in identity")
		s.errorPage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		return
	}
	if !identity.Managed {
		s.errorPage(w, http.StatusForbidden, "This account is not connected to the identity provider.")
		return
	}
	binding := &SessionBinding{IdentityID: authn.IdentityID, SessionToken: authn.SessionToken}
	s.startFlow(w, r, State{
		Action:     ActionToken,
		RedirectTo: r.URL.Query().Get("redirect_to"),
	}, binding, []string{"aws.cognito.signin.user.admin"})
}

// startFlow opens a flow session and sends the caller to the provider's
// hosted UI with the session's one-time key as the state parameter.
func (s Service) startFlow(w http.ResponseWriter, r *http.Request, state State, binding *SessionBinding, scopes []string) {
	log := yall.FromContext(r.Context())
	key, err := s.sessions().Start(w, state, binding)
	if err != nil {
		log.WithError(err).Error("error starting flow session")
		s.errorPage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		return
	}
	http.Redirect(w, r, s.API.LoginURL(s.LoginURL(), key, scopes), http.StatusFound)
}

// handleCallback redeems the flow session against the state parameter,
// exchanges the code, and dispatches on what the flow was started for.
func (s Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())
	key := r.URL.Query().Get("state")
	if key == "" {
		s.errorPage(w, http.StatusBadRequest, "Empty state.")
		return
	}
	var binding *SessionBinding
	if authn, ok := s.authn(r); ok {
		binding = &SessionBinding{IdentityID: authn.IdentityID, SessionToken: authn.SessionToken}
	}
	state, err := s.sessions().Stop(w, r, key, binding)
	if err != nil {
		log.WithError(err).Debug("flow session rejected")
		s.errorPage(w, http.StatusBadRequest, html.EscapeString(userFacing(err)))
		return
	}
	resp, err := s.API.Exchange(r.Context(), r.URL.Query().Get("code"), s.LoginURL())
	if err != nil {
		log.WithError(err).Error("error exchanging authorization code")
		s.errorPage(w, http.StatusBadGateway, "Authentication failed.")
		return
	}
	switch state.Action {
	case ActionToken:
		s.completeLink(w, r, state, resp)
	default:
		s.completeLogin(w, r, state, resp)
	}
}

// completeLogin verifies the id token, resolves it to a local identity,
// and signs the caller in.
func (s Service) completeLogin(w http.ResponseWriter, r *http.Request, state State, resp TokenResponse) {
	log := yall.FromContext(r.Context())
	if _, ok := s.authn(r); ok {
		s.redirectAfter(w, r, state.RedirectTo)
		return
	}
	claims, err := s.verifier().Verify(r.Context(), resp.IDToken, TokenUseID)
	if err != nil {
		// a token that doesn't verify isn't the caller's fault, so
		// send them back to the front door rather than an error
		// page they can't act on.
		log.WithError(err).Error("id token failed verification")
		http.Redirect(w, r, strings.TrimRight(s.BaseURL, "/")+"/", http.StatusFound)
		return
	}
	identity, err := s.resolver().FindOrCreate(r.Context(), claims)
	if err != nil {
		switch {
		case errors.Is(err, ErrRegistrationDisabled):
			s.errorPage(w, http.StatusForbidden, "Registration is disabled.")
		case errors.Is(err, ErrIdentityLinkMismatch):
			s.errorPage(w, http.StatusConflict, "Invalid user. Please check username as it does not match.")
		default:
			log.WithError(err).Error("error resolving identity")
			s.errorPage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		}
		return
	}
	if err := s.Auth.SignIn(w, r, identity); err != nil {
		log.WithError(err).Error("error establishing host session")
		s.errorPage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		return
	}
	log.WithField("identity", identity.ID).WithField("ip", callerIP(r)).Info("identity signed in through provider")
	for _, sub := range s.Subscribers {
		sub.LoginSucceeded(r.Context(), identity)
	}
	s.redirectAfter(w, r, state.RedirectTo)
}

// completeLink verifies the access token and stores it for the signed-in
// identity so the REST API can call the provider on its behalf.
func (s Service) completeLink(w http.ResponseWriter, r *http.Request, state State, resp TokenResponse) {
	log := yall.FromContext(r.Context())
	authn, ok := s.authn(r)
	if !ok {
		http.Redirect(w, r, s.LoginURL(), http.StatusFound)
		return
	}
	identity, err := s.Storer.GetIdentity(r.Context(), authn.IdentityID)
	if err != nil {
		log.WithError(err).Error("error loading signed-in identity")
		s.errorPage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		return
	}
	if !identity.Managed {
		s.errorPage(w, http.StatusForbidden, "This account is not connected to the identity provider.")
		return
	}
	claims, err := s.verifier().Verify(r.Context(), resp.AccessToken, TokenUseAccess)
	if err != nil {
		log.WithError(err).Error("access token failed verification")
		http.Redirect(w, r, strings.TrimRight(s.BaseURL, "/")+"/", http.StatusFound)
		return
	}
	if identity.ExternalUsername != "" && claims.Username != identity.ExternalUsername {
		s.errorPage(w, http.StatusConflict, "Invalid user. Please check username as it does not match.")
		return
	}
	expiration := s.clock().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if claims.ExpiresAt != nil {
		expiration = claims.ExpiresAt.Time
	}
	if err := s.StoreProviderToken(r.Context(), identity, resp.AccessToken, expiration); err != nil {
		log.WithError(err).Error("error storing provider token")
		s.errorPage(w, http.StatusInternalServerError, "Something went wrong. Please try again later.")
		return
	}
	log.WithField("identity", identity.ID).WithField("ip", callerIP(r)).Info("provider token relinked")
	for _, sub := range s.Subscribers {
		sub.LinkSucceeded(r.Context(), identity)
	}
	s.redirectAfter(w, r, state.RedirectTo)
}

// redirectAfter sends the caller to the flow's redirect target if it is
// safe, or the configured default otherwise. Safe means relative or on
// the host's own base URL.
func (s Service) redirectAfter(w http.ResponseWriter, r *http.Request, target string) {
	if !s.safeRedirect(target) {
		target = s.defaultRedirect()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s Service) safeRedirect(target string) bool {
	if target == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Host == "" && u.Scheme == "" {
		return strings.HasPrefix(u.Path, "/")
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return false
	}
	return u.Scheme == base.Scheme && u.Host == base.Host
}

// errorPage writes a terminal, minimally styled error page. Flows never
// offer a retry; the cookie backing them is already gone.
func (s Service) errorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>Sign-in error</title></head><body><p>%s</p></body></html>", message)
}

// userFacing maps session redemption errors to messages shown on the
// error page.
func userFacing(err error) string {
	switch {
	case errors.Is(err, ErrEmptySession):
		return ErrEmptySession.Error()
	case errors.Is(err, ErrExpiredSession):
		return "This sign-in attempt expired. Please try again."
	default:
		return "This sign-in attempt could not be verified. Please try again."
	}
}
