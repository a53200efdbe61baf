package inncognito

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	yall "yall.in"
)

var mfaCodeRE = regexp.MustCompile("^[0-9]{6}$")

type apiError struct {
	Error string `json:"error"`
}

type fieldErrors struct {
	Errors map[string]string `json:"errors"`
}

// requireLinked gates the REST endpoints: the caller must be signed in,
// externally managed, and holding a live provider token. On success it
// returns the identity and the token to call the provider with.
func (s Service) requireLinked(w http.ResponseWriter, r *http.Request) (Identity, string, bool) {
	log := yall.FromContext(r.Context())
	authn, ok := s.authn(r)
	if !ok {
		s.writeJSON(w, r, http.StatusUnauthorized, apiError{Error: "authentication required"})
		return Identity{}, "", false
	}
	identity, err := s.Storer.GetIdentity(r.Context(), authn.IdentityID)
	if err != nil {
		log.WithError(err).Error("error loading signed-in identity")
		s.writeJSON(w, r, http.StatusInternalServerError, apiError{Error: "internal error"})
		return Identity{}, "", false
	}
	if !identity.Managed {
		s.writeJSON(w, r, http.StatusForbidden, apiError{Error: "account is not connected to the identity provider"})
		return Identity{}, "", false
	}
	token, ok, err := s.ProviderAccessToken(r.Context(), identity.ID)
	if err != nil {
		log.WithError(err).Error("error loading provider token")
		s.writeJSON(w, r, http.StatusInternalServerError, apiError{Error: "internal error"})
		return Identity{}, "", false
	}
	if !ok {
		s.writeJSON(w, r, http.StatusForbidden, apiError{Error: "provider token is missing or expired"})
		return Identity{}, "", false
	}
	return identity, token, true
}

// handleMe returns the provider's view of the caller's profile.
func (s Service) handleMe(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())
	_, token, ok := s.requireLinked(w, r)
	if !ok {
		return
	}
	user, err := s.Provider.GetUser(r.Context(), token)
	if err != nil {
		log.WithError(err).Error("error fetching provider profile")
		s.writeJSON(w, r, http.StatusBadGateway, apiError{Error: "provider error"})
		return
	}
	attrs := map[string]interface{}{}
	for k, v := range user.Attributes {
		switch k {
		case "sub":
			// internal to the provider, not profile data.
		case "email_verified", "phone_number_verified":
			verified, err := strconv.ParseBool(v)
			if err != nil {
				attrs[k] = v
				continue
			}
			attrs[k] = verified
		default:
			attrs[k] = v
		}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"username":   user.Username,
		"attributes": attrs,
		"mfa":        user.MFAMethods,
	})
}

// handleMFASecret begins software-MFA enrollment, returning the shared
// secret, an otpauth URI for it, and a QR rendering of the URI.
func (s Service) handleMFASecret(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())
	identity, token, ok := s.requireLinked(w, r)
	if !ok {
		return
	}
	secret, err := s.Provider.AssociateSoftwareToken(r.Context(), token)
	if err != nil {
		log.WithError(err).Error("error associating software token")
		s.writeJSON(w, r, http.StatusBadGateway, apiError{Error: "provider error"})
		return
	}
	uri := s.otpauthURI(identity, secret)
	resp := map[string]interface{}{
		"value": secret,
		"uri":   uri,
	}
	if s.QR != nil {
		qr, err := s.QR.DataURI(uri, 200)
		if err != nil {
			log.WithError(err).Error("error rendering QR code")
		} else {
			resp["qr"] = qr
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleMFAConfirm finishes enrollment with the caller's one-time code.
// Validation failures come back field-scoped so forms can surface them
// inline.
func (s Service) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())
	_, token, ok := s.requireLinked(w, r)
	if !ok {
		return
	}
	var body struct {
		Code   string `json:"code"`
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if !mfaCodeRE.MatchString(body.Code) {
		s.writeJSON(w, r, http.StatusBadRequest, fieldErrors{Errors: map[string]string{
			"code": "code must be six digits",
		}})
		return
	}
	if err := s.Provider.VerifySoftwareToken(r.Context(), token, body.Code, body.Device); err != nil {
		log.WithError(err).Debug("software token verification failed")
		s.writeJSON(w, r, http.StatusBadRequest, fieldErrors{Errors: map[string]string{
			"code": "code was not accepted",
		}})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// otpauthURI builds the otpauth://totp URI authenticator apps enroll
// from.
func (s Service) otpauthURI(identity Identity, secret string) string {
	issuer := s.MFAIssuer
	if issuer == "" {
		issuer = defaultMFAIssuer
	}
	label := url.PathEscape(issuer) + ":" + url.PathEscape(identity.Username)
	query := url.Values{
		"secret": []string{secret},
		"issuer": []string{issuer},
	}
	return "otpauth://totp/" + label + "?" + query.Encode()
}

func (s Service) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		yall.FromContext(r.Context()).WithError(err).Error("error encoding response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}
