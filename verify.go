package inncognito

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	jwt "github.com/golang-jwt/jwt/v4"
)

// token_use values the provider stamps on its JWTs.
const (
	TokenUseID     = "id"
	TokenUseAccess = "access"
)

// ErrSignatureInvalid is returned when a token's signature doesn't
// verify against the stored key set, including when the token names a
// key the set doesn't have.
var ErrSignatureInvalid = errors.New("token signature invalid")

// ClaimError reports which claim failed verification and why. Handlers
// don't branch on the claim, but logs and tests do.
type ClaimError struct {
	Claim  string
	Reason string
}

func (c ClaimError) Error() string {
	return fmt.Sprintf("invalid %s claim: %s", c.Claim, c.Reason)
}

// ErrEmailUnverified is returned for id tokens whose email the provider
// hasn't verified.
var ErrEmailUnverified = ClaimError{Claim: "email_verified", Reason: "email is not verified"}

// Claims is the payload of a provider-issued JWT, registered claims plus
// the provider-specific ones this package acts on.
type Claims struct {
	jwt.RegisteredClaims

	TokenUse string `json:"token_use"`

	// ClientID is only present on access tokens, which carry no aud.
	ClientID string `json:"client_id,omitempty"`

	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`

	// Username is the provider-internal username; access tokens carry
	// it as username, id tokens as cognito:username.
	Username          string `json:"username,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	ExternalUsername  string `json:"cognito:username,omitempty"`

	Groups []string `json:"cognito:groups,omitempty"`

	Name    string `json:"name,omitempty"`
	Website string `json:"website,omitempty"`
}

// Verifier checks provider-issued JWTs: signature against the stored key
// set, then audience, issuer, token use, and email in that order. The
// first failed check wins and its error names the claim.
type Verifier struct {
	Issuer   string
	ClientID string
	KeySets  KeySets
}

// Verify parses and fully verifies a raw JWT expected to carry the given
// token use.
func (v Verifier) Verify(ctx context.Context, raw, tokenUse string) (Claims, error) {
	keys, err := v.KeySets.Get(ctx)
	if err != nil {
		return Claims{}, err
	}
	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	_, err = parser.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		matches := keys.Key(kid)
		if len(matches) < 1 {
			return nil, ErrSignatureInvalid
		}
		return matches[0].Key, nil
	})
	if err != nil {
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
			return Claims{}, ErrSignatureInvalid
		}
		if errors.Is(err, ErrSignatureInvalid) {
			return Claims{}, ErrSignatureInvalid
		}
		return Claims{}, fmt.Errorf("parsing token: %w", err)
	}
	if err := v.checkClaims(claims, tokenUse); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (v Verifier) checkClaims(claims Claims, tokenUse string) error {
	switch tokenUse {
	case TokenUseID:
		var found bool
		for _, aud := range claims.Audience {
			if aud == v.ClientID {
				found = true
				break
			}
		}
		if !found {
			return ClaimError{Claim: "aud", Reason: "token was not issued for this client"}
		}
	default:
		if claims.ClientID != v.ClientID {
			return ClaimError{Claim: "client_id", Reason: "token was not issued for this client"}
		}
	}
	if claims.Issuer != v.Issuer {
		return ClaimError{Claim: "iss", Reason: "token was not issued by the expected issuer"}
	}
	if claims.TokenUse != tokenUse {
		return ClaimError{Claim: "token_use", Reason: fmt.Sprintf("expected %q, got %q", tokenUse, claims.TokenUse)}
	}
	if tokenUse == TokenUseID {
		if _, err := mail.ParseAddress(claims.Email); err != nil {
			return ClaimError{Claim: "email", Reason: "not a valid email address"}
		}
		if !claims.EmailVerified {
			return ErrEmailUnverified
		}
	}
	return nil
}
