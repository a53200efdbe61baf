package inncognito

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EncodeProviderToken packs a provider access token with its expiration
// into the stored wire form, epoch seconds and the token separated by a
// pipe.
func EncodeProviderToken(token string, expiration time.Time) string {
	return strconv.FormatInt(expiration.Unix(), 10) + "|" + token
}

// DecodeProviderToken is the inverse of EncodeProviderToken.
func DecodeProviderToken(encoded string) (string, time.Time, error) {
	sep := strings.Index(encoded, "|")
	if sep <= 0 {
		return "", time.Time{}, errors.New("malformed provider token record")
	}
	exp, err := strconv.ParseInt(encoded[:sep], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed provider token expiration: %w", err)
	}
	return encoded[sep+1:], time.Unix(exp, 0), nil
}

// StoreProviderToken persists the provider access token for the
// identity, overwriting whatever token was stored before.
func (s Service) StoreProviderToken(ctx context.Context, identity Identity, token string, expiration time.Time) error {
	return s.Storer.StoreProviderToken(ctx, ProviderToken{
		IdentityID: identity.ID,
		Token:      token,
		Expiration: expiration,
	})
}

// ProviderAccessToken returns the identity's stored provider token. The
// second return is false when no token is stored or the stored one has
// expired; an expired token is never returned.
func (s Service) ProviderAccessToken(ctx context.Context, identityID string) (string, bool, error) {
	token, err := s.Storer.GetProviderToken(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if !token.Expiration.After(s.clock()) {
		return "", false, nil
	}
	return token.Token, true, nil
}

// SweepExpiredTokens removes all expired provider tokens. Hosts should
// call it on a schedule.
func (s Service) SweepExpiredTokens(ctx context.Context) error {
	return s.Storer.DeleteExpiredProviderTokens(ctx, s.clock())
}
