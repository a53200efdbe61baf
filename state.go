package inncognito

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// actions a State can carry.
const (
	ActionLogin = "login"
	ActionToken = "token"
)

var (
	// ErrInvalidEncoding is returned when a State token can't be
	// parsed at all.
	ErrInvalidEncoding = errors.New("invalid state encoding")

	// ErrKeyMismatch is returned when the supplied one-time key
	// doesn't match the hash stored in the State token.
	ErrKeyMismatch = errors.New("invalid key")
)

// State is the intent of one authorization-code round trip: what the
// flow is for, where to land afterwards, when it stops being redeemable,
// and the one-time key that redeems it. It is carried entirely in the
// nonce-wrapped cookie plus the URL-carried key and is never persisted.
type State struct {
	Action     string
	RedirectTo string

	// Expiration is epoch seconds; strictly checked at redemption.
	Expiration int64

	// Key is the random one-time key. Only a password-style hash of
	// it goes into the encoded token; the key itself travels in the
	// provider redirect URL.
	Key string
}

// wire form of a State. Integrity comes from the outer nonce wrapping,
// not from this layer; there is deliberately no independent signature.
type statePayload struct {
	Action     string `json:"action"`
	RedirectTo string `json:"redirect_to,omitempty"`
	Expiration int64  `json:"expiration"`
	Hash       string `json:"hash"`
}

// Encode serializes the State into a compact token, hashing the one-time
// key so the token never contains it.
func (s State) Encode() (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(s.Key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing state key: %w", err)
	}
	payload, err := json.Marshal(statePayload{
		Action:     s.Action,
		RedirectTo: s.RedirectTo,
		Expiration: s.Expiration,
		Hash:       string(hash),
	})
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeState parses an encoded State and proves possession of its
// one-time key. Malformed input fails with ErrInvalidEncoding; a key
// that doesn't match the stored hash fails with ErrKeyMismatch. On
// success the returned State carries the supplied key.
func DecodeState(encoded, key string) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if payload.Hash == "" {
		return State{}, ErrKeyMismatch
	}
	if bcrypt.CompareHashAndPassword([]byte(payload.Hash), []byte(key)) != nil {
		return State{}, ErrKeyMismatch
	}
	return State{
		Action:     payload.Action,
		RedirectTo: payload.RedirectTo,
		Expiration: payload.Expiration,
		Key:        key,
	}, nil
}
