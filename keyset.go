package inncognito

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jose "gopkg.in/square/go-jose.v2"
)

// KeySets caches the provider's published signing keys in persistent
// storage. The keys are downloaded once, at activation, and every
// verification afterwards reads the stored copy; a provider outage after
// activation doesn't take token verification down with it.
type KeySets struct {
	Issuer     string
	Storer     Storer
	HTTPClient *http.Client

	// set by tests to freeze time.
	now func() time.Time
}

// URL is the provider's key set endpoint, derived from the issuer.
func (k KeySets) URL() string {
	return strings.TrimRight(k.Issuer, "/") + "/.well-known/jwks.json"
}

// Populate downloads and stores the key set if none is stored yet. It is
// idempotent; a stored key set is never refetched.
func (k KeySets) Populate(ctx context.Context) error {
	_, err := k.Storer.GetKeySet(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrKeySetNotFound) {
		return err
	}
	raw, err := k.download(ctx)
	if err != nil {
		return err
	}
	return k.Storer.StoreKeySet(ctx, KeySet{Raw: raw, FetchedAt: k.clock()})
}

// Get returns the stored keys, parsed. ErrKeySetNotFound means Populate
// hasn't run.
func (k KeySets) Get(ctx context.Context) (jose.JSONWebKeySet, error) {
	stored, err := k.Storer.GetKeySet(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(stored.Raw, &keys); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("parsing stored key set: %w", err)
	}
	return keys, nil
}

// Clear drops the stored key set.
func (k KeySets) Clear(ctx context.Context) error {
	return k.Storer.DeleteKeySet(ctx)
}

// download fetches the key set from the provider and validates that it
// parses and carries at least one key before it is accepted.
func (k KeySets) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.URL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching key set: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: key set endpoint returned %s", ErrUpstream, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key set: %v", ErrUpstream, err)
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: parsing key set: %v", ErrUpstream, err)
	}
	if len(keys.Keys) < 1 {
		return nil, fmt.Errorf("%w: key set is empty", ErrUpstream)
	}
	return raw, nil
}

func (k KeySets) clock() time.Time {
	if k.now != nil {
		return k.now()
	}
	return time.Now()
}
