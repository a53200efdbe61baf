// Package memory provides an in-memory Storer implementation, suitable
// for testing and development.
package memory

import (
	"context"
	"strings"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/wp-digital/inncognito"
)

// the key set table only ever holds one row.
const keySetID = "jwks"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"identity": {
			Name: "identity",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"username": {
					Name:    "username",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Username", Lowercase: true},
				},
				"email": {
					Name:    "email",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Email", Lowercase: true},
				},
			},
		},
		"provider_token": {
			Name: "provider_token",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "IdentityID"},
				},
			},
		},
		"key_set": {
			Name: "key_set",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

type keySetRecord struct {
	ID     string
	KeySet inncognito.KeySet
}

// Storer is an in-memory inncognito.Storer backed by go-memdb.
type Storer struct {
	db *memdb.MemDB
}

// NewStorer returns an empty in-memory Storer.
func NewStorer() (*Storer, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Storer{db: db}, nil
}

func (s *Storer) CreateIdentity(_ context.Context, identity inncognito.Identity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, index := range []struct{ name, value string }{
		{"id", identity.ID},
		{"username", identity.Username},
		{"email", identity.Email},
	} {
		existing, err := txn.First("identity", index.name, index.value)
		if err != nil {
			return err
		}
		if existing != nil {
			return inncognito.ErrIdentityAlreadyExists
		}
	}
	if err := txn.Insert("identity", &identity); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Storer) GetIdentity(_ context.Context, id string) (inncognito.Identity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getIdentity(txn, "id", id)
}

func (s *Storer) GetIdentityByEmail(_ context.Context, email string) (inncognito.Identity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getIdentity(txn, "email", strings.ToLower(email))
}

func (s *Storer) GetIdentityByUsername(_ context.Context, username string) (inncognito.Identity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getIdentity(txn, "username", strings.ToLower(username))
}

func getIdentity(txn *memdb.Txn, index, value string) (inncognito.Identity, error) {
	record, err := txn.First("identity", index, value)
	if err != nil {
		return inncognito.Identity{}, err
	}
	if record == nil {
		return inncognito.Identity{}, inncognito.ErrIdentityNotFound
	}
	return *record.(*inncognito.Identity), nil
}

func (s *Storer) MarkManaged(_ context.Context, id string, at time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	identity, err := getIdentity(txn, "id", id)
	if err != nil {
		return err
	}
	if identity.Managed {
		return nil
	}
	identity.Managed = true
	identity.ManagedAt = at
	if err := txn.Insert("identity", &identity); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Storer) SetExternalUsername(_ context.Context, id, username string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	identity, err := getIdentity(txn, "id", id)
	if err != nil {
		return err
	}
	if identity.ExternalUsername == username {
		return nil
	}
	if identity.ExternalUsername != "" {
		return inncognito.ErrIdentityLinkMismatch
	}
	identity.ExternalUsername = username
	if err := txn.Insert("identity", &identity); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Storer) StoreProviderToken(_ context.Context, token inncognito.ProviderToken) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("provider_token", &token); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Storer) GetProviderToken(_ context.Context, identityID string) (inncognito.ProviderToken, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	record, err := txn.First("provider_token", "id", identityID)
	if err != nil {
		return inncognito.ProviderToken{}, err
	}
	if record == nil {
		return inncognito.ProviderToken{}, inncognito.ErrTokenNotFound
	}
	return *record.(*inncognito.ProviderToken), nil
}

func (s *Storer) DeleteExpiredProviderTokens(_ context.Context, now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get("provider_token", "id")
	if err != nil {
		return err
	}
	var expired []*inncognito.ProviderToken
	for record := iter.Next(); record != nil; record = iter.Next() {
		token := record.(*inncognito.ProviderToken)
		if !token.Expiration.After(now) {
			expired = append(expired, token)
		}
	}
	for _, token := range expired {
		if err := txn.Delete("provider_token", token); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (s *Storer) GetKeySet(_ context.Context) (inncognito.KeySet, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	record, err := txn.First("key_set", "id", keySetID)
	if err != nil {
		return inncognito.KeySet{}, err
	}
	if record == nil {
		return inncognito.KeySet{}, inncognito.ErrKeySetNotFound
	}
	return record.(*keySetRecord).KeySet, nil
}

func (s *Storer) StoreKeySet(_ context.Context, keys inncognito.KeySet) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("key_set", &keySetRecord{ID: keySetID, KeySet: keys}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Storer) DeleteKeySet(_ context.Context) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	record, err := txn.First("key_set", "id", keySetID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if err := txn.Delete("key_set", record); err != nil {
		return err
	}
	txn.Commit()
	return nil
}
