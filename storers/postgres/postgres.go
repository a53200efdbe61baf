// Package postgres provides a PostgreSQL-backed Storer implementation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/wp-digital/inncognito"
)

// migrations are idempotent; Migrate can run on every startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS inncognito_identities (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		managed BOOLEAN NOT NULL DEFAULT FALSE,
		managed_at TIMESTAMPTZ,
		external_username TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS inncognito_provider_tokens (
		identity_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expiration TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inncognito_jwks (
		id TEXT PRIMARY KEY,
		raw BYTEA NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL
	)`,
}

const keySetID = "jwks"

// Storer is a PostgreSQL-backed inncognito.Storer.
type Storer struct {
	db *sql.DB
}

// NewStorer wraps the connection. Callers own the pool's lifecycle.
func NewStorer(db *sql.DB) *Storer {
	return &Storer{db: db}
}

// Migrate creates the tables if they don't exist yet.
func (s *Storer) Migrate(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storer) CreateIdentity(ctx context.Context, identity inncognito.Identity) error {
	var managedAt sql.NullTime
	if !identity.ManagedAt.IsZero() {
		managedAt = sql.NullTime{Time: identity.ManagedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO inncognito_identities
		(id, username, email, display_name, role, managed, managed_at, external_username)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		identity.ID, strings.ToLower(identity.Username), strings.ToLower(identity.Email),
		identity.DisplayName, identity.Role, identity.Managed, managedAt,
		identity.ExternalUsername)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return inncognito.ErrIdentityAlreadyExists
	}
	return err
}

func (s *Storer) GetIdentity(ctx context.Context, id string) (inncognito.Identity, error) {
	return s.getIdentity(ctx, "id = $1", id)
}

func (s *Storer) GetIdentityByEmail(ctx context.Context, email string) (inncognito.Identity, error) {
	return s.getIdentity(ctx, "email = $1", strings.ToLower(email))
}

func (s *Storer) GetIdentityByUsername(ctx context.Context, username string) (inncognito.Identity, error) {
	return s.getIdentity(ctx, "username = $1", strings.ToLower(username))
}

func (s *Storer) getIdentity(ctx context.Context, where string, arg interface{}) (inncognito.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, email, display_name,
		role, managed, managed_at, external_username
		FROM inncognito_identities WHERE `+where, arg)
	var identity inncognito.Identity
	var managedAt sql.NullTime
	err := row.Scan(&identity.ID, &identity.Username, &identity.Email,
		&identity.DisplayName, &identity.Role, &identity.Managed, &managedAt,
		&identity.ExternalUsername)
	if errors.Is(err, sql.ErrNoRows) {
		return inncognito.Identity{}, inncognito.ErrIdentityNotFound
	}
	if err != nil {
		return inncognito.Identity{}, err
	}
	if managedAt.Valid {
		identity.ManagedAt = managedAt.Time
	}
	return identity, nil
}

func (s *Storer) MarkManaged(ctx context.Context, id string, at time.Time) error {
	// the condition keeps the flag and timestamp monotonic; marking an
	// already-managed identity is a no-op.
	result, err := s.db.ExecContext(ctx, `UPDATE inncognito_identities
		SET managed = TRUE, managed_at = $2
		WHERE id = $1 AND managed = FALSE`, id, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		_, err = s.GetIdentity(ctx, id)
		return err
	}
	return nil
}

func (s *Storer) SetExternalUsername(ctx context.Context, id, username string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE inncognito_identities
		SET external_username = $2
		WHERE id = $1 AND (external_username = '' OR external_username = $2)`,
		id, username)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetIdentity(ctx, id); err != nil {
			return err
		}
		return inncognito.ErrIdentityLinkMismatch
	}
	return nil
}

func (s *Storer) StoreProviderToken(ctx context.Context, token inncognito.ProviderToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO inncognito_provider_tokens
		(identity_id, token, expiration) VALUES ($1, $2, $3)
		ON CONFLICT (identity_id) DO UPDATE
		SET token = EXCLUDED.token, expiration = EXCLUDED.expiration`,
		token.IdentityID, inncognito.EncodeProviderToken(token.Token, token.Expiration),
		token.Expiration)
	return err
}

func (s *Storer) GetProviderToken(ctx context.Context, identityID string) (inncognito.ProviderToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token FROM inncognito_provider_tokens
		WHERE identity_id = $1`, identityID)
	var encoded string
	err := row.Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return inncognito.ProviderToken{}, inncognito.ErrTokenNotFound
	}
	if err != nil {
		return inncognito.ProviderToken{}, err
	}
	raw, expiration, err := inncognito.DecodeProviderToken(encoded)
	if err != nil {
		return inncognito.ProviderToken{}, err
	}
	return inncognito.ProviderToken{
		IdentityID: identityID,
		Token:      raw,
		Expiration: expiration,
	}, nil
}

func (s *Storer) DeleteExpiredProviderTokens(ctx context.Context, now time.Time) error {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_id FROM inncognito_provider_tokens
		WHERE expiration <= $1`, now)
	if err != nil {
		return err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM inncognito_provider_tokens
		WHERE identity_id = ANY($1)`, pq.Array(ids))
	return err
}

func (s *Storer) GetKeySet(ctx context.Context) (inncognito.KeySet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT raw, fetched_at FROM inncognito_jwks
		WHERE id = $1`, keySetID)
	var keys inncognito.KeySet
	err := row.Scan(&keys.Raw, &keys.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inncognito.KeySet{}, inncognito.ErrKeySetNotFound
	}
	if err != nil {
		return inncognito.KeySet{}, err
	}
	return keys, nil
}

func (s *Storer) StoreKeySet(ctx context.Context, keys inncognito.KeySet) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO inncognito_jwks (id, raw, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET raw = EXCLUDED.raw, fetched_at = EXCLUDED.fetched_at`,
		keySetID, keys.Raw, keys.FetchedAt)
	return err
}

func (s *Storer) DeleteKeySet(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inncognito_jwks WHERE id = $1`, keySetID)
	return err
}
