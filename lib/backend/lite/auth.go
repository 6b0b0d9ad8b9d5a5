// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package lite

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
)

var authSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tn_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_tag TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'person',
		password_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signing_keys (
		tn_id INTEGER NOT NULL,
		key_id TEXT NOT NULL,
		alg TEXT NOT NULL,
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tn_id, key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		tn_id INTEGER NOT NULL,
		credential_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tn_id, credential_id)
	)`,
	`CREATE TABLE IF NOT EXISTS webauthn_sessions (
		tn_id INTEGER NOT NULL,
		scope TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tn_id, scope, id)
	)`,
	`CREATE TABLE IF NOT EXISTS certs (
		tn_id INTEGER PRIMARY KEY,
		domain TEXT NOT NULL,
		cert BLOB NOT NULL,
		key BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS certs_by_domain ON certs (domain)`,
	`CREATE TABLE IF NOT EXISTS challenges (
		token TEXT PRIMARY KEY,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instance_values (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// AuthBackend implements backend.AuthStore on SQLite.
type AuthBackend struct {
	Config
	db *sql.DB
}

// NewAuthStore opens or creates the identity database.
func NewAuthStore(cfg Config) (*AuthBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := openDB(cfg, authSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuthBackend{Config: cfg, db: db}, nil
}

// Close releases the database handle.
func (a *AuthBackend) Close() error {
	return a.db.Close()
}

// CreateTenant registers a tenant and returns its dense local id.
func (a *AuthBackend) CreateTenant(ctx context.Context, tenant *types.Tenant, password string) (int64, error) {
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		hash = string(h)
	}
	typ := tenant.Type
	if typ == "" {
		typ = types.TenantPerson
	}
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO tenants (id_tag, name, type, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		tenant.IDTag, tenant.Name, string(typ), hash, a.Clock.Now().UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return 0, trace.AlreadyExists("tenant %q already exists", tenant.IDTag)
		}
		return 0, trace.Wrap(err)
	}
	tnID, err := res.LastInsertId()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return tnID, nil
}

// GetTenant returns a tenant by local id.
func (a *AuthBackend) GetTenant(ctx context.Context, tnID int64) (*types.Tenant, error) {
	var t types.Tenant
	var typ string
	var createdAt int64
	err := a.db.QueryRowContext(ctx,
		`SELECT tn_id, id_tag, name, type, created_at FROM tenants WHERE tn_id = ?`, tnID).
		Scan(&t.TnID, &t.IDTag, &t.Name, &typ, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("tenant %v not found", tnID)
		}
		return nil, trace.Wrap(err)
	}
	t.Type = types.TenantType(typ)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}

// GetTnID resolves an identity tag to the local tenant id.
func (a *AuthBackend) GetTnID(ctx context.Context, idTag string) (int64, error) {
	var tnID int64
	err := a.db.QueryRowContext(ctx, `SELECT tn_id FROM tenants WHERE id_tag = ?`, idTag).Scan(&tnID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, trace.NotFound("tenant %q not found", idTag)
		}
		return 0, trace.Wrap(err)
	}
	return tnID, nil
}

// GetIdentityTag resolves a local tenant id to its identity tag.
func (a *AuthBackend) GetIdentityTag(ctx context.Context, tnID int64) (string, error) {
	var idTag string
	err := a.db.QueryRowContext(ctx, `SELECT id_tag FROM tenants WHERE tn_id = ?`, tnID).Scan(&idTag)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.NotFound("tenant %v not found", tnID)
		}
		return "", trace.Wrap(err)
	}
	return idTag, nil
}

// VerifyPassword checks a tenant password.
func (a *AuthBackend) VerifyPassword(ctx context.Context, tnID int64, password string) error {
	var hash string
	err := a.db.QueryRowContext(ctx, `SELECT password_hash FROM tenants WHERE tn_id = ?`, tnID).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return trace.NotFound("tenant %v not found", tnID)
		}
		return trace.Wrap(err)
	}
	if hash == "" {
		return trace.AccessDenied("password login is disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return trace.AccessDenied("invalid password")
	}
	return nil
}

// SetPassword replaces a tenant password.
func (a *AuthBackend) SetPassword(ctx context.Context, tnID int64, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return trace.Wrap(err)
	}
	res, err := a.db.ExecContext(ctx, `UPDATE tenants SET password_hash = ? WHERE tn_id = ?`, string(hash), tnID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "tenant %v not found", tnID))
}

// CreateSigningKey stores a tenant signing key with its published
// public half.
func (a *AuthBackend) CreateSigningKey(ctx context.Context, tnID int64, key types.ProfileKey, privateKey string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO signing_keys (tn_id, key_id, alg, public_key, private_key, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tnID, key.KeyID, key.Alg, key.PublicKey, privateKey, nullMillis(key.ExpiresAt), a.Clock.Now().UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return trace.AlreadyExists("signing key %q already exists", key.KeyID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// GetSigningKey returns the most recently created signing key.
func (a *AuthBackend) GetSigningKey(ctx context.Context, tnID int64) (string, string, error) {
	var keyID, privateKey string
	err := a.db.QueryRowContext(ctx,
		`SELECT key_id, private_key FROM signing_keys WHERE tn_id = ? ORDER BY created_at DESC, key_id DESC LIMIT 1`, tnID).
		Scan(&keyID, &privateKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", trace.NotFound("tenant %v has no signing key", tnID)
		}
		return "", "", trace.Wrap(err)
	}
	return keyID, privateKey, nil
}

// ListPublicKeys returns the published key set of a tenant, newest
// first.
func (a *AuthBackend) ListPublicKeys(ctx context.Context, tnID int64) ([]types.ProfileKey, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT key_id, alg, public_key, expires_at FROM signing_keys WHERE tn_id = ? ORDER BY created_at DESC, key_id DESC`, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var keys []types.ProfileKey
	for rows.Next() {
		var k types.ProfileKey
		var expires sql.NullInt64
		if err := rows.Scan(&k.KeyID, &k.Alg, &k.PublicKey, &expires); err != nil {
			return nil, trace.Wrap(err)
		}
		k.ExpiresAt = millisPtr(expires)
		keys = append(keys, k)
	}
	return keys, trace.Wrap(rows.Err())
}

// CreateCredential stores a WebAuthn credential.
func (a *AuthBackend) CreateCredential(ctx context.Context, cred *backend.Credential) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO credentials (tn_id, credential_id, name, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		cred.TnID, cred.CredentialID, cred.Name, cred.Data, a.Clock.Now().UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return trace.AlreadyExists("credential %q already exists", cred.CredentialID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListCredentials returns the WebAuthn credentials of a tenant.
func (a *AuthBackend) ListCredentials(ctx context.Context, tnID int64) ([]backend.Credential, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT tn_id, credential_id, name, data, created_at FROM credentials WHERE tn_id = ? ORDER BY created_at`, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var creds []backend.Credential
	for rows.Next() {
		var c backend.Credential
		var createdAt int64
		if err := rows.Scan(&c.TnID, &c.CredentialID, &c.Name, &c.Data, &createdAt); err != nil {
			return nil, trace.Wrap(err)
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		creds = append(creds, c)
	}
	return creds, trace.Wrap(rows.Err())
}

// DeleteCredential removes one WebAuthn credential.
func (a *AuthBackend) DeleteCredential(ctx context.Context, tnID int64, credentialID string) error {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE tn_id = ? AND credential_id = ?`, tnID, credentialID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "credential %q not found", credentialID))
}

// UpsertWebauthnSession stores in-flight ceremony state.
func (a *AuthBackend) UpsertWebauthnSession(ctx context.Context, tnID int64, scope, id string, data []byte) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO webauthn_sessions (tn_id, scope, id, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tn_id, scope, id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		tnID, scope, id, data, a.Clock.Now().UnixMilli())
	return trace.Wrap(err)
}

// TakeWebauthnSession returns and deletes ceremony state.
func (a *AuthBackend) TakeWebauthnSession(ctx context.Context, tnID int64, scope, id string) ([]byte, error) {
	var data []byte
	err := inTransaction(ctx, a.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM webauthn_sessions WHERE tn_id = ? AND scope = ? AND id = ?`, tnID, scope, id).
			Scan(&data)
		if err != nil {
			if err == sql.ErrNoRows {
				return trace.NotFound("webauthn session not found")
			}
			return trace.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM webauthn_sessions WHERE tn_id = ? AND scope = ? AND id = ?`, tnID, scope, id)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UpsertCert stores a tenant certificate.
func (a *AuthBackend) UpsertCert(ctx context.Context, cert *backend.TenantCert) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO certs (tn_id, domain, cert, key, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tn_id) DO UPDATE SET domain = excluded.domain, cert = excluded.cert,
			key = excluded.key, expires_at = excluded.expires_at`,
		cert.TnID, cert.Domain, cert.Cert, cert.Key, cert.ExpiresAt.UnixMilli())
	return trace.Wrap(err)
}

// GetCert returns the certificate of a tenant.
func (a *AuthBackend) GetCert(ctx context.Context, tnID int64) (*backend.TenantCert, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT tn_id, domain, cert, key, expires_at FROM certs WHERE tn_id = ?`, tnID)
	cert, err := scanCert(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("tenant %v has no certificate", tnID)
		}
		return nil, trace.Wrap(err)
	}
	return cert, nil
}

// GetCertByDomain returns the certificate covering a domain.
func (a *AuthBackend) GetCertByDomain(ctx context.Context, domain string) (*backend.TenantCert, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT tn_id, domain, cert, key, expires_at FROM certs WHERE domain = ?`, domain)
	cert, err := scanCert(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no certificate for domain %q", domain)
		}
		return nil, trace.Wrap(err)
	}
	return cert, nil
}

func scanCert(row *sql.Row) (*backend.TenantCert, error) {
	var c backend.TenantCert
	var expiresAt int64
	err := row.Scan(&c.TnID, &c.Domain, &c.Cert, &c.Key, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("certificate not found")
		}
		return nil, trace.Wrap(err)
	}
	c.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &c, nil
}

// ListExpiringCerts returns tenants whose certificate is missing or
// expires before the deadline.
func (a *AuthBackend) ListExpiringCerts(ctx context.Context, deadline time.Time) ([]int64, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT t.tn_id FROM tenants t LEFT JOIN certs c ON c.tn_id = t.tn_id
		 WHERE c.tn_id IS NULL OR c.expires_at < ? ORDER BY t.tn_id`, deadline.UnixMilli())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var tnIDs []int64
	for rows.Next() {
		var tnID int64
		if err := rows.Scan(&tnID); err != nil {
			return nil, trace.Wrap(err)
		}
		tnIDs = append(tnIDs, tnID)
	}
	return tnIDs, trace.Wrap(rows.Err())
}

// UpsertChallenge stores an ACME HTTP-01 challenge response.
func (a *AuthBackend) UpsertChallenge(ctx context.Context, token, response string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO challenges (token, response, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (token) DO UPDATE SET response = excluded.response, created_at = excluded.created_at`,
		token, response, a.Clock.Now().UnixMilli())
	return trace.Wrap(err)
}

// GetChallenge returns a stored challenge response.
func (a *AuthBackend) GetChallenge(ctx context.Context, token string) (string, error) {
	var response string
	err := a.db.QueryRowContext(ctx, `SELECT response FROM challenges WHERE token = ?`, token).Scan(&response)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.NotFound("challenge not found")
		}
		return "", trace.Wrap(err)
	}
	return response, nil
}

// DeleteChallenge removes a challenge response.
func (a *AuthBackend) DeleteChallenge(ctx context.Context, token string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM challenges WHERE token = ?`, token)
	return trace.Wrap(err)
}

// GetInstanceValue reads an instance-global value.
func (a *AuthBackend) GetInstanceValue(ctx context.Context, name string) (string, error) {
	var value string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM instance_values WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.NotFound("instance value %q not found", name)
		}
		return "", trace.Wrap(err)
	}
	return value, nil
}

// SetInstanceValue stores an instance-global value.
func (a *AuthBackend) SetInstanceValue(ctx context.Context, name, value string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO instance_values (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	return trace.Wrap(err)
}

func checkAffected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound(format, args...)
	}
	return nil
}
