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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo/api/types"
	"github.com/cloudillo/cloudillo/lib/backend"
	"github.com/cloudillo/cloudillo/lib/defaults"
)

var metaSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		tn_id INTEGER NOT NULL,
		id_tag TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'person',
		profile_pic TEXT NOT NULL DEFAULT '',
		cover_pic TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'A',
		connected INTEGER NOT NULL DEFAULT 0,
		following INTEGER NOT NULL DEFAULT 0,
		etag TEXT NOT NULL DEFAULT '',
		synced_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tn_id, id_tag)
	)`,
	`CREATE TABLE IF NOT EXISTS profile_keys (
		tn_id INTEGER NOT NULL,
		id_tag TEXT NOT NULL,
		key_id TEXT NOT NULL,
		alg TEXT NOT NULL,
		public_key TEXT NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (tn_id, id_tag, key_id)
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		action_id TEXT NOT NULL,
		tn_id INTEGER NOT NULL,
		key TEXT,
		type TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		root_id TEXT NOT NULL DEFAULT '',
		issuer_tag TEXT NOT NULL,
		audience_tag TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		content TEXT,
		attachments TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		status TEXT NOT NULL DEFAULT 'N',
		token TEXT NOT NULL,
		PRIMARY KEY (tn_id, action_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS actions_live_key ON actions (tn_id, key)
		WHERE key IS NOT NULL AND status != 'D'`,
	`CREATE INDEX IF NOT EXISTS actions_by_parent ON actions (tn_id, parent_id)`,
	`CREATE INDEX IF NOT EXISTS actions_by_created ON actions (tn_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS files (
		file_id TEXT NOT NULL,
		tn_id INTEGER NOT NULL,
		owner_tag TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		preset TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'A',
		PRIMARY KEY (tn_id, file_id)
	)`,
	`CREATE TABLE IF NOT EXISTS file_variants (
		tn_id INTEGER NOT NULL,
		file_id TEXT NOT NULL,
		variant TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		format TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tn_id, file_id, variant)
	)`,
	`CREATE TABLE IF NOT EXISTS file_tags (
		tn_id INTEGER NOT NULL,
		file_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (tn_id, file_id, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS refs (
		ref_id TEXT NOT NULL,
		tn_id INTEGER NOT NULL,
		resource_id TEXT NOT NULL,
		access TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		quota INTEGER,
		count INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tn_id, ref_id)
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		tn_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (tn_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		subs_id TEXT NOT NULL,
		tn_id INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		keys TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tn_id, subs_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tn_id INTEGER NOT NULL,
		action_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_by_next ON deliveries (next_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		id_tag TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}

// MetaBackend implements backend.MetaStore on SQLite.
type MetaBackend struct {
	Config
	db *sql.DB
}

// NewMetaStore opens or creates the metadata database.
func NewMetaStore(cfg Config) (*MetaBackend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := openDB(cfg, metaSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &MetaBackend{Config: cfg, db: db}, nil
}

// Close releases the database handle.
func (m *MetaBackend) Close() error {
	return m.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaults.ListLimit
	}
	if limit > defaults.MaxListLimit {
		return defaults.MaxListLimit
	}
	return limit
}

// seqCursor encodes a (sequence, id) position in a descending listing.
func seqCursor(seq int64, id string) string {
	return strconv.FormatInt(seq, 10) + ":" + id
}

func parseSeqCursor(cursor string) (int64, string, error) {
	seqStr, id, found := strings.Cut(cursor, ":")
	if !found {
		return 0, "", trace.BadParameter("invalid cursor %q", cursor)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, "", trace.BadParameter("invalid cursor %q", cursor)
	}
	return seq, id, nil
}

//
// Profiles
//

// UpsertProfile creates or refreshes a cached profile row. Descriptive
// fields are overwritten; relationship fields survive refreshes.
func (m *MetaBackend) UpsertProfile(ctx context.Context, profile *types.Profile) error {
	status := profile.Status
	if status == "" {
		status = types.ProfileActive
	}
	typ := profile.Type
	if typ == "" {
		typ = types.TenantPerson
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO profiles (tn_id, id_tag, name, type, profile_pic, cover_pic, status, connected, following, etag, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tn_id, id_tag) DO UPDATE SET
			name = excluded.name, type = excluded.type,
			profile_pic = excluded.profile_pic, cover_pic = excluded.cover_pic`,
		profile.TnID, profile.IDTag, profile.Name, string(typ), profile.ProfilePic, profile.CoverPic,
		string(status), profile.Connected, profile.Following, profile.ETag, profile.SyncedAt.UnixMilli())
	return trace.Wrap(err)
}

const selectProfile = `SELECT tn_id, id_tag, name, type, profile_pic, cover_pic, status, connected, following, etag, synced_at FROM profiles`

func scanProfile(row interface{ Scan(...any) error }) (*types.Profile, error) {
	var p types.Profile
	var typ, status string
	var syncedAt int64
	err := row.Scan(&p.TnID, &p.IDTag, &p.Name, &typ, &p.ProfilePic, &p.CoverPic, &status, &p.Connected, &p.Following, &p.ETag, &syncedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("profile not found")
		}
		return nil, trace.Wrap(err)
	}
	p.Type = types.TenantType(typ)
	p.Status = types.ProfileStatus(status)
	p.SyncedAt = time.UnixMilli(syncedAt).UTC()
	return &p, nil
}

// GetProfile returns one tenant's view of an identity.
func (m *MetaBackend) GetProfile(ctx context.Context, tnID int64, idTag string) (*types.Profile, error) {
	p, err := scanProfile(m.db.QueryRowContext(ctx, selectProfile+` WHERE tn_id = ? AND id_tag = ?`, tnID, idTag))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("profile %q not found", idTag)
		}
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// ListProfiles lists profiles with filters and cursor pagination.
func (m *MetaBackend) ListProfiles(ctx context.Context, tnID int64, opts types.ListProfilesOptions) ([]types.Profile, string, error) {
	where := []string{"tn_id = ?"}
	args := []any{tnID}
	if opts.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(opts.Type))
	}
	if len(opts.Statuses) > 0 {
		ph := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	} else {
		where = append(where, "status != ?")
		args = append(args, string(types.ProfileBlocked))
	}
	if opts.Connected != nil {
		where = append(where, "connected = ?")
		args = append(args, *opts.Connected)
	}
	if opts.Following != nil {
		where = append(where, "following = ?")
		args = append(args, *opts.Following)
	}
	if opts.Query != "" {
		where = append(where, "(id_tag LIKE ? OR name LIKE ?)")
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}
	if opts.Cursor != "" {
		where = append(where, "id_tag > ?")
		args = append(args, opts.Cursor)
	}
	limit := clampLimit(opts.Limit)
	args = append(args, limit+1)

	rows, err := m.db.QueryContext(ctx,
		selectProfile+` WHERE `+strings.Join(where, " AND ")+` ORDER BY id_tag LIMIT ?`, args...)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	defer rows.Close()

	var profiles []types.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	next := ""
	if len(profiles) > limit {
		profiles = profiles[:limit]
		next = profiles[limit-1].IDTag
	}
	return profiles, next, nil
}

// SetProfileStatus updates the relationship status.
func (m *MetaBackend) SetProfileStatus(ctx context.Context, tnID int64, idTag string, status types.ProfileStatus) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE profiles SET status = ? WHERE tn_id = ? AND id_tag = ?`, string(status), tnID, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "profile %q not found", idTag))
}

// SetProfileConnected flips the connection flag.
func (m *MetaBackend) SetProfileConnected(ctx context.Context, tnID int64, idTag string, connected bool) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE profiles SET connected = ? WHERE tn_id = ? AND id_tag = ?`, connected, tnID, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "profile %q not found", idTag))
}

// SetProfileFollowing flips the following flag.
func (m *MetaBackend) SetProfileFollowing(ctx context.Context, tnID int64, idTag string, following bool) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE profiles SET following = ? WHERE tn_id = ? AND id_tag = ?`, following, tnID, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "profile %q not found", idTag))
}

// SetProfileSynced records a completed profile sync.
func (m *MetaBackend) SetProfileSynced(ctx context.Context, tnID int64, idTag, etag string, at time.Time) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE profiles SET etag = ?, synced_at = ? WHERE tn_id = ? AND id_tag = ?`,
		etag, at.UnixMilli(), tnID, idTag)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "profile %q not found", idTag))
}

// ListStaleProfiles returns remote profiles not synced since the
// deadline, oldest first.
func (m *MetaBackend) ListStaleProfiles(ctx context.Context, deadline time.Time, limit int) ([]types.Profile, error) {
	rows, err := m.db.QueryContext(ctx,
		selectProfile+` WHERE status != ? AND synced_at < ? ORDER BY synced_at LIMIT ?`,
		string(types.ProfileTrusted), deadline.UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var profiles []types.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, trace.Wrap(rows.Err())
}

// ListFollowers returns the idTags of peers subscribed to the tenant's
// broadcasts. The limit is taken as given: fan-out budgets may exceed
// the page size of the cursor listings.
func (m *MetaBackend) ListFollowers(ctx context.Context, tnID int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaults.ListLimit
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id_tag FROM profiles WHERE tn_id = ? AND (status = ? OR connected = 1) AND status NOT IN (?, ?)
		 ORDER BY id_tag LIMIT ?`,
		tnID, string(types.ProfileFollower), string(types.ProfileBlocked), string(types.ProfileTrusted), limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var idTags []string
	for rows.Next() {
		var idTag string
		if err := rows.Scan(&idTag); err != nil {
			return nil, trace.Wrap(err)
		}
		idTags = append(idTags, idTag)
	}
	return idTags, trace.Wrap(rows.Err())
}

// UpsertProfileKeys replaces the cached public key set of a profile.
func (m *MetaBackend) UpsertProfileKeys(ctx context.Context, tnID int64, idTag string, keys []types.ProfileKey) error {
	return inTransaction(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM profile_keys WHERE tn_id = ? AND id_tag = ?`, tnID, idTag); err != nil {
			return trace.Wrap(err)
		}
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO profile_keys (tn_id, id_tag, key_id, alg, public_key, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
				tnID, idTag, k.KeyID, k.Alg, k.PublicKey, nullMillis(k.ExpiresAt)); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}

// ListProfileKeys returns the cached public keys of a profile.
func (m *MetaBackend) ListProfileKeys(ctx context.Context, tnID int64, idTag string) ([]types.ProfileKey, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key_id, alg, public_key, expires_at FROM profile_keys WHERE tn_id = ? AND id_tag = ? ORDER BY key_id`,
		tnID, idTag)
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

//
// Actions
//

const selectAction = `SELECT action_id, tn_id, key, type, subtype, parent_id, root_id, issuer_tag, audience_tag,
	subject, content, attachments, created_at, expires_at, status FROM actions`

func scanAction(row interface{ Scan(...any) error }) (*types.Action, error) {
	var a types.Action
	var key, content, attachments sql.NullString
	var createdAt int64
	var expires sql.NullInt64
	var status string
	err := row.Scan(&a.ActionID, &a.TnID, &key, &a.Type, &a.SubType, &a.ParentID, &a.RootID,
		&a.IssuerTag, &a.AudienceTag, &a.Subject, &content, &attachments, &createdAt, &expires, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("action not found")
		}
		return nil, trace.Wrap(err)
	}
	a.Key = key.String
	if content.Valid {
		a.Content = json.RawMessage(content.String)
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &a.Attachments); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	a.CreatedAt = types.Timestamp(createdAt)
	if expires.Valid {
		exp := types.Timestamp(expires.Int64)
		a.Expires = &exp
	}
	a.Status = types.ActionStatus(status)
	return &a, nil
}

func encodeAttachments(attachments []string) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(b), nil
}

// CreateAction atomically persists an action with its signed token.
// A live action already holding the idempotency key, or a duplicate
// content address, is returned together with an AlreadyExists error.
func (m *MetaBackend) CreateAction(ctx context.Context, action *types.Action, token string) (*types.Action, error) {
	attachments, err := encodeAttachments(action.Attachments)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status := action.Status
	if status == "" {
		status = types.ActionNew
	}
	var expires sql.NullInt64
	if action.Expires != nil {
		expires = sql.NullInt64{Int64: int64(*action.Expires), Valid: true}
	}
	var content sql.NullString
	if len(action.Content) > 0 {
		content = sql.NullString{String: string(action.Content), Valid: true}
	}

	var existing *types.Action
	err = inTransaction(ctx, m.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO actions (action_id, tn_id, key, type, subtype, parent_id, root_id, issuer_tag,
				audience_tag, subject, content, attachments, created_at, expires_at, status, token)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			action.ActionID, action.TnID, nullString(action.Key), action.Type, action.SubType,
			action.ParentID, action.RootID, action.IssuerTag, action.AudienceTag, action.Subject,
			content, attachments, int64(action.CreatedAt), expires, string(status), token)
		if err == nil {
			return nil
		}
		if !isConstraintError(err) {
			return trace.Wrap(err)
		}
		row, scanErr := scanAction(tx.QueryRowContext(ctx,
			selectAction+` WHERE tn_id = ? AND action_id = ?`, action.TnID, action.ActionID))
		if scanErr == nil {
			existing = row
			return nil
		}
		if !trace.IsNotFound(scanErr) {
			return trace.Wrap(scanErr)
		}
		if action.Key != "" {
			row, scanErr := scanAction(tx.QueryRowContext(ctx,
				selectAction+` WHERE tn_id = ? AND key = ? AND status != 'D'`, action.TnID, action.Key))
			if scanErr == nil {
				existing = row
				return nil
			}
			if !trace.IsNotFound(scanErr) {
				return trace.Wrap(scanErr)
			}
		}
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if existing != nil {
		return existing, trace.AlreadyExists("action already exists")
	}
	stored := *action
	stored.Status = status
	return &stored, nil
}

// GetAction returns an action by content address.
func (m *MetaBackend) GetAction(ctx context.Context, tnID int64, actionID string) (*types.Action, error) {
	a, err := scanAction(m.db.QueryRowContext(ctx,
		selectAction+` WHERE tn_id = ? AND action_id = ?`, tnID, actionID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("action %q not found", actionID)
		}
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// GetActionByKey returns the live action stored under key.
func (m *MetaBackend) GetActionByKey(ctx context.Context, tnID int64, key string) (*types.Action, error) {
	a, err := scanAction(m.db.QueryRowContext(ctx,
		selectAction+` WHERE tn_id = ? AND key = ? AND status != 'D'`, tnID, key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no live action with key %q", key)
		}
		return nil, trace.Wrap(err)
	}
	return a, nil
}

// GetActionToken returns the verbatim signed token of an action.
func (m *MetaBackend) GetActionToken(ctx context.Context, tnID int64, actionID string) (string, error) {
	var token string
	err := m.db.QueryRowContext(ctx,
		`SELECT token FROM actions WHERE tn_id = ? AND action_id = ?`, tnID, actionID).Scan(&token)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.NotFound("action %q not found", actionID)
		}
		return "", trace.Wrap(err)
	}
	return token, nil
}

// UpdateActionStatus transitions the action status.
func (m *MetaBackend) UpdateActionStatus(ctx context.Context, tnID int64, actionID string, status types.ActionStatus) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE tn_id = ? AND action_id = ?`, string(status), tnID, actionID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "action %q not found", actionID))
}

func actionListQuery(tnID int64, opts types.ListActionsOptions) (string, []any, int, error) {
	where := []string{"tn_id = ?"}
	args := []any{tnID}
	if len(opts.Types) > 0 {
		ph := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			ph[i] = "?"
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}
	if opts.IssuerTag != "" {
		where = append(where, "issuer_tag = ?")
		args = append(args, opts.IssuerTag)
	}
	if opts.AudienceTag != "" {
		where = append(where, "audience_tag = ?")
		args = append(args, opts.AudienceTag)
	}
	if opts.Involved != "" {
		where = append(where, "(issuer_tag = ? OR audience_tag = ?)")
		args = append(args, opts.Involved, opts.Involved)
	}
	if opts.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, opts.ParentID)
	}
	if opts.RootID != "" {
		where = append(where, "root_id = ?")
		args = append(args, opts.RootID)
	}
	if opts.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, opts.Subject)
	}
	if len(opts.Statuses) > 0 {
		ph := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	} else {
		where = append(where, "status != ?")
		args = append(args, string(types.ActionDeleted))
	}
	if opts.After != 0 {
		where = append(where, "created_at > ?")
		args = append(args, int64(opts.After))
	}
	if opts.Before != 0 {
		where = append(where, "created_at < ?")
		args = append(args, int64(opts.Before))
	}
	if opts.Cursor != "" {
		seq, id, err := parseSeqCursor(opts.Cursor)
		if err != nil {
			return "", nil, 0, trace.Wrap(err)
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND action_id < ?))")
		args = append(args, seq, seq, id)
	}
	limit := clampLimit(opts.Limit)
	args = append(args, limit+1)
	return " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC, action_id DESC LIMIT ?", args, limit, nil
}

// ListActions lists actions with filters and cursor pagination, newest
// first.
func (m *MetaBackend) ListActions(ctx context.Context, tnID int64, opts types.ListActionsOptions) ([]types.Action, string, error) {
	suffix, args, limit, err := actionListQuery(tnID, opts)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	rows, err := m.db.QueryContext(ctx, selectAction+suffix, args...)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	defer rows.Close()
	var actions []types.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		actions = append(actions, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	next := ""
	if len(actions) > limit {
		actions = actions[:limit]
		last := actions[limit-1]
		next = seqCursor(int64(last.CreatedAt), last.ActionID)
	}
	return actions, next, nil
}

// ListActionTokens returns signed tokens of actions, newest first.
func (m *MetaBackend) ListActionTokens(ctx context.Context, tnID int64, opts types.ListActionsOptions) ([]string, string, error) {
	suffix, args, limit, err := actionListQuery(tnID, opts)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT token, created_at, action_id FROM actions`+suffix, args...)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	defer rows.Close()
	type tokenRow struct {
		token string
		seq   int64
		id    string
	}
	var scanned []tokenRow
	for rows.Next() {
		var tr tokenRow
		if err := rows.Scan(&tr.token, &tr.seq, &tr.id); err != nil {
			return nil, "", trace.Wrap(err)
		}
		scanned = append(scanned, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	next := ""
	if len(scanned) > limit {
		scanned = scanned[:limit]
		last := scanned[limit-1]
		next = seqCursor(last.seq, last.id)
	}
	tokens := make([]string, 0, len(scanned))
	for _, tr := range scanned {
		tokens = append(tokens, tr.token)
	}
	return tokens, next, nil
}

// GetActionStat aggregates the interaction counters of an action.
func (m *MetaBackend) GetActionStat(ctx context.Context, tnID int64, actionID string) (*types.ActionStat, error) {
	var stat types.ActionStat
	err := m.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN type = ? THEN 1 END),
			COUNT(CASE WHEN type = ? THEN 1 END),
			COUNT(CASE WHEN type = ? THEN 1 END)
		 FROM actions WHERE tn_id = ? AND parent_id = ? AND status NOT IN ('D', 'R') AND subtype != ?`,
		types.ActionReact, types.ActionComment, types.ActionRepost, tnID, actionID, types.SubTypeDelete).
		Scan(&stat.Reactions, &stat.Comments, &stat.Reposts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &stat, nil
}

//
// Files
//

// CreateFile stores file metadata. Re-announcing a known fileId is a
// no-op.
func (m *MetaBackend) CreateFile(ctx context.Context, file *types.FileMeta) error {
	status := file.Status
	if status == "" {
		status = types.FileActive
	}
	createdAt := file.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.Clock.Now()
	}
	return inTransaction(ctx, m.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO files (file_id, tn_id, owner_tag, parent_id, preset, content_type, file_name, created_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			file.FileID, file.TnID, file.OwnerTag, file.ParentID, file.Preset,
			file.ContentType, file.FileName, createdAt.UnixMilli(), string(status))
		if err != nil {
			return trace.Wrap(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return trace.Wrap(err)
		} else if n == 0 {
			return nil
		}
		for _, v := range file.Variants {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO file_variants (tn_id, file_id, variant, variant_id, format, size) VALUES (?, ?, ?, ?, ?, ?)`,
				file.TnID, file.FileID, v.Variant, v.VariantID, v.Format, v.Size); err != nil {
				return trace.Wrap(err)
			}
		}
		for _, tag := range file.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO file_tags (tn_id, file_id, tag) VALUES (?, ?, ?)`,
				file.TnID, file.FileID, tag); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}

const selectFile = `SELECT file_id, tn_id, owner_tag, parent_id, preset, content_type, file_name, created_at, status FROM files`

func scanFile(row interface{ Scan(...any) error }) (*types.FileMeta, error) {
	var f types.FileMeta
	var createdAt int64
	var status string
	err := row.Scan(&f.FileID, &f.TnID, &f.OwnerTag, &f.ParentID, &f.Preset, &f.ContentType, &f.FileName, &createdAt, &status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("file not found")
		}
		return nil, trace.Wrap(err)
	}
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.Status = types.FileStatus(status)
	return &f, nil
}

func (m *MetaBackend) loadFileDetails(ctx context.Context, q querier, f *types.FileMeta) error {
	rows, err := q.QueryContext(ctx,
		`SELECT variant, variant_id, format, size FROM file_variants WHERE tn_id = ? AND file_id = ? ORDER BY variant`,
		f.TnID, f.FileID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var v types.FileVariant
		if err := rows.Scan(&v.Variant, &v.VariantID, &v.Format, &v.Size); err != nil {
			return trace.Wrap(err)
		}
		f.Variants = append(f.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}
	tagRows, err := q.QueryContext(ctx,
		`SELECT tag FROM file_tags WHERE tn_id = ? AND file_id = ? ORDER BY tag`, f.TnID, f.FileID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return trace.Wrap(err)
		}
		f.Tags = append(f.Tags, tag)
	}
	return trace.Wrap(tagRows.Err())
}

// GetFile returns file metadata with variants and tags.
func (m *MetaBackend) GetFile(ctx context.Context, tnID int64, fileID string) (*types.FileMeta, error) {
	f, err := scanFile(m.db.QueryRowContext(ctx, selectFile+` WHERE tn_id = ? AND file_id = ?`, tnID, fileID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("file %q not found", fileID)
		}
		return nil, trace.Wrap(err)
	}
	if err := m.loadFileDetails(ctx, m.db, f); err != nil {
		return nil, trace.Wrap(err)
	}
	return f, nil
}

// SetFileStatus transitions a file row status.
func (m *MetaBackend) SetFileStatus(ctx context.Context, tnID int64, fileID string, status types.FileStatus) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE files SET status = ? WHERE tn_id = ? AND file_id = ?`, string(status), tnID, fileID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "file %q not found", fileID))
}

// AddFileVariant registers a rendered variant of a file.
func (m *MetaBackend) AddFileVariant(ctx context.Context, tnID int64, fileID string, variant types.FileVariant) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_variants (tn_id, file_id, variant, variant_id, format, size) VALUES (?, ?, ?, ?, ?, ?)`,
		tnID, fileID, variant.Variant, variant.VariantID, variant.Format, variant.Size)
	return trace.Wrap(err)
}

// ListFiles lists file metadata with filters and cursor pagination,
// newest first.
func (m *MetaBackend) ListFiles(ctx context.Context, tnID int64, opts types.ListFilesOptions) ([]types.FileMeta, string, error) {
	where := []string{"tn_id = ?"}
	args := []any{tnID}
	if opts.Preset != "" {
		where = append(where, "preset = ?")
		args = append(args, opts.Preset)
	}
	if opts.ContentType != "" {
		where = append(where, "content_type LIKE ?")
		args = append(args, opts.ContentType+"%")
	}
	if opts.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, opts.ParentID)
	}
	if opts.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM file_tags t WHERE t.tn_id = files.tn_id AND t.file_id = files.file_id AND t.tag = ?)")
		args = append(args, opts.Tag)
	}
	if len(opts.Statuses) > 0 {
		ph := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	} else {
		where = append(where, "status != ?")
		args = append(args, string(types.FileDeleted))
	}
	if opts.Query != "" {
		where = append(where, "file_name LIKE ?")
		args = append(args, "%"+opts.Query+"%")
	}
	if opts.Cursor != "" {
		seq, id, err := parseSeqCursor(opts.Cursor)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND file_id < ?))")
		args = append(args, seq, seq, id)
	}
	limit := clampLimit(opts.Limit)
	args = append(args, limit+1)

	rows, err := m.db.QueryContext(ctx,
		selectFile+` WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, file_id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	defer rows.Close()
	var files []types.FileMeta
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	next := ""
	if len(files) > limit {
		files = files[:limit]
		last := files[limit-1]
		next = seqCursor(last.CreatedAt.UnixMilli(), last.FileID)
	}
	for i := range files {
		if err := m.loadFileDetails(ctx, m.db, &files[i]); err != nil {
			return nil, "", trace.Wrap(err)
		}
	}
	return files, next, nil
}

// ListPendingFiles returns files across all tenants whose content has
// not been fetched yet, oldest first.
func (m *MetaBackend) ListPendingFiles(ctx context.Context, limit int) ([]types.FileMeta, error) {
	rows, err := m.db.QueryContext(ctx,
		selectFile+` WHERE status = ? ORDER BY created_at, file_id LIMIT ?`,
		string(types.FilePending), clampLimit(limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var files []types.FileMeta
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		files = append(files, *f)
	}
	return files, trace.Wrap(rows.Err())
}

// SetFileTag adds or removes one tag on a file.
func (m *MetaBackend) SetFileTag(ctx context.Context, tnID int64, fileID, tag string, set bool) error {
	if set {
		_, err := m.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO file_tags (tn_id, file_id, tag) VALUES (?, ?, ?)`, tnID, fileID, tag)
		return trace.Wrap(err)
	}
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM file_tags WHERE tn_id = ? AND file_id = ? AND tag = ?`, tnID, fileID, tag)
	return trace.Wrap(err)
}

// ListTags returns the distinct tags of a tenant with usage counts.
func (m *MetaBackend) ListTags(ctx context.Context, tnID int64, prefix string) (map[string]int64, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT tag, COUNT(*) FROM file_tags WHERE tn_id = ? AND tag LIKE ? GROUP BY tag ORDER BY tag`,
		tnID, prefix+"%")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	tags := make(map[string]int64)
	for rows.Next() {
		var tag string
		var count int64
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, trace.Wrap(err)
		}
		tags[tag] = count
	}
	return tags, trace.Wrap(rows.Err())
}

//
// Refs
//

// CreateRef stores a guest capability.
func (m *MetaBackend) CreateRef(ctx context.Context, ref *types.Ref) error {
	createdAt := ref.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.Clock.Now()
	}
	var quota sql.NullInt64
	if ref.Quota != nil {
		quota = sql.NullInt64{Int64: *ref.Quota, Valid: true}
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO refs (ref_id, tn_id, resource_id, access, description, quota, count, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.RefID, ref.TnID, ref.ResourceID, string(ref.Access), ref.Description,
		quota, ref.Count, nullMillis(ref.ExpiresAt), createdAt.UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return trace.AlreadyExists("ref %q already exists", ref.RefID)
		}
		return trace.Wrap(err)
	}
	return nil
}

const selectRef = `SELECT ref_id, tn_id, resource_id, access, description, quota, count, expires_at, created_at FROM refs`

func scanRef(row interface{ Scan(...any) error }) (*types.Ref, error) {
	var r types.Ref
	var access string
	var quota, expires sql.NullInt64
	var createdAt int64
	err := row.Scan(&r.RefID, &r.TnID, &r.ResourceID, &access, &r.Description, &quota, &r.Count, &expires, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("ref not found")
		}
		return nil, trace.Wrap(err)
	}
	r.Access = types.AccessLevel(access)
	if quota.Valid {
		q := quota.Int64
		r.Quota = &q
	}
	r.ExpiresAt = millisPtr(expires)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &r, nil
}

// GetRef returns a ref row.
func (m *MetaBackend) GetRef(ctx context.Context, tnID int64, refID string) (*types.Ref, error) {
	r, err := scanRef(m.db.QueryRowContext(ctx, selectRef+` WHERE tn_id = ? AND ref_id = ?`, tnID, refID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("ref %q not found", refID)
		}
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// ConsumeRef atomically checks quota and expiry and increments the use
// counter.
func (m *MetaBackend) ConsumeRef(ctx context.Context, tnID int64, refID string, now time.Time) (*types.Ref, error) {
	var ref *types.Ref
	err := inTransaction(ctx, m.db, func(tx *sql.Tx) error {
		r, err := scanRef(tx.QueryRowContext(ctx, selectRef+` WHERE tn_id = ? AND ref_id = ?`, tnID, refID))
		if err != nil {
			if trace.IsNotFound(err) {
				return trace.NotFound("ref %q not found", refID)
			}
			return trace.Wrap(err)
		}
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			return trace.AccessDenied("ref %q expired", refID)
		}
		if r.Quota != nil && r.Count >= *r.Quota {
			return trace.AccessDenied("ref %q quota exhausted", refID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE refs SET count = count + 1 WHERE tn_id = ? AND ref_id = ?`, tnID, refID); err != nil {
			return trace.Wrap(err)
		}
		r.Count++
		ref = r
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ref, nil
}

// ListRefs lists the refs of a tenant.
func (m *MetaBackend) ListRefs(ctx context.Context, tnID int64) ([]types.Ref, error) {
	rows, err := m.db.QueryContext(ctx, selectRef+` WHERE tn_id = ? ORDER BY created_at DESC, ref_id`, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var refs []types.Ref
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		refs = append(refs, *r)
	}
	return refs, trace.Wrap(rows.Err())
}

// DeleteRef removes a ref.
func (m *MetaBackend) DeleteRef(ctx context.Context, tnID int64, refID string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM refs WHERE tn_id = ? AND ref_id = ?`, tnID, refID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "ref %q not found", refID))
}

//
// Settings
//

// GetSetting returns one setting value.
func (m *MetaBackend) GetSetting(ctx context.Context, tnID int64, name string) (string, error) {
	var value string
	err := m.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE tn_id = ? AND name = ?`, tnID, name).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.NotFound("setting %q not found", name)
		}
		return "", trace.Wrap(err)
	}
	return value, nil
}

// ListSettings returns settings under a namespace prefix.
func (m *MetaBackend) ListSettings(ctx context.Context, tnID int64, prefix string) ([]types.Setting, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT tn_id, name, value FROM settings WHERE tn_id = ? AND name LIKE ? ORDER BY name`,
		tnID, prefix+"%")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var settings []types.Setting
	for rows.Next() {
		var s types.Setting
		if err := rows.Scan(&s.TnID, &s.Name, &s.Value); err != nil {
			return nil, trace.Wrap(err)
		}
		settings = append(settings, s)
	}
	return settings, trace.Wrap(rows.Err())
}

// PutSetting upserts a setting.
func (m *MetaBackend) PutSetting(ctx context.Context, tnID int64, name, value string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO settings (tn_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (tn_id, name) DO UPDATE SET value = excluded.value`, tnID, name, value)
	return trace.Wrap(err)
}

// DeleteSetting removes a setting.
func (m *MetaBackend) DeleteSetting(ctx context.Context, tnID int64, name string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM settings WHERE tn_id = ? AND name = ?`, tnID, name)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "setting %q not found", name))
}

//
// Subscriptions
//

// CreateSubscription registers a push endpoint.
func (m *MetaBackend) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.SubsID == "" {
		return trace.BadParameter("missing subscription id")
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.Clock.Now()
	}
	var keys sql.NullString
	if len(sub.Keys) > 0 {
		keys = sql.NullString{String: string(sub.Keys), Valid: true}
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO subscriptions (subs_id, tn_id, endpoint, keys, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tn_id, subs_id) DO UPDATE SET endpoint = excluded.endpoint, keys = excluded.keys`,
		sub.SubsID, sub.TnID, sub.Endpoint, keys, createdAt.UnixMilli())
	return trace.Wrap(err)
}

// ListSubscriptions returns the push endpoints of a tenant.
func (m *MetaBackend) ListSubscriptions(ctx context.Context, tnID int64) ([]types.Subscription, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT subs_id, tn_id, endpoint, keys, created_at FROM subscriptions WHERE tn_id = ? ORDER BY created_at`, tnID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var subs []types.Subscription
	for rows.Next() {
		var s types.Subscription
		var keys sql.NullString
		var createdAt int64
		if err := rows.Scan(&s.SubsID, &s.TnID, &s.Endpoint, &keys, &createdAt); err != nil {
			return nil, trace.Wrap(err)
		}
		if keys.Valid {
			s.Keys = json.RawMessage(keys.String)
		}
		s.CreatedAt = time.UnixMilli(createdAt).UTC()
		subs = append(subs, s)
	}
	return subs, trace.Wrap(rows.Err())
}

// DeleteSubscription removes a push endpoint.
func (m *MetaBackend) DeleteSubscription(ctx context.Context, tnID int64, subsID string) error {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE tn_id = ? AND subs_id = ?`, tnID, subsID)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "subscription %q not found", subsID))
}

//
// Delivery and notification queues
//

// CreateDelivery queues an outbound delivery for retry.
func (m *MetaBackend) CreateDelivery(ctx context.Context, d *backend.Delivery) error {
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO deliveries (tn_id, action_id, recipient, attempts, next_at) VALUES (?, ?, ?, ?, ?)`,
		d.TnID, d.ActionID, d.Recipient, d.Attempts, d.NextAt.UnixMilli())
	if err != nil {
		return trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return trace.Wrap(err)
	}
	d.ID = id
	return nil
}

// ListDueDeliveries returns deliveries scheduled before now, oldest
// first.
func (m *MetaBackend) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]backend.Delivery, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, tn_id, action_id, recipient, attempts, next_at FROM deliveries
		 WHERE next_at <= ? ORDER BY next_at, id LIMIT ?`, now.UnixMilli(), clampLimit(limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var deliveries []backend.Delivery
	for rows.Next() {
		var d backend.Delivery
		var nextAt int64
		if err := rows.Scan(&d.ID, &d.TnID, &d.ActionID, &d.Recipient, &d.Attempts, &nextAt); err != nil {
			return nil, trace.Wrap(err)
		}
		d.NextAt = time.UnixMilli(nextAt).UTC()
		deliveries = append(deliveries, d)
	}
	return deliveries, trace.Wrap(rows.Err())
}

// RescheduleDelivery bumps the attempt counter and next run.
func (m *MetaBackend) RescheduleDelivery(ctx context.Context, id int64, attempts int, nextAt time.Time) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE deliveries SET attempts = ?, next_at = ? WHERE id = ?`, attempts, nextAt.UnixMilli(), id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(checkAffected(res, "delivery %v not found", id))
}

// DeleteDelivery removes a completed or abandoned delivery.
func (m *MetaBackend) DeleteDelivery(ctx context.Context, id int64) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id)
	return trace.Wrap(err)
}

// EnqueueNotification queues an offline bus message for the push
// fan-out task.
func (m *MetaBackend) EnqueueNotification(ctx context.Context, n *backend.Notification) error {
	message, err := json.Marshal(n.Message)
	if err != nil {
		return trace.Wrap(err)
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.Clock.Now()
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO notifications (id_tag, message, created_at) VALUES (?, ?, ?)`,
		n.IDTag, string(message), createdAt.UnixMilli())
	if err != nil {
		return trace.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return trace.Wrap(err)
	}
	n.ID = id
	return nil
}

// DequeueNotifications returns and removes up to limit queued
// notifications in insertion order.
func (m *MetaBackend) DequeueNotifications(ctx context.Context, limit int) ([]backend.Notification, error) {
	var notifications []backend.Notification
	err := inTransaction(ctx, m.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, id_tag, message, created_at FROM notifications ORDER BY id LIMIT ?`, clampLimit(limit))
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		var ids []any
		for rows.Next() {
			var n backend.Notification
			var message string
			var createdAt int64
			if err := rows.Scan(&n.ID, &n.IDTag, &message, &createdAt); err != nil {
				return trace.Wrap(err)
			}
			if err := json.Unmarshal([]byte(message), &n.Message); err != nil {
				return trace.Wrap(err)
			}
			n.CreatedAt = time.UnixMilli(createdAt).UTC()
			notifications = append(notifications, n)
			ids = append(ids, n.ID)
		}
		if err := rows.Err(); err != nil {
			return trace.Wrap(err)
		}
		if len(ids) == 0 {
			return nil
		}
		ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM notifications WHERE id IN (%s)`, ph), ids...)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return notifications, nil
}
