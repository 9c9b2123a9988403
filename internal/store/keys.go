package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apikeyd/apikeyd/internal/model"
)

// keyRow maps 1:1 to the api_keys table. List and struct columns are stored
// as JSON text so the schema stays portable across engines.
type keyRow struct {
	ID                 string     `db:"id"`
	OwnerID            string     `db:"owner_id"`
	Name               string     `db:"name"`
	Description        string     `db:"description"`
	KeyHash            string     `db:"key_hash"`
	KeyPrefix          string     `db:"key_prefix"`
	ScopesJSON         string     `db:"scopes_json"`
	Status             string     `db:"status"`
	RateLimitPerMinute int        `db:"rate_limit_per_minute"`
	DailyUsageQuota    int        `db:"daily_usage_quota"`
	UsageCount         int64      `db:"usage_count"`
	TodayUsageCount    int        `db:"today_usage_count"`
	LastResetDate      string     `db:"last_reset_date"`
	IPAllowListJSON    string     `db:"ip_allow_list_json"`
	SecurityJSON       string     `db:"security_json"`
	ExpiresAt          *time.Time `db:"expires_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	RevokedAt          *time.Time `db:"revoked_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

const keyColumns = `id, owner_id, name, description, key_hash, key_prefix, scopes_json, status,
	rate_limit_per_minute, daily_usage_quota, usage_count, today_usage_count, last_reset_date,
	ip_allow_list_json, security_json, expires_at, last_used_at, revoked_at, created_at, updated_at`

func keyRowFromModel(k *model.APIKey) (keyRow, error) {
	scopes, err := marshalList(k.Scopes)
	if err != nil {
		return keyRow{}, err
	}
	allow, err := marshalList(k.IPAllowList)
	if err != nil {
		return keyRow{}, err
	}
	sec, err := json.Marshal(k.Security)
	if err != nil {
		return keyRow{}, fmt.Errorf("encode security settings: %w", err)
	}
	return keyRow{
		ID:                 k.ID,
		OwnerID:            k.OwnerID,
		Name:               k.Name,
		Description:        k.Description,
		KeyHash:            k.KeyHash,
		KeyPrefix:          k.KeyPrefix,
		ScopesJSON:         scopes,
		Status:             string(k.Status),
		RateLimitPerMinute: k.RateLimitPerMinute,
		DailyUsageQuota:    k.DailyUsageQuota,
		UsageCount:         k.UsageCount,
		TodayUsageCount:    k.TodayUsageCount,
		LastResetDate:      k.LastResetDate,
		IPAllowListJSON:    allow,
		SecurityJSON:       string(sec),
		ExpiresAt:          utcPtr(k.ExpiresAt),
		LastUsedAt:         utcPtr(k.LastUsedAt),
		RevokedAt:          utcPtr(k.RevokedAt),
		CreatedAt:          k.CreatedAt.UTC(),
		UpdatedAt:          k.UpdatedAt.UTC(),
	}, nil
}

func (r keyRow) toModel() (model.APIKey, error) {
	k := model.APIKey{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		Name:               r.Name,
		Description:        r.Description,
		KeyHash:            r.KeyHash,
		KeyPrefix:          r.KeyPrefix,
		Status:             model.KeyStatus(r.Status),
		RateLimitPerMinute: r.RateLimitPerMinute,
		DailyUsageQuota:    r.DailyUsageQuota,
		UsageCount:         r.UsageCount,
		TodayUsageCount:    r.TodayUsageCount,
		LastResetDate:      r.LastResetDate,
		ExpiresAt:          utcPtr(r.ExpiresAt),
		LastUsedAt:         utcPtr(r.LastUsedAt),
		RevokedAt:          utcPtr(r.RevokedAt),
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.ScopesJSON), &k.Scopes); err != nil {
		return k, fmt.Errorf("decode scopes for key %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.IPAllowListJSON), &k.IPAllowList); err != nil {
		return k, fmt.Errorf("decode allow-list for key %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.SecurityJSON), &k.Security); err != nil {
		return k, fmt.Errorf("decode security settings for key %s: %w", r.ID, err)
	}
	return k, nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

const insertKey = `INSERT INTO api_keys (` + keyColumns + `) VALUES
	(:id, :owner_id, :name, :description, :key_hash, :key_prefix, :scopes_json, :status,
	 :rate_limit_per_minute, :daily_usage_quota, :usage_count, :today_usage_count, :last_reset_date,
	 :ip_allow_list_json, :security_json, :expires_at, :last_used_at, :revoked_at, :created_at, :updated_at)`

// Save inserts a new key record.
func (s *Store) Save(ctx context.Context, k *model.APIKey) error {
	row, err := keyRowFromModel(k)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertKey, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// SaveWithinLimit inserts k only if its owner holds fewer than max
// non-revoked keys. The count and insert run in one transaction; on
// PostgreSQL and MySQL the owner row is locked so concurrent creations for
// the same owner serialize.
func (s *Store) SaveWithinLimit(ctx context.Context, k *model.APIKey, max int) error {
	row, err := keyRowFromModel(k)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if s.dialect.forUpdate {
		var id string
		err := tx.GetContext(ctx, &id, tx.Rebind("SELECT id FROM owners WHERE id = ? FOR UPDATE"), k.OwnerID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}
	}

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(
		"SELECT COUNT(*) FROM api_keys WHERE owner_id = ? AND status <> ?"),
		k.OwnerID, string(model.KeyStatusRevoked)); err != nil {
		return fmt.Errorf("count owner keys: %w", err)
	}
	if count >= max {
		return ErrLimitReached
	}

	if _, err := tx.NamedExecContext(ctx, insertKey, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return tx.Commit()
}

// Update saves the display metadata, scopes, limits, allow-list, security
// settings and expiry of k. The hash and prefix move only through Rotate,
// status only through Revoke and usage counters only through ApplyUsage, so
// a stale record can neither restore an old secret nor undo a revocation.
func (s *Store) Update(ctx context.Context, k *model.APIKey) error {
	row, err := keyRowFromModel(k)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `UPDATE api_keys SET
		name = :name, description = :description, scopes_json = :scopes_json,
		rate_limit_per_minute = :rate_limit_per_minute, daily_usage_quota = :daily_usage_quota,
		ip_allow_list_json = :ip_allow_list_json, security_json = :security_json,
		expires_at = :expires_at, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if err := requireRow(result, "update api key"); err != nil {
		return err
	}
	k.UpdatedAt = row.UpdatedAt
	return nil
}

// Revoke marks a key revoked at the given time. It returns ErrNotFound when
// no unrevoked key with that ID exists.
func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET status = ?, revoked_at = ?, updated_at = ?
		WHERE id = ? AND status <> ?`),
		string(model.KeyStatusRevoked), at, at, id, string(model.KeyStatusRevoked))
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRow(result, "revoke api key")
}

// Rotate replaces the hash and prefix of an unrevoked key. The previous
// secret stops matching once this commits. It returns ErrNotFound when no
// unrevoked key with that ID exists.
func (s *Store) Rotate(ctx context.Context, id, hash, prefix string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET key_hash = ?, key_prefix = ?, updated_at = ?
		WHERE id = ? AND status <> ?`),
		hash, prefix, now, id, string(model.KeyStatusRevoked))
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}
	return requireRow(result, "rotate api key")
}

// ResetTodayUsage zeroes the persisted daily count of a key as of date.
func (s *Store) ResetTodayUsage(ctx context.Context, id, date string) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE api_keys SET today_usage_count = 0, last_reset_date = ?
		WHERE id = ?`), date, id)
	if err != nil {
		return fmt.Errorf("reset today usage: %w", err)
	}
	return requireRow(result, "reset today usage")
}

// Delete permanently removes a key and its usage history.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM usage_logs WHERE api_key_id = ?"), id); err != nil {
		return fmt.Errorf("delete usage logs: %w", err)
	}
	result, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM api_keys WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if err := requireRow(result, "delete api key"); err != nil {
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Store) getKey(ctx context.Context, where string, arg any) (*model.APIKey, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+keyColumns+" FROM api_keys WHERE "+where+" = ?"), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// GetByHash looks up a key by the SHA-256 hash of its secret.
func (s *Store) GetByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getKey(ctx, "key_hash", hash)
}

// GetByID looks up a key by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getKey(ctx, "id", id)
}

// GetByOwner returns all keys of an owner, newest first, revoked included.
func (s *Store) GetByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	return s.selectKeys(ctx, s.q("SELECT "+keyColumns+" FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC, id DESC"), ownerID)
}

// ListKeys returns every key, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]model.APIKey, error) {
	return s.selectKeys(ctx, "SELECT "+keyColumns+" FROM api_keys ORDER BY created_at DESC, id DESC")
}

func (s *Store) selectKeys(ctx context.Context, query string, args ...any) ([]model.APIKey, error) {
	var rows []keyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// CountActiveByOwner returns the number of non-revoked keys of an owner.
// Expired keys still count until revoked.
func (s *Store) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q("SELECT COUNT(*) FROM api_keys WHERE owner_id = ? AND status <> ?"),
		ownerID, string(model.KeyStatusRevoked)); err != nil {
		return 0, fmt.Errorf("count owner keys: %w", err)
	}
	return n, nil
}
