package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/ipallow"
	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/ratelimit"
	"github.com/apikeyd/apikeyd/internal/secret"
	"github.com/apikeyd/apikeyd/internal/store"
)

// KeyStore is the persistence the Manager needs.
type KeyStore interface {
	GetOwner(ctx context.Context, id string) (*model.Owner, error)
	CreateOwner(ctx context.Context, o *model.Owner) error
	UpdateOwner(ctx context.Context, o *model.Owner) error
	ListOwners(ctx context.Context) ([]model.Owner, error)

	GetByID(ctx context.Context, id string) (*model.APIKey, error)
	GetByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error)
	ListKeys(ctx context.Context) ([]model.APIKey, error)
	SaveWithinLimit(ctx context.Context, k *model.APIKey, max int) error
	Update(ctx context.Context, k *model.APIKey) error
	Revoke(ctx context.Context, id string, at time.Time) error
	Rotate(ctx context.Context, id, hash, prefix string) error
	Delete(ctx context.Context, id string) error
	ResetTodayUsage(ctx context.Context, id, date string) error
	ListUsage(ctx context.Context, keyID string, limit int) ([]model.UsageLogEntry, error)
}

// Invalidator drops cached lookups after a write.
type Invalidator interface {
	InvalidateKey(id string, hashes ...string)
	InvalidateOwner(id string)
}

// Limits are the issuance policy.
type Limits struct {
	MaxKeysPerOwner           int `mapstructure:"max_keys_per_owner" yaml:"max_keys_per_owner"`
	DefaultRateLimitPerMinute int `mapstructure:"default_rate_limit_per_minute" yaml:"default_rate_limit_per_minute"`
	DefaultDailyQuota         int `mapstructure:"default_daily_quota" yaml:"default_daily_quota"`
}

// DefaultLimits returns the standard issuance policy.
func DefaultLimits() Limits {
	return Limits{
		MaxKeysPerOwner:           10,
		DefaultRateLimitPerMinute: 100,
		DefaultDailyQuota:         10000,
	}
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store   KeyStore
	Cache   Invalidator
	Limiter *ratelimit.Limiter
	Quota   *ratelimit.QuotaTracker
	Limits  Limits
	Logger  *zap.Logger
	Now     func() time.Time
}

// Manager creates, updates, revokes, rotates and deletes keys. Every
// operation takes the acting owner explicitly; an empty owner ID means an
// administrator acting on any key.
type Manager struct {
	store    KeyStore
	cache    Invalidator
	limiter  *ratelimit.Limiter
	quota    *ratelimit.QuotaTracker
	limits   Limits
	logger   *zap.Logger
	now      func() time.Time
	validate *validator.Validate
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	def := DefaultLimits()
	if cfg.Limits.MaxKeysPerOwner <= 0 {
		cfg.Limits.MaxKeysPerOwner = def.MaxKeysPerOwner
	}
	if cfg.Limits.DefaultRateLimitPerMinute <= 0 {
		cfg.Limits.DefaultRateLimitPerMinute = def.DefaultRateLimitPerMinute
	}
	if cfg.Limits.DefaultDailyQuota <= 0 {
		cfg.Limits.DefaultDailyQuota = def.DefaultDailyQuota
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		cache:    cfg.Cache,
		limiter:  cfg.Limiter,
		quota:    cfg.Quota,
		limits:   cfg.Limits,
		logger:   cfg.Logger,
		now:      cfg.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Limits returns the effective issuance policy.
func (m *Manager) Limits() Limits {
	return m.limits
}

func (m *Manager) check(v any) error {
	if err := m.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (m *Manager) invalidateKey(k *model.APIKey, extraHashes ...string) {
	if m.cache != nil {
		m.cache.InvalidateKey(k.ID, append(extraHashes, k.KeyHash)...)
	}
}

// ---------------------------------------------------------------------------
// Key lifecycle
// ---------------------------------------------------------------------------

// Create issues a new key for ownerID and returns the record and the raw
// secret. The secret is not retrievable afterwards.
func (m *Manager) Create(ctx context.Context, ownerID string, req model.CreateKeyRequest) (*model.APIKey, string, error) {
	if err := m.check(req); err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, "", fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidRequest)
	}

	owner, err := m.store.GetOwner(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrOwnerInactive
	}
	if err != nil {
		return nil, "", fmt.Errorf("load owner: %w", err)
	}
	if !owner.IsActive {
		return nil, "", ErrOwnerInactive
	}

	allow := trimAll(req.AllowedIPAddresses)
	if err := ipallow.ValidateAllowList(allow); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAllowList, err)
	}

	raw, err := secret.Generate()
	if err != nil {
		return nil, "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}

	k := &model.APIKey{
		ID:                 id.String(),
		OwnerID:            owner.ID,
		Name:               req.Name,
		Description:        req.Description,
		KeyHash:            secret.Hash(raw),
		KeyPrefix:          secret.Prefix(raw),
		Scopes:             nonNil(req.Scopes),
		Status:             model.KeyStatusActive,
		RateLimitPerMinute: derefOr(req.RateLimitPerMinute, m.limits.DefaultRateLimitPerMinute),
		DailyUsageQuota:    derefOr(req.DailyUsageQuota, m.limits.DefaultDailyQuota),
		LastResetDate:      model.UTCDate(now),
		IPAllowList:        allow,
		Security: model.SecuritySettings{
			EnforceHTTPS:         req.EnforceHTTPS,
			EnableIPValidation:   len(allow) > 0,
			EnableRateLimiting:   true,
			MaxRequestsPerSecond: req.MaxRequestsPerSec,
			AllowedOrigins:       nonNil(req.AllowedOrigins),
		},
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.SaveWithinLimit(ctx, k, m.limits.MaxKeysPerOwner); err != nil {
		switch {
		case errors.Is(err, store.ErrLimitReached):
			return nil, "", ErrKeyLimitExceeded
		case errors.Is(err, store.ErrNotFound):
			return nil, "", ErrOwnerInactive
		}
		return nil, "", fmt.Errorf("save key: %w", err)
	}

	m.logger.Info("api key created",
		zap.String("key_id", k.ID),
		zap.String("owner_id", k.OwnerID),
		zap.String("key_prefix", k.KeyPrefix))
	return k, raw, nil
}

// ownedKey loads keyID and checks it belongs to ownerID. An empty ownerID
// matches any key.
func (m *Manager) ownedKey(ctx context.Context, ownerID, keyID string) (*model.APIKey, error) {
	k, err := m.store.GetByID(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	if ownerID != "" && k.OwnerID != ownerID {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// Get returns one key.
func (m *Manager) Get(ctx context.Context, ownerID, keyID string) (*model.APIKey, error) {
	return m.ownedKey(ctx, ownerID, keyID)
}

// List returns the owner's keys, or every key for an empty ownerID.
func (m *Manager) List(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	if ownerID == "" {
		return m.store.ListKeys(ctx)
	}
	return m.store.GetByOwner(ctx, ownerID)
}

// Update applies a partial update to display metadata, scopes, limits,
// allow-list, security settings and expiry. The secret is never touched.
func (m *Manager) Update(ctx context.Context, ownerID, keyID string, req model.UpdateKeyRequest) (*model.APIKey, error) {
	if err := m.check(req); err != nil {
		return nil, err
	}
	k, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		k.Name = *req.Name
	}
	if req.Description != nil {
		k.Description = *req.Description
	}
	if req.Scopes != nil {
		k.Scopes = nonNil(*req.Scopes)
	}
	if req.RateLimitPerMinute != nil {
		k.RateLimitPerMinute = *req.RateLimitPerMinute
	}
	if req.DailyUsageQuota != nil {
		k.DailyUsageQuota = *req.DailyUsageQuota
	}
	if req.ClearExpiry {
		k.ExpiresAt = nil
	} else if req.ExpiresAt != nil {
		k.ExpiresAt = req.ExpiresAt
	}
	if req.Security != nil {
		if req.Security.MaxRequestsPerSecond < 0 {
			return nil, fmt.Errorf("%w: maxRequestsPerSecond must not be negative", ErrInvalidRequest)
		}
		sec := *req.Security
		sec.AllowedOrigins = nonNil(sec.AllowedOrigins)
		k.Security = sec
	}
	if req.AllowedIPAddresses != nil {
		allow := trimAll(*req.AllowedIPAddresses)
		if err := ipallow.ValidateAllowList(allow); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAllowList, err)
		}
		k.IPAllowList = allow
		if req.Security == nil {
			k.Security.EnableIPValidation = len(allow) > 0
		}
	}

	if err := m.store.Update(ctx, k); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("update key: %w", err)
	}
	m.invalidateKey(k)

	m.logger.Info("api key updated", zap.String("key_id", k.ID), zap.String("owner_id", k.OwnerID))
	return m.ownedKey(ctx, ownerID, keyID)
}

// Revoke permanently disables a key. Revoking twice returns
// ErrAlreadyRevoked.
func (m *Manager) Revoke(ctx context.Context, ownerID, keyID string) (*model.APIKey, error) {
	k, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	if model.IsRevoked(k) {
		return nil, ErrAlreadyRevoked
	}

	if err := m.store.Revoke(ctx, k.ID, m.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with another revoke or a delete.
			if _, gerr := m.store.GetByID(ctx, k.ID); gerr == nil {
				return nil, ErrAlreadyRevoked
			}
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	m.invalidateKey(k)

	m.logger.Info("api key revoked",
		zap.String("key_id", k.ID),
		zap.String("owner_id", k.OwnerID),
		zap.String("key_prefix", k.KeyPrefix))
	return m.ownedKey(ctx, ownerID, keyID)
}

// Rotate issues a new secret for an existing key, keeping its ID, scopes,
// limits, allow-list and usage history. The old secret stops verifying as
// soon as the write commits.
func (m *Manager) Rotate(ctx context.Context, ownerID, keyID string) (*model.APIKey, string, error) {
	k, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return nil, "", err
	}
	if model.IsRevoked(k) {
		return nil, "", ErrAlreadyRevoked
	}

	raw, err := secret.Generate()
	if err != nil {
		return nil, "", err
	}
	oldHash := k.KeyHash
	hash, prefix := secret.Hash(raw), secret.Prefix(raw)

	if err := m.store.Rotate(ctx, k.ID, hash, prefix); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if _, gerr := m.store.GetByID(ctx, k.ID); gerr == nil {
				return nil, "", ErrAlreadyRevoked
			}
			return nil, "", ErrKeyNotFound
		}
		return nil, "", fmt.Errorf("rotate key: %w", err)
	}
	m.invalidateKey(k, oldHash)

	m.logger.Info("api key rotated",
		zap.String("key_id", k.ID),
		zap.String("owner_id", k.OwnerID),
		zap.String("old_prefix", k.KeyPrefix),
		zap.String("new_prefix", prefix))

	rotated, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return nil, "", err
	}
	return rotated, raw, nil
}

// Delete permanently removes a key and its usage history. Use Revoke for
// normal retirement; Delete is for erasure requests.
func (m *Manager) Delete(ctx context.Context, ownerID, keyID string) error {
	k, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, k.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("delete key: %w", err)
	}
	m.invalidateKey(k)
	if err := m.resetCounters(ctx, k.ID); err != nil {
		m.logger.Warn("reset counters of deleted key", zap.String("key_id", k.ID), zap.Error(err))
	}

	m.logger.Info("api key deleted", zap.String("key_id", k.ID), zap.String("owner_id", k.OwnerID))
	return nil
}

// ---------------------------------------------------------------------------
// Usage and counters
// ---------------------------------------------------------------------------

// UsageReport summarizes a key's consumption.
type UsageReport struct {
	KeyID              string                `json:"keyId"`
	UsageCount         int64                 `json:"usageCount"`
	TodayUsageCount    int64                 `json:"todayUsageCount"`
	DailyUsageQuota    int                   `json:"dailyUsageQuota"`
	CurrentMinuteCount int64                 `json:"currentMinuteCount"`
	RateLimitPerMinute int                   `json:"rateLimitPerMinute"`
	LastUsedAt         *time.Time            `json:"lastUsedAt,omitempty"`
	Recent             []model.UsageLogEntry `json:"recent"`
}

// Usage reports live counters and the most recent usage entries of a key.
func (m *Manager) Usage(ctx context.Context, ownerID, keyID string, limit int) (*UsageReport, error) {
	k, err := m.ownedKey(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	entries, err := m.store.ListUsage(ctx, k.ID, limit)
	if err != nil {
		return nil, err
	}

	rep := &UsageReport{
		KeyID:              k.ID,
		UsageCount:         k.UsageCount,
		TodayUsageCount:    int64(model.TodayUsage(k, m.now())),
		DailyUsageQuota:    k.DailyUsageQuota,
		RateLimitPerMinute: k.RateLimitPerMinute,
		LastUsedAt:         k.LastUsedAt,
		Recent:             entries,
	}
	if m.quota != nil {
		if n, err := m.quota.Usage(ctx, k); err == nil {
			rep.TodayUsageCount = n
		}
	}
	if m.limiter != nil {
		if n, err := m.limiter.CurrentUsage(ctx, k.ID); err == nil {
			rep.CurrentMinuteCount = n
		}
	}
	return rep, nil
}

// ResetCounters clears a key's rate-limit window and today's quota, both the
// counter buckets and the persisted daily count. It is an administrative
// override.
func (m *Manager) ResetCounters(ctx context.Context, keyID string) error {
	k, err := m.ownedKey(ctx, "", keyID)
	if err != nil {
		return err
	}
	if err := m.store.ResetTodayUsage(ctx, k.ID, model.UTCDate(m.now())); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("reset key usage: %w", err)
	}
	m.invalidateKey(k)
	if err := m.resetCounters(ctx, keyID); err != nil {
		return err
	}
	m.logger.Info("api key counters reset", zap.String("key_id", keyID))
	return nil
}

func (m *Manager) resetCounters(ctx context.Context, keyID string) error {
	var errs []error
	if m.limiter != nil {
		errs = append(errs, m.limiter.Reset(ctx, keyID))
	}
	if m.quota != nil {
		errs = append(errs, m.quota.Reset(ctx, keyID))
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Owners
// ---------------------------------------------------------------------------

// CreateOwner registers an active owner. A missing ID is generated.
func (m *Manager) CreateOwner(ctx context.Context, req model.CreateOwnerRequest) (*model.Owner, error) {
	if err := m.check(req); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate owner id: %w", err)
		}
		id = u.String()
	}
	if _, err := m.store.GetOwner(ctx, id); err == nil {
		return nil, ErrOwnerExists
	}

	o := &model.Owner{ID: id, Name: req.Name, Email: req.Email, IsActive: true}
	if err := m.store.CreateOwner(ctx, o); err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}
	m.logger.Info("owner created", zap.String("owner_id", o.ID))
	return o, nil
}

// ListOwners returns all owners.
func (m *Manager) ListOwners(ctx context.Context) ([]model.Owner, error) {
	return m.store.ListOwners(ctx)
}

// UpdateOwner renames or activates/deactivates an owner. Deactivation makes
// every key of the owner fail verification without revoking them.
func (m *Manager) UpdateOwner(ctx context.Context, id string, req model.UpdateOwnerRequest) (*model.Owner, error) {
	if err := m.check(req); err != nil {
		return nil, err
	}
	o, err := m.store.GetOwner(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOwnerInactive
	}
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if req.Name != nil {
		o.Name = *req.Name
	}
	if req.IsActive != nil {
		o.IsActive = *req.IsActive
	}
	if err := m.store.UpdateOwner(ctx, o); err != nil {
		return nil, fmt.Errorf("update owner: %w", err)
	}
	if m.cache != nil {
		m.cache.InvalidateOwner(o.ID)
	}
	m.logger.Info("owner updated", zap.String("owner_id", o.ID), zap.Bool("active", o.IsActive))
	return o, nil
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func trimAll(entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = strings.TrimSpace(e)
	}
	return out
}
