package model

import "time"

// KeyStatus is the stored lifecycle state of an API key. Expiry is derived
// from ExpiresAt and never stored.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
)

// DateLayout is the format of APIKey.LastResetDate (a UTC calendar date).
const DateLayout = "2006-01-02"

// APIKey is the durable credential record. The raw key is never stored; only
// a SHA-256 hash and a short display prefix are persisted.
//
// UsageCount is telemetry. It advances only through the asynchronous usage
// recorder, so events dropped on a full queue or lost to a failing store are
// never counted (apikeyd_usage_events_dropped_total and
// apikeyd_usage_events_failed_total report them). Rate limiting and quota
// enforcement never read it.
type APIKey struct {
	ID                 string           `json:"id"`
	OwnerID            string           `json:"ownerId"`
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	KeyHash            string           `json:"-"` // never expose
	KeyPrefix          string           `json:"keyPrefix"`
	Scopes             []string         `json:"scopes"`
	Status             KeyStatus        `json:"status"`
	RateLimitPerMinute int              `json:"rateLimitPerMinute"`
	DailyUsageQuota    int              `json:"dailyUsageQuota"`
	UsageCount         int64            `json:"usageCount"`
	TodayUsageCount    int              `json:"todayUsageCount"`
	LastResetDate      string           `json:"lastResetDate,omitempty"`
	IPAllowList        []string         `json:"allowedIpAddresses"`
	Security           SecuritySettings `json:"securitySettings"`
	ExpiresAt          *time.Time       `json:"expiresAt,omitempty"`
	LastUsedAt         *time.Time       `json:"lastUsedAt,omitempty"`
	RevokedAt          *time.Time       `json:"revokedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// SecuritySettings holds the per-key enforcement flags.
type SecuritySettings struct {
	EnforceHTTPS         bool     `json:"enforceHttps"`
	EnableIPValidation   bool     `json:"enableIpValidation"`
	EnableRateLimiting   bool     `json:"enableRateLimiting"`
	MaxRequestsPerSecond int      `json:"maxRequestsPerSecond,omitempty"`
	AllowedOrigins       []string `json:"allowedOrigins,omitempty"`
}

// IsRevoked reports whether the key has been revoked.
func IsRevoked(k *APIKey) bool {
	return k.Status == KeyStatusRevoked
}

// IsExpired reports whether the key is past its expiry at now. Keys without
// an expiry never expire.
func IsExpired(k *APIKey, now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// UTCDate returns the UTC calendar date of t in DateLayout.
func UTCDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TodayUsage returns the key's usage for the UTC day containing now. A
// counter stamped with an older date counts as zero.
func TodayUsage(k *APIKey, now time.Time) int {
	if k.LastResetDate != UTCDate(now) {
		return 0
	}
	return k.TodayUsageCount
}

// Clone returns a deep copy of k so callers can mutate it freely.
func (k *APIKey) Clone() *APIKey {
	c := *k
	c.Scopes = append([]string(nil), k.Scopes...)
	c.IPAllowList = append([]string(nil), k.IPAllowList...)
	c.Security.AllowedOrigins = append([]string(nil), k.Security.AllowedOrigins...)
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.LastUsedAt = cloneTime(k.LastUsedAt)
	c.RevokedAt = cloneTime(k.RevokedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateKeyRequest is the body accepted when issuing a new key.
type CreateKeyRequest struct {
	Name               string     `json:"name" validate:"required,max=100"`
	Description        string     `json:"description,omitempty" validate:"max=500"`
	Scopes             []string   `json:"scopes" validate:"dive,required,max=100"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	RateLimitPerMinute *int       `json:"rateLimitPerMinute,omitempty" validate:"omitempty,min=1,max=100000"`
	DailyUsageQuota    *int       `json:"dailyUsageQuota,omitempty" validate:"omitempty,min=1"`
	AllowedIPAddresses []string   `json:"allowedIpAddresses,omitempty" validate:"max=100"`
	EnforceHTTPS       bool       `json:"enforceHttps,omitempty"`
	MaxRequestsPerSec  int        `json:"maxRequestsPerSecond,omitempty" validate:"min=0"`
	AllowedOrigins     []string   `json:"allowedOrigins,omitempty"`
}

// UpdateKeyRequest is a partial update. Nil fields are left untouched.
type UpdateKeyRequest struct {
	Name               *string           `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description        *string           `json:"description,omitempty" validate:"omitempty,max=500"`
	Scopes             *[]string         `json:"scopes,omitempty" validate:"omitempty,dive,required,max=100"`
	ExpiresAt          *time.Time        `json:"expiresAt,omitempty"`
	ClearExpiry        bool              `json:"clearExpiry,omitempty"`
	RateLimitPerMinute *int              `json:"rateLimitPerMinute,omitempty" validate:"omitempty,min=1,max=100000"`
	DailyUsageQuota    *int              `json:"dailyUsageQuota,omitempty" validate:"omitempty,min=1"`
	AllowedIPAddresses *[]string         `json:"allowedIpAddresses,omitempty" validate:"omitempty,max=100"`
	Security           *SecuritySettings `json:"securitySettings,omitempty"`
}

// CreateKeyResponse carries the raw key. It is returned exactly once, on
// creation and on each rotation.
type CreateKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	APIKey    string     `json:"apiKey"`
	KeyPrefix string     `json:"keyPrefix"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// VerifyRequest is the body form of a verification call. The key may also be
// supplied in the X-API-Key header.
type VerifyRequest struct {
	APIKey   string `json:"apiKey"`
	Method   string `json:"method,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// VerifyResponse is the caller-facing verdict. Message is generic on failure.
type VerifyResponse struct {
	IsValid bool     `json:"isValid"`
	OwnerID string   `json:"ownerId,omitempty"`
	Scopes  []string `json:"scopes"`
	Message string   `json:"message"`
}
