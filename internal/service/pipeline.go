package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apikeyd/apikeyd/internal/ipallow"
	"github.com/apikeyd/apikeyd/internal/model"
	"github.com/apikeyd/apikeyd/internal/ratelimit"
	"github.com/apikeyd/apikeyd/internal/secret"
	"github.com/apikeyd/apikeyd/internal/store"
	"github.com/apikeyd/apikeyd/internal/usage"
)

// Reason names why a key failed verification. It is logged and counted but
// never returned to the caller.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidFormat     Reason = "invalid_format"
	ReasonNotFound          Reason = "not_found"
	ReasonOwnerInactive     Reason = "owner_inactive"
	ReasonRevoked           Reason = "revoked"
	ReasonExpired           Reason = "expired"
	ReasonIPNotAllowed      Reason = "ip_not_allowed"
	ReasonInsecureTransport Reason = "insecure_transport"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonQuotaExceeded     Reason = "quota_exceeded"
	ReasonUnavailable       Reason = "unavailable"
)

const (
	messageValid   = "valid"
	messageInvalid = "invalid"
)

// RequestInfo describes the request a key is presented on.
type RequestInfo struct {
	Method      string
	Endpoint    string
	ClientIP    string
	RequestSize int64
	IsHTTPS     bool
}

// Verdict is the outcome of one verification.
type Verdict struct {
	Valid   bool
	Reason  Reason
	KeyID   string
	OwnerID string
	Scopes  []string
	Message string
}

// Response renders the caller-facing form of v. Failure details stay
// server-side.
func (v Verdict) Response() model.VerifyResponse {
	if !v.Valid {
		return model.VerifyResponse{Scopes: []string{}, Message: messageInvalid}
	}
	return model.VerifyResponse{
		IsValid: true,
		OwnerID: v.OwnerID,
		Scopes:  nonNil(v.Scopes),
		Message: v.Message,
	}
}

// KeyLookup resolves keys and owners, normally through the key cache.
type KeyLookup interface {
	GetByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetOwner(ctx context.Context, id string) (*model.Owner, error)
}

// UsageRecorder receives one event per successful verification.
type UsageRecorder interface {
	Record(e usage.Event)
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Keys     KeyLookup
	Limiter  *ratelimit.Limiter
	Quota    *ratelimit.QuotaTracker
	Recorder UsageRecorder
	Metrics  *Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// Pipeline verifies presented keys. It never writes the key record; usage
// reaches the store only through the recorder.
type Pipeline struct {
	keys     KeyLookup
	limiter  *ratelimit.Limiter
	quota    *ratelimit.QuotaTracker
	recorder UsageRecorder
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		keys:     cfg.Keys,
		limiter:  cfg.Limiter,
		quota:    cfg.Quota,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Verify runs the checks in order and stops at the first failure: format,
// lookup, owner, revocation, expiry, IP allow-list, transport, rate limit,
// daily quota. A non-nil error means an infrastructure failure; the verdict
// is then invalid with ReasonUnavailable.
func (p *Pipeline) Verify(ctx context.Context, raw string, info RequestInfo) (Verdict, error) {
	start := p.now()
	v, k, err := p.evaluate(ctx, raw, info, start)
	elapsed := p.now().Sub(start)

	switch {
	case err != nil:
		p.metrics.observe(statusError, v.Reason, elapsed.Seconds())
		p.logger.Error("api key verification unavailable",
			zap.String("reason", string(v.Reason)),
			zap.String("key_id", v.KeyID),
			zap.String("client_ip", info.ClientIP),
			zap.String("endpoint", info.Endpoint),
			zap.Error(err))
		return v, err
	case !v.Valid:
		p.metrics.observe(statusInvalid, v.Reason, elapsed.Seconds())
		p.logger.Info("api key rejected",
			zap.String("reason", string(v.Reason)),
			zap.String("key_id", v.KeyID),
			zap.String("owner_id", v.OwnerID),
			zap.String("key_prefix", prefixOf(raw)),
			zap.String("client_ip", info.ClientIP),
			zap.String("method", info.Method),
			zap.String("endpoint", info.Endpoint))
		return v, nil
	}

	p.metrics.observe(statusValid, ReasonNone, elapsed.Seconds())
	p.record(k, info, start, elapsed)
	return v, nil
}

func (p *Pipeline) evaluate(ctx context.Context, raw string, info RequestInfo, now time.Time) (Verdict, *model.APIKey, error) {
	if !secret.WellFormed(raw) {
		return reject(ReasonInvalidFormat, nil), nil, nil
	}

	hash := secret.Hash(raw)
	k, err := p.keys.GetByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return reject(ReasonNotFound, nil), nil, nil
	}
	if err != nil {
		return reject(ReasonUnavailable, nil), nil, fmt.Errorf("lookup key: %w", err)
	}
	if !secret.Verify(raw, k.KeyHash) {
		return reject(ReasonNotFound, nil), nil, nil
	}

	owner, err := p.keys.GetOwner(ctx, k.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return reject(ReasonOwnerInactive, k), nil, nil
	}
	if err != nil {
		return reject(ReasonUnavailable, k), nil, fmt.Errorf("lookup owner: %w", err)
	}
	if !owner.IsActive {
		return reject(ReasonOwnerInactive, k), nil, nil
	}

	if model.IsRevoked(k) {
		return reject(ReasonRevoked, k), nil, nil
	}
	if model.IsExpired(k, now) {
		return reject(ReasonExpired, k), nil, nil
	}

	if k.Security.EnableIPValidation && !ipallow.IsAllowed(info.ClientIP, k.IPAllowList) {
		return reject(ReasonIPNotAllowed, k), nil, nil
	}
	if k.Security.EnforceHTTPS && !info.IsHTTPS {
		return reject(ReasonInsecureTransport, k), nil, nil
	}

	if k.Security.EnableRateLimiting {
		if k.Security.MaxRequestsPerSecond > 0 {
			ok, err := p.limiter.AllowPerSecond(ctx, k.ID, k.Security.MaxRequestsPerSecond)
			if err != nil {
				return reject(ReasonUnavailable, k), nil, err
			}
			if !ok {
				return reject(ReasonRateLimited, k), nil, nil
			}
		}
		ok, err := p.limiter.Allow(ctx, k.ID, k.RateLimitPerMinute)
		if err != nil {
			return reject(ReasonUnavailable, k), nil, err
		}
		if !ok {
			return reject(ReasonRateLimited, k), nil, nil
		}
	}

	ok, err := p.quota.Consume(ctx, k)
	if err != nil {
		return reject(ReasonUnavailable, k), nil, err
	}
	if !ok {
		return reject(ReasonQuotaExceeded, k), nil, nil
	}

	return Verdict{
		Valid:   true,
		KeyID:   k.ID,
		OwnerID: k.OwnerID,
		Scopes:  nonNil(k.Scopes),
		Message: messageValid,
	}, k, nil
}

// record hands the usage of a successful verification to the recorder.
func (p *Pipeline) record(k *model.APIKey, info RequestInfo, at time.Time, elapsed time.Duration) {
	if p.recorder == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		p.logger.Warn("usage entry id", zap.Error(err))
		return
	}
	p.recorder.Record(usage.Event{
		Entry: model.UsageLogEntry{
			ID:             id.String(),
			APIKeyID:       k.ID,
			Timestamp:      at.UTC(),
			Method:         info.Method,
			Endpoint:       info.Endpoint,
			StatusCode:     200,
			ResponseTimeMs: elapsed.Milliseconds(),
			ClientIP:       info.ClientIP,
			RequestSize:    info.RequestSize,
			ScopesUsed:     nonNil(k.Scopes),
		},
		TodayCount: k.TodayUsageCount,
		Date:       k.LastResetDate,
	})
}

func reject(reason Reason, k *model.APIKey) Verdict {
	v := Verdict{Reason: reason, Message: messageInvalid}
	if k != nil {
		v.KeyID = k.ID
		v.OwnerID = k.OwnerID
	}
	return v
}

func prefixOf(raw string) string {
	if !secret.WellFormed(raw) {
		return ""
	}
	return secret.Prefix(raw)
}
