package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge"
)

// DefaultAuthTTLs are the per-service lifetimes of a successful credential check.
var DefaultAuthTTLs = map[layerbridge.LayerName]time.Duration{
	layerbridge.LayerReasoning:  7 * 24 * time.Hour,
	layerbridge.LayerSearch:     24 * time.Hour,
	layerbridge.LayerMultimodal: 24 * time.Hour,
}

// DefaultAuthFallbackTTL applies to services without a configured TTL.
const DefaultAuthFallbackTTL = time.Hour

// AuthCache memoizes successful credential checks per service. It wraps a
// CredentialVerifier and is itself one, so callers never talk to the
// underlying verifier directly. Failed checks are not cached.
type AuthCache struct {
	verifier    layerbridge.CredentialVerifier
	store       *InMemoryCache
	ttls        map[layerbridge.LayerName]time.Duration
	fallbackTTL time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// AuthOption configures an AuthCache.
type AuthOption func(*AuthCache)

// WithServiceTTL overrides the TTL for one service.
func WithServiceTTL(service layerbridge.LayerName, ttl time.Duration) AuthOption {
	return func(a *AuthCache) {
		a.ttls[service] = ttl
	}
}

// WithFallbackTTL sets the TTL for services without an explicit entry.
func WithFallbackTTL(ttl time.Duration) AuthOption {
	return func(a *AuthCache) {
		a.fallbackTTL = ttl
	}
}

// WithAuthClock replaces time.Now.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *AuthCache) {
		a.now = now
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(logger *zap.Logger) AuthOption {
	return func(a *AuthCache) {
		a.logger = logger
	}
}

// NewAuthCache wraps verifier. A nil verifier treats every service as authenticated.
func NewAuthCache(verifier layerbridge.CredentialVerifier, opts ...AuthOption) *AuthCache {
	a := &AuthCache{
		verifier:    verifier,
		ttls:        make(map[layerbridge.LayerName]time.Duration, len(DefaultAuthTTLs)),
		fallbackTTL: DefaultAuthFallbackTTL,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for k, v := range DefaultAuthTTLs {
		a.ttls[k] = v
	}
	for _, opt := range opts {
		opt(a)
	}
	a.store = NewInMemoryCache(a.fallbackTTL, 0, WithClock(a.now))
	return a
}

// TTL returns the lifetime used for service.
func (a *AuthCache) TTL(service layerbridge.LayerName) time.Duration {
	if ttl, ok := a.ttls[service]; ok {
		return ttl
	}
	return a.fallbackTTL
}

// Get returns the cached status for service if it is still fresh.
func (a *AuthCache) Get(ctx context.Context, service layerbridge.LayerName) (layerbridge.AuthStatus, bool) {
	v, err := a.store.Get(ctx, string(service))
	if err != nil {
		return layerbridge.AuthStatus{}, false
	}
	return v.(layerbridge.AuthStatus), true
}

// Verify implements layerbridge.CredentialVerifier.
func (a *AuthCache) Verify(ctx context.Context, service layerbridge.LayerName) layerbridge.AuthStatus {
	if status, ok := a.Get(ctx, service); ok {
		return status
	}
	return a.Refresh(ctx, service)
}

// Refresh re-verifies service, bypassing any cached entry.
func (a *AuthCache) Refresh(ctx context.Context, service layerbridge.LayerName) layerbridge.AuthStatus {
	status := layerbridge.AuthStatus{Service: service, Success: true, Method: "unverified"}
	if a.verifier != nil {
		status = a.verifier.Verify(ctx, service)
		status.Service = service
	}
	if !status.Success {
		a.store.Delete(string(service))
		a.logger.Warn("credential check failed",
			zap.String("service", string(service)),
			zap.String("error", status.Error))
		return status
	}
	status.CachedAt = a.now()
	if err := a.store.SetWithTTL(ctx, string(service), status, a.TTL(service)); err != nil {
		a.logger.Debug("auth cache write skipped", zap.String("service", string(service)), zap.Error(err))
	}
	return status
}

// Invalidate drops the entry for service.
func (a *AuthCache) Invalidate(service layerbridge.LayerName) {
	a.store.Delete(string(service))
	a.logger.Debug("credential cache invalidated", zap.String("service", string(service)))
}

// InvalidateAll drops every entry.
func (a *AuthCache) InvalidateAll() {
	a.store.Clear()
}
