// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
)

// DefaultTTL applies when neither the caller nor the config sets one.
const DefaultTTL = 5 * time.Minute

// DefaultCacheSize bounds the number of cached secrets.
const DefaultCacheSize = 1024

type cacheEntry struct {
	ciphertext []byte
	nonce      []byte
	origin     Source
	fetchedAt  time.Time
	expiresAt  time.Time
	ttl        time.Duration
}

// Resolver walks the provider chain in order and caches hits encrypted at rest.
type Resolver struct {
	providers  []Provider
	cache      *lru.Cache[string, cacheEntry]
	sealer     *sealer
	defaultTTL time.Duration
	cacheSize  int
	clock      func() time.Time
	hooks      []Hook
	group      singleflight.Group
	log        *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultTTL sets the cache lifetime used when callers pass no override.
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.defaultTTL = d
		}
	}
}

// WithCacheSize bounds the cache.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.cacheSize = n
		}
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) { r.clock = clock }
}

// WithHook adds a telemetry hook.
func WithHook(h Hook) Option {
	return func(r *Resolver) { r.hooks = append(r.hooks, h) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// NewResolver creates a resolver. key must come from LoadKey or DeriveKey.
func NewResolver(key []byte, providers []Provider, opts ...Option) (*Resolver, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		providers:  providers,
		sealer:     s,
		defaultTTL: DefaultTTL,
		cacheSize:  DefaultCacheSize,
		clock:      time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	cache, err := lru.New[string, cacheEntry](r.cacheSize)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Providers returns the configured chain sources in order.
func (r *Resolver) Providers() []Source {
	out := make([]Source, len(r.providers))
	for i, p := range r.providers {
		out[i] = p.Source()
	}
	return out
}

// GetSecret resolves key. A cached, unexpired value is returned with Source
// SourceCache; otherwise the first provider yielding a non-empty value wins and
// the value is cached for ttl[0] (or the default TTL).
func (r *Resolver) GetSecret(ctx context.Context, key string, ttl ...time.Duration) (SecretResult, error) {
	start := r.clock()
	hash := KeyHash(key)
	ck := cacheKey(key)

	if res, ok := r.fromCache(key, ck); ok {
		r.emit(ctx, SecretEvent{KeyHash: hash, Source: SourceCache, CacheHit: true, Duration: r.clock().Sub(start)})
		return res, nil
	}

	lifetime := r.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		lifetime = ttl[0]
	}

	// Callers coalesce only with callers asking for the same lifetime. The
	// shared lookup ignores any one caller's cancellation; each caller stops
	// waiting when its own context ends.
	flight := ck + "|" + lifetime.String()
	ch := r.group.DoChan(flight, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), key, ck, hash, lifetime)
	})
	var (
		v   any
		err error
	)
	select {
	case out := <-ch:
		v, err = out.Val, out.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		r.emit(ctx, SecretEvent{KeyHash: hash, Duration: r.clock().Sub(start), Err: err})
		return SecretResult{}, err
	}
	res := v.(SecretResult)
	r.emit(ctx, SecretEvent{KeyHash: hash, Source: res.Source, Duration: r.clock().Sub(start)})
	return res, nil
}

// GetSecretWithFallback never fails: any resolution error yields fallback with
// Source SourceFallback.
func (r *Resolver) GetSecretWithFallback(ctx context.Context, key, fallback string) SecretResult {
	res, _ := resilience.WithFallback(ctx,
		func(ctx context.Context) (SecretResult, error) { return r.GetSecret(ctx, key) },
		resilience.FallbackFunc[SecretResult](func(ctx context.Context, err error) (SecretResult, error) {
			r.log.Debug("credentials.fallback",
				slog.String("key_hash", KeyHash(key)),
				slog.String("code", string(errors.CodeOf(err))))
			r.emit(ctx, SecretEvent{KeyHash: KeyHash(key), Source: SourceFallback, Err: err})
			return SecretResult{Key: key, Value: fallback, Source: SourceFallback, FetchedAt: r.clock()}, nil
		}),
	)
	return res
}

// Invalidate drops key from the cache.
func (r *Resolver) Invalidate(key string) {
	r.cache.Remove(cacheKey(key))
}

// Purge empties the cache.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// CacheLen returns the number of cached entries, expired ones included.
func (r *Resolver) CacheLen() int { return r.cache.Len() }

func (r *Resolver) fromCache(key, ck string) (SecretResult, bool) {
	entry, ok := r.cache.Get(ck)
	if !ok {
		return SecretResult{}, false
	}
	if !r.clock().Before(entry.expiresAt) {
		r.cache.Remove(ck)
		return SecretResult{}, false
	}
	plain, err := r.sealer.open(entry.ciphertext, entry.nonce, []byte(ck))
	if err != nil {
		r.log.Warn("credentials.cache.corrupt", slog.String("key_hash", KeyHash(key)))
		r.cache.Remove(ck)
		return SecretResult{}, false
	}
	return SecretResult{
		Key:       key,
		Value:     string(plain),
		Source:    SourceCache,
		Origin:    entry.origin,
		FetchedAt: entry.fetchedAt,
		TTL:       entry.ttl,
	}, true
}

func (r *Resolver) resolve(ctx context.Context, key, ck, hash string, ttl time.Duration) (SecretResult, error) {
	var (
		sawExpired bool
		lastErr    error
	)
	now := r.clock()
	for _, p := range r.providers {
		res, err := p.Get(ctx, key)
		if err != nil {
			r.log.Warn("credentials.provider.error",
				slog.String("source", string(p.Source())),
				slog.String("key_hash", hash),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		if res == nil || res.Value == "" {
			continue
		}
		if !res.ExpiresAt.IsZero() && !now.Before(res.ExpiresAt) {
			sawExpired = true
			continue
		}

		out := *res
		out.Key = key
		out.Source = p.Source()
		out.Origin = p.Source()
		if out.FetchedAt.IsZero() {
			out.FetchedAt = now
		}
		out.TTL = ttl
		expiresAt := now.Add(ttl)
		if !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(expiresAt) {
			expiresAt = res.ExpiresAt
		}
		r.store(ck, hash, out, expiresAt)

		r.log.Debug("credentials.resolve", slog.String("key_hash", hash), slog.String("source", string(out.Source)))
		return out, nil
	}

	if sawExpired {
		return SecretResult{}, errors.SecretExpired(hash)
	}
	e := errors.SecretNotFound(hash)
	e.Err = lastErr
	return SecretResult{}, e
}

func (r *Resolver) store(ck, hash string, res SecretResult, expiresAt time.Time) {
	ct, nonce, err := r.sealer.seal([]byte(res.Value), []byte(ck))
	if err != nil {
		r.log.Warn("credentials.cache.seal_failed", slog.String("key_hash", hash), slog.String("error", err.Error()))
		return
	}
	r.cache.Add(ck, cacheEntry{
		ciphertext: ct,
		nonce:      nonce,
		origin:     res.Source,
		fetchedAt:  res.FetchedAt,
		expiresAt:  expiresAt,
		ttl:        res.TTL,
	})
}

func (r *Resolver) emit(ctx context.Context, ev SecretEvent) {
	for _, h := range r.hooks {
		h(ctx, ev)
	}
}
