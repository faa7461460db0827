// SPDX-License-Identifier: Apache-2.0
// Package credentials resolves named secrets from an ordered provider chain and
// keeps resolved values in an encrypted, TTL-bound cache.
//
// Secret names never reach logs or hooks in the clear; use KeyHash.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source identifies where a SecretResult came from.
type Source string

const (
	SourceEnv      Source = "env"
	SourceCI       Source = "ci"
	SourcePlatform Source = "platform"
	SourceVault    Source = "vault"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// SecretResult is a resolved secret. Source is SourceCache for cache hits, in
// which case Origin names the provider that originally resolved it.
type SecretResult struct {
	Key       string
	Value     string
	Source    Source
	Origin    Source
	FetchedAt time.Time
	TTL       time.Duration
	// ExpiresAt is set when the provider reports an expiry for the value itself.
	ExpiresAt time.Time
}

// Provider is one link of the resolution chain. Get returns (nil, nil) when the
// provider has no value for key.
type Provider interface {
	Source() Source
	Get(ctx context.Context, key string) (*SecretResult, error)
}

// KeyHash returns the truncated SHA-256 of a secret name, safe for telemetry.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

func cacheKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SecretEvent is delivered to hooks after every resolution attempt.
type SecretEvent struct {
	KeyHash  string
	Source   Source
	CacheHit bool
	Duration time.Duration
	Err      error
}

// Hook observes resolutions. Hooks run synchronously and must not block.
type Hook func(ctx context.Context, ev SecretEvent)
