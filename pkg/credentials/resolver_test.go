// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	orcherrors "github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return key
}

type staticProvider struct {
	source Source
	values map[string]*SecretResult
	calls  int
	mu     sync.Mutex
}

func (p *staticProvider) Source() Source { return p.source }

func (p *staticProvider) Get(_ context.Context, key string) (*SecretResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.values[key], nil
}

func TestEnvThenCacheThenEnvAfterTTL(t *testing.T) {
	t.Setenv("ORCH_TEST_KEY", "value1")
	clock := &testClock{now: time.Now()}

	r, err := NewResolver(testKey(t), []Provider{EnvProvider{}}, WithClock(clock.Now), WithDefaultTTL(time.Minute))
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	ctx := context.Background()

	first, err := r.GetSecret(ctx, "ORCH_TEST_KEY")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Source != SourceEnv || first.Value != "value1" {
		t.Fatalf("expected env/value1, got %s/%s", first.Source, first.Value)
	}

	second, err := r.GetSecret(ctx, "ORCH_TEST_KEY")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Source != SourceCache || second.Origin != SourceEnv {
		t.Fatalf("expected cache hit from env, got %s (origin %s)", second.Source, second.Origin)
	}
	if second.Value != first.Value {
		t.Fatalf("cached value differs: %q", second.Value)
	}

	clock.Advance(2 * time.Minute)
	third, err := r.GetSecret(ctx, "ORCH_TEST_KEY")
	if err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	if third.Source != SourceEnv {
		t.Fatalf("expected fresh env resolution after TTL, got %s", third.Source)
	}
}

func TestTTLOverride(t *testing.T) {
	t.Setenv("ORCH_TTL_KEY", "v")
	clock := &testClock{now: time.Now()}
	r, _ := NewResolver(testKey(t), []Provider{EnvProvider{}}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := r.GetSecret(ctx, "ORCH_TTL_KEY", time.Second); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	clock.Advance(2 * time.Second)
	res, _ := r.GetSecret(ctx, "ORCH_TTL_KEY")
	if res.Source != SourceEnv {
		t.Fatalf("override TTL not honored, got %s", res.Source)
	}
}

func TestFirstProviderWins(t *testing.T) {
	a := &staticProvider{source: SourcePlatform, values: map[string]*SecretResult{"k": {Value: "from-platform"}}}
	b := &staticProvider{source: SourceVault, values: map[string]*SecretResult{"k": {Value: "from-vault"}}}
	r, _ := NewResolver(testKey(t), []Provider{a, b})

	res, err := r.GetSecret(context.Background(), "k")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourcePlatform || res.Value != "from-platform" {
		t.Fatalf("unexpected result %+v", res)
	}
	if b.calls != 0 {
		t.Fatalf("chain did not short-circuit")
	}
}

func TestNotFoundAndExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	expired := &staticProvider{source: SourceVault, values: map[string]*SecretResult{"old": {Value: "x", ExpiresAt: past}}}
	r, _ := NewResolver(testKey(t), []Provider{EnvProvider{}, expired})
	ctx := context.Background()

	_, err := r.GetSecret(ctx, "ORCH_DOES_NOT_EXIST_"+t.Name())
	if !orcherrors.Is(err, orcherrors.CodeSecretNotFound) {
		t.Fatalf("expected SECRET_NOT_FOUND, got %v", err)
	}
	_, err = r.GetSecret(ctx, "old")
	if !orcherrors.Is(err, orcherrors.CodeSecretExpired) {
		t.Fatalf("expected SECRET_EXPIRED, got %v", err)
	}
}

func TestFallbackAndHooksNeverSeeKey(t *testing.T) {
	var events []SecretEvent
	hook := func(_ context.Context, ev SecretEvent) { events = append(events, ev) }
	r, _ := NewResolver(testKey(t), []Provider{EnvProvider{}}, WithHook(hook))

	key := "ORCH_MISSING_SECRET_NAME"
	res := r.GetSecretWithFallback(context.Background(), key, "default")
	if res.Value != "default" || res.Source != SourceFallback {
		t.Fatalf("expected fallback, got %+v", res)
	}
	if len(events) == 0 {
		t.Fatalf("expected hook events")
	}
	for _, ev := range events {
		if ev.KeyHash != KeyHash(key) || len(ev.KeyHash) != 12 {
			t.Errorf("unexpected key hash %q", ev.KeyHash)
		}
		if strings.Contains(ev.KeyHash, "ORCH") {
			t.Errorf("clear key leaked into hook")
		}
	}
}

func TestCacheStoresCiphertext(t *testing.T) {
	t.Setenv("ORCH_CIPHER_KEY", "plain-secret-value")
	r, _ := NewResolver(testKey(t), []Provider{EnvProvider{}})
	if _, err := r.GetSecret(context.Background(), "ORCH_CIPHER_KEY"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	entry, ok := r.cache.Get(cacheKey("ORCH_CIPHER_KEY"))
	if !ok {
		t.Fatalf("expected cache entry")
	}
	if strings.Contains(string(entry.ciphertext), "plain-secret-value") {
		t.Fatalf("cache holds plaintext")
	}

	r.Invalidate("ORCH_CIPHER_KEY")
	if r.CacheLen() != 0 {
		t.Fatalf("expected empty cache after invalidate")
	}
}

func TestLoadKeyFailsClosed(t *testing.T) {
	t.Setenv("ORCH_TEST_SECRETS_KEY", "")
	if _, err := LoadKey("ORCH_TEST_SECRETS_KEY", false); err == nil {
		t.Fatalf("expected missing key to fail closed")
	}
	if _, err := LoadKey("ORCH_TEST_SECRETS_KEY", true); err != nil {
		t.Fatalf("dev mode should generate a key: %v", err)
	}

	t.Setenv("ORCH_TEST_SECRETS_KEY", "short")
	if _, err := LoadKey("ORCH_TEST_SECRETS_KEY", false); err == nil {
		t.Fatalf("expected short key to be rejected")
	}

	t.Setenv("ORCH_TEST_SECRETS_KEY", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("z", 32))))
	if _, err := LoadKey("ORCH_TEST_SECRETS_KEY", false); err != nil {
		t.Fatalf("base64 key rejected: %v", err)
	}
}

func TestPlatformProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "db-password"), []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := PlatformProvider{Dir: dir}

	res, err := p.Get(context.Background(), "db-password")
	if err != nil || res == nil || res.Value != "hunter2" {
		t.Fatalf("unexpected %+v, %v", res, err)
	}
	if res, _ := p.Get(context.Background(), "missing"); res != nil {
		t.Fatalf("expected no value for missing file")
	}
	if _, err := p.Get(context.Background(), "../etc/passwd"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}

func TestCIProviderInactiveOutsideCI(t *testing.T) {
	for _, m := range ciMarkers {
		t.Setenv(m, "")
	}
	t.Setenv("CI_SECRET_DEPLOY_TOKEN", "abc")
	p := CIProvider{}
	if res, _ := p.Get(context.Background(), "deploy-token"); res != nil {
		t.Fatalf("CI provider must be inert outside CI")
	}

	t.Setenv("CI", "true")
	res, err := p.Get(context.Background(), "deploy-token")
	if err != nil || res == nil || res.Value != "abc" {
		t.Fatalf("unexpected %+v, %v", res, err)
	}
}

func TestVaultProvider(t *testing.T) {
	t.Setenv("ORCH_TEST_VAULT_TOKEN", "s.token")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "s.token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/v1/kv/data/db/primary":
			_, _ = w.Write([]byte(`{"data":{"data":{"password":"pw","value":"v"},"metadata":{"created_time":"2026-01-01T00:00:00Z","deletion_time":""}}}`))
		case "/v1/kv/data/old":
			_, _ = w.Write([]byte(`{"data":{"data":{"value":"stale"},"metadata":{"created_time":"2020-01-01T00:00:00Z","deletion_time":"2020-02-01T00:00:00Z"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewVaultProvider(srv.URL, "kv", "ORCH_TEST_VAULT_TOKEN")
	ctx := context.Background()

	res, err := p.Get(ctx, "db/primary#password")
	if err != nil || res == nil || res.Value != "pw" {
		t.Fatalf("unexpected %+v, %v", res, err)
	}
	if res, _ := p.Get(ctx, "nope"); res != nil {
		t.Fatalf("expected none for 404")
	}

	r, _ := NewResolver(testKey(t), []Provider{p})
	if _, err := r.GetSecret(ctx, "old"); !orcherrors.Is(err, orcherrors.CodeSecretExpired) {
		t.Fatalf("expected SECRET_EXPIRED for deleted version, got %v", err)
	}
}

func TestConcurrentResolutionsCoalesce(t *testing.T) {
	p := &staticProvider{source: SourceVault, values: map[string]*SecretResult{"k": {Value: "v"}}}
	r, _ := NewResolver(testKey(t), []Provider{p})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := r.GetSecret(context.Background(), "k"); err != nil || res.Value != "v" {
				t.Errorf("unexpected %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()
	if p.calls > 20 || p.calls < 1 {
		t.Fatalf("unexpected provider call count %d", p.calls)
	}
}

type gatedProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Source() Source { return SourceVault }

func (p *gatedProvider) Get(ctx context.Context, key string) (*SecretResult, error) {
	p.started <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &SecretResult{Value: "v-" + key}, nil
}

func TestCanceledCallerDoesNotFailCoalescedCallers(t *testing.T) {
	p := &gatedProvider{started: make(chan struct{}, 4), release: make(chan struct{})}
	r, _ := NewResolver(testKey(t), []Provider{p})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.GetSecret(ctx, "db")
		firstErr <- err
	}()
	<-p.started

	type outcome struct {
		res SecretResult
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := r.GetSecret(context.Background(), "db")
		second <- outcome{res, err}
	}()

	cancel()
	if err := <-firstErr; err != context.Canceled {
		t.Fatalf("canceled caller got %v, want context.Canceled", err)
	}
	close(p.release)

	got := <-second
	if got.err != nil || got.res.Value != "v-db" {
		t.Fatalf("coalesced caller got %+v, %v", got.res, got.err)
	}
}

func TestConcurrentCallersKeepTheirTTL(t *testing.T) {
	p := &gatedProvider{started: make(chan struct{}, 4), release: make(chan struct{})}
	r, _ := NewResolver(testKey(t), []Provider{p})

	ttls := []time.Duration{time.Minute, 10 * time.Minute}
	results := make([]SecretResult, len(ttls))
	var wg sync.WaitGroup
	for i, ttl := range ttls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.GetSecret(context.Background(), "api", ttl)
			if err != nil {
				t.Errorf("ttl %s: %v", ttl, err)
			}
			results[i] = res
		}()
	}
	// Different lifetimes never share a lookup, so both reach the provider.
	<-p.started
	<-p.started
	close(p.release)
	wg.Wait()

	for i, ttl := range ttls {
		if results[i].TTL != ttl {
			t.Errorf("caller %d: ttl = %s, want %s", i, results[i].TTL, ttl)
		}
	}
}
