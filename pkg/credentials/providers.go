// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvProvider reads the process environment.
type EnvProvider struct{}

// Source implements Provider.
func (EnvProvider) Source() Source { return SourceEnv }

// Get implements Provider.
func (EnvProvider) Get(_ context.Context, key string) (*SecretResult, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, nil
	}
	return &SecretResult{Key: key, Value: v, Source: SourceEnv, FetchedAt: time.Now()}, nil
}

// DefaultCIPrefix is prepended to keys by CIProvider.
const DefaultCIPrefix = "CI_SECRET_"

var ciMarkers = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "BUILDKITE", "JENKINS_URL"}

// CIProvider reads CI-injected variables (prefix + key). It is inert outside CI.
type CIProvider struct {
	Prefix string
}

// Source implements Provider.
func (CIProvider) Source() Source { return SourceCI }

// Active reports whether the process runs under a CI system.
func (CIProvider) Active() bool {
	for _, m := range ciMarkers {
		if v := os.Getenv(m); v != "" && v != "false" && v != "0" {
			return true
		}
	}
	return false
}

// Get implements Provider.
func (p CIProvider) Get(_ context.Context, key string) (*SecretResult, error) {
	if !p.Active() {
		return nil, nil
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultCIPrefix
	}
	v, ok := os.LookupEnv(prefix + envName(key))
	if !ok || v == "" {
		return nil, nil
	}
	return &SecretResult{Key: key, Value: v, Source: SourceCI, FetchedAt: time.Now()}, nil
}

// envName upper-cases a key and maps separators to underscores.
func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

// PlatformProvider reads platform-mounted secret files (one file per key, as
// Kubernetes and most PaaS secret mounts lay them out).
type PlatformProvider struct {
	Dir string
}

// Source implements Provider.
func (PlatformProvider) Source() Source { return SourcePlatform }

// Get implements Provider.
func (p PlatformProvider) Get(_ context.Context, key string) (*SecretResult, error) {
	if p.Dir == "" {
		return nil, nil
	}
	if !filepath.IsLocal(key) {
		return nil, fmt.Errorf("platform secret key escapes mount directory")
	}
	path := filepath.Join(p.Dir, key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read platform secret: %w", err)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return nil, nil
	}
	return &SecretResult{Key: key, Value: v, Source: SourcePlatform, FetchedAt: time.Now()}, nil
}

var (
	_ Provider = EnvProvider{}
	_ Provider = CIProvider{}
	_ Provider = PlatformProvider{}
)
