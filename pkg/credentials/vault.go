// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// VaultProvider reads HashiCorp Vault KV v2 secrets over HTTP.
//
// A key "db/primary#password" reads field "password" of secret "db/primary";
// without "#" the field defaults to "value".
type VaultProvider struct {
	Addr     string
	Mount    string
	TokenEnv string
	Client   *http.Client
}

// NewVaultProvider builds a provider with an instrumented HTTP client.
func NewVaultProvider(addr, mount, tokenEnv string) *VaultProvider {
	if mount == "" {
		mount = "secret"
	}
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}
	return &VaultProvider{
		Addr:     strings.TrimRight(addr, "/"),
		Mount:    strings.Trim(mount, "/"),
		TokenEnv: tokenEnv,
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Source implements Provider.
func (*VaultProvider) Source() Source { return SourceVault }

type vaultKVResponse struct {
	Data struct {
		Data     map[string]any `json:"data"`
		Metadata struct {
			CreatedTime  time.Time `json:"created_time"`
			DeletionTime string    `json:"deletion_time"`
			Destroyed    bool      `json:"destroyed"`
		} `json:"metadata"`
	} `json:"data"`
}

// Get implements Provider.
func (v *VaultProvider) Get(ctx context.Context, key string) (*SecretResult, error) {
	if v.Addr == "" {
		return nil, nil
	}
	token := os.Getenv(v.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("vault token variable %s is empty", v.TokenEnv)
	}

	path, field, ok := strings.Cut(key, "#")
	if !ok {
		field = "value"
	}
	endpoint := fmt.Sprintf("%s/v1/%s/data/%s", v.Addr, v.Mount, escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", token)
	req.Header.Set("Accept", "application/json")

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vault returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload vaultKVResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	if payload.Data.Metadata.Destroyed {
		return nil, nil
	}
	raw, ok := payload.Data.Data[field]
	if !ok {
		return nil, nil
	}
	value := fmt.Sprint(raw)
	if value == "" {
		return nil, nil
	}

	res := &SecretResult{Key: key, Value: value, Source: SourceVault, FetchedAt: time.Now()}
	if dt := payload.Data.Metadata.DeletionTime; dt != "" {
		if t, err := time.Parse(time.RFC3339Nano, dt); err == nil {
			res.ExpiresAt = t
		}
	}
	return res, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

var _ Provider = (*VaultProvider)(nil)
