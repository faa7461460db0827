// SPDX-License-Identifier: Apache-2.0

// Package config loads orchestrator configuration from YAML files, profile
// overlays, ORCH_ environment variables and explicit key=value overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. ORCH_ENGINE_PENDING_TTL
// maps to engine.pending_ttl.
const EnvPrefix = "ORCH_"

type Config struct {
	Log         LogConfig         `koanf:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Engine      EngineConfig      `koanf:"engine"`
	Breaker     BreakerConfig     `koanf:"breaker"`
	Redis       RedisConfig       `koanf:"redis"`
	Storage     StorageConfig     `koanf:"storage"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Approval    ApprovalConfig    `koanf:"approval"`
	Governance  GovernanceConfig  `koanf:"governance"`
	Tools       []ToolConfig      `koanf:"tools" validate:"unique=Name,dive"`
	Agents      []AgentConfig     `koanf:"agents" validate:"unique=ID,dive"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint       string `koanf:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds" validate:"gte=0"`
}

type EngineConfig struct {
	// PendingTTL expires parked executions; zero keeps them forever.
	PendingTTL       time.Duration `koanf:"pending_ttl" validate:"gte=0"`
	SweepInterval    time.Duration `koanf:"sweep_interval" validate:"gte=0"`
	HealthInterval   time.Duration `koanf:"health_interval" validate:"gte=0"`
	EmergencyTimeout time.Duration `koanf:"emergency_timeout" validate:"gt=0"`
	QueueSize        int           `koanf:"queue_size" validate:"gt=0"`
	DefaultTool      string        `koanf:"default_tool"`
	// Routes maps action type glob patterns to tool names.
	Routes []RouteConfig `koanf:"routes" validate:"dive"`
}

type RouteConfig struct {
	Pattern string `koanf:"pattern" validate:"required"`
	Tool    string `koanf:"tool" validate:"required"`
}

type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout" validate:"gt=0"`
	MinimumRequests  int           `koanf:"minimum_requests" validate:"gte=0"`
	HalfOpenMaxCalls int           `koanf:"half_open_max_calls" validate:"gte=1"`
	Store            string        `koanf:"store" validate:"oneof=memory redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	Prefix   string `koanf:"prefix"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory sqlite"`
	DSN    string `koanf:"dsn" validate:"required_if=Driver sqlite"`
}

type CredentialsConfig struct {
	// Providers is the resolution chain, first match wins.
	Providers  []string      `koanf:"providers" validate:"min=1,unique,dive,oneof=env ci platform vault"`
	DefaultTTL time.Duration `koanf:"default_ttl" validate:"gt=0"`
	CacheSize  int           `koanf:"cache_size" validate:"gt=0"`
	CIPrefix   string        `koanf:"ci_prefix"`
	// PlatformDir holds one file per secret, as mounted by the platform.
	PlatformDir   string `koanf:"platform_dir"`
	VaultAddr     string `koanf:"vault_addr"`
	VaultMount    string `koanf:"vault_mount"`
	VaultTokenEnv string `koanf:"vault_token_env"`
	KeyEnv        string `koanf:"key_env" validate:"required"`
	// InsecureDevMode derives a fixed cache key when KeyEnv is unset.
	// Never enable outside local development.
	InsecureDevMode bool `koanf:"insecure_dev_mode"`
}

type ApprovalConfig struct {
	Mode      string `koanf:"mode" validate:"oneof=placeholder jwt"`
	JWTSecret string `koanf:"jwt_secret" validate:"required_if=Mode jwt"`
}

type GovernanceConfig struct {
	AllowTools []string `koanf:"allow_tools"`
	DenyTools  []string `koanf:"deny_tools"`
}

type ToolConfig struct {
	Name string `koanf:"name" validate:"required"`
	Kind string `koanf:"kind" validate:"oneof=http mcp noop"`

	// http
	Endpoint   string `koanf:"endpoint" validate:"required_if=Kind http"`
	Secret     string `koanf:"secret"`
	Idempotent bool   `koanf:"idempotent"`

	// mcp
	Command      string   `koanf:"command" validate:"required_if=Kind mcp"`
	Args         []string `koanf:"args"`
	Env          []string `koanf:"env"`
	RemoteTool   string   `koanf:"remote_tool"`
	RollbackTool string   `koanf:"rollback_tool"`
	HealthTool   string   `koanf:"health_tool"`

	Timeout   time.Duration `koanf:"timeout" validate:"gte=0"`
	RateLimit float64       `koanf:"rate_limit" validate:"gte=0"`
	Burst     int           `koanf:"burst" validate:"gte=0"`
	ReadOnly  bool          `koanf:"read_only"`
}

type AgentConfig struct {
	ID         string   `koanf:"id" validate:"required"`
	Role       string   `koanf:"role"`
	AllowTools []string `koanf:"allow_tools"`
	DenyTools  []string `koanf:"deny_tools"`
	// Snapshot defaults merged under every goal this agent submits.
	Snapshot map[string]any `koanf:"snapshot"`
}

// Options selects what LoadWith reads.
type Options struct {
	Path    string
	Profile string
	// Set holds key=value overrides applied last, e.g. engine.pending_ttl=1h.
	Set []string
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                   "info",
		"log.format":                  "text",
		"telemetry.exporter":          "none",
		"engine.pending_ttl":          24 * time.Hour,
		"engine.sweep_interval":       time.Minute,
		"engine.health_interval":      30 * time.Second,
		"engine.emergency_timeout":    10 * time.Second,
		"engine.queue_size":           256,
		"breaker.failure_threshold":   5,
		"breaker.recovery_timeout":    30 * time.Second,
		"breaker.minimum_requests":    10,
		"breaker.half_open_max_calls": 3,
		"breaker.store":               "memory",
		"redis.addr":                  "localhost:6379",
		"redis.prefix":                "orchestrator:breaker:",
		"storage.driver":              "memory",
		"credentials.providers":       []string{"env", "ci", "platform"},
		"credentials.default_ttl":     5 * time.Minute,
		"credentials.cache_size":      1024,
		"credentials.ci_prefix":       "CI_SECRET_",
		"credentials.platform_dir":    "/var/run/secrets/orchestrator",
		"credentials.vault_mount":     "secret",
		"credentials.vault_token_env": "VAULT_TOKEN",
		"credentials.key_env":         "ORCH_SECRETS_KEY",
		"approval.mode":               "placeholder",
	}
}

// Load reads path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(Options{Path: path})
}

// LoadWithProfile reads path, then config.<profile>.yaml next to it when
// present, then environment overrides.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWith(Options{Path: path, Profile: profile})
}

// LoadWith layers defaults, the base file, the profile overlay, ORCH_
// environment variables and explicit overrides, then validates the result.
func LoadWith(opts Options) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", opts.Path, err)
		}
		if p := profileConfigPath(opts.Path, opts.Profile); p != "" {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", p, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, err
	}

	for _, kv := range opts.Set {
		key, value, err := parseSet(kv)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, listValue(key, value)); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps ORCH_ENGINE_PENDING_TTL to engine.pending_ttl. Only the first
// underscore separates section from field.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

// listKeys are the top-level list settings that env and --set may supply as
// comma-separated values.
var listKeys = map[string]bool{
	"credentials.providers":  true,
	"governance.allow_tools": true,
	"governance.deny_tools":  true,
}

func envValue(key, value string) (string, any) {
	k := envKey(key)
	return k, listValue(k, value)
}

func listValue(key, value string) any {
	if !listKeys[key] {
		return value
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseSet(kv string) (string, string, error) {
	key, value, ok := strings.Cut(kv, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid override %q, want key=value", kv)
	}
	return key, value, nil
}

// profileConfigPath returns config.<profile>.yaml beside base, or "" when
// either is empty or the overlay does not exist.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	p := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
