// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/config"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/credentials"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/governance"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/planner"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/telemetry"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools/httptool"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools/mcptool"
)

const serviceName = "orchestrator"

// app holds everything a command needs, built once from configuration.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *telemetry.EngineMetrics
	secrets  *credentials.Resolver
	registry *tools.Registry
	policy   *governance.PolicyEngine
	engine   *orchestrator.Engine
	mcpPool  *mcptool.Pool

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg: cfg,
		log: telemetry.NewLogger(logOut, cfg.Log.Level, cfg.Log.Format),
	}
	built := false
	defer func() {
		if !built {
			_ = a.Close(ctx)
		}
	}()

	shutdown, err := telemetry.InitWithConfig(serviceName, version, telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if a.metrics, err = telemetry.NewEngineMetrics(ctx); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if a.secrets, err = a.buildResolver(); err != nil {
		return nil, err
	}
	if a.registry, err = a.buildRegistry(ctx); err != nil {
		return nil, err
	}

	a.policy = newPolicy(cfg.Governance.AllowTools, cfg.Governance.DenyTools)
	if a.engine, err = a.buildEngine(); err != nil {
		return nil, err
	}
	built = true
	return a, nil
}

func newToolFilter(allow, deny []string) *governance.ToolFilter {
	var opts []governance.ToolFilterOption
	if len(allow) > 0 {
		opts = append(opts, governance.WithAllowlist(allow))
	}
	if len(deny) > 0 {
		opts = append(opts, governance.WithDenylist(deny))
	}
	return governance.NewToolFilter(opts...)
}

func newPolicy(allow, deny []string) *governance.PolicyEngine {
	return governance.NewPolicyEngine(governance.WithToolFilter(newToolFilter(allow, deny)))
}

func (a *app) buildResolver() (*credentials.Resolver, error) {
	c := a.cfg.Credentials
	key, err := credentials.LoadKey(c.KeyEnv, c.InsecureDevMode)
	if err != nil {
		return nil, err
	}
	providers := make([]credentials.Provider, 0, len(c.Providers))
	for _, name := range c.Providers {
		switch name {
		case "env":
			providers = append(providers, credentials.EnvProvider{})
		case "ci":
			providers = append(providers, credentials.CIProvider{Prefix: c.CIPrefix})
		case "platform":
			providers = append(providers, credentials.PlatformProvider{Dir: c.PlatformDir})
		case "vault":
			providers = append(providers, credentials.NewVaultProvider(c.VaultAddr, c.VaultMount, c.VaultTokenEnv))
		default:
			return nil, fmt.Errorf("unknown credentials provider %q", name)
		}
	}
	return credentials.NewResolver(key, providers,
		credentials.WithDefaultTTL(c.DefaultTTL),
		credentials.WithCacheSize(c.CacheSize),
		credentials.WithHook(a.metrics.ObserveSecret),
		credentials.WithLogger(a.log),
	)
}

func (a *app) buildRegistry(ctx context.Context) (*tools.Registry, error) {
	b := a.cfg.Breaker
	breaker := resilience.DefaultCircuitBreakerConfig("")
	breaker.FailureThreshold = b.FailureThreshold
	breaker.RecoveryTimeout = b.RecoveryTimeout
	breaker.MinimumRequests = b.MinimumRequests
	breaker.HalfOpenMaxCalls = b.HalfOpenMaxCalls
	breaker.OnStateChange = func(name string, from, to resilience.CircuitBreakerState) {
		a.log.Warn("breaker.transition",
			slog.String("breaker", name),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	}

	var store resilience.CounterStore = resilience.NewMemoryStore()
	if b.Store == "redis" {
		r := a.cfg.Redis
		store = resilience.NewRedisStoreFromAddr(r.Addr, r.Password, r.DB, r.Prefix)
	}

	reg := tools.NewRegistry(
		tools.WithCounterStore(store),
		tools.WithBreakerConfig(breaker),
		tools.WithObserver(a.metrics.ObserveToolCall),
		tools.WithLogger(a.log),
	)
	for _, tc := range a.cfg.Tools {
		t, err := a.buildTool(ctx, tc)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", tc.Name, err)
		}
		var opts []tools.RegisterOption
		if tc.Timeout > 0 {
			opts = append(opts, tools.WithTimeout(tc.Timeout))
		}
		if tc.RateLimit > 0 {
			opts = append(opts, tools.WithRateLimit(tc.RateLimit, tc.Burst))
		}
		if err := reg.Register(t, opts...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *app) buildTool(ctx context.Context, tc config.ToolConfig) (tools.Tool, error) {
	switch tc.Kind {
	case "http":
		return httptool.New(httptool.Config{
			Name:       tc.Name,
			Endpoint:   tc.Endpoint,
			Secret:     tc.Secret,
			Idempotent: tc.Idempotent,
			ReadOnly:   tc.ReadOnly,
		}, a.secrets)
	case "mcp":
		if a.mcpPool == nil {
			a.mcpPool = mcptool.NewPool()
			a.closers = append(a.closers, func(context.Context) error { return a.mcpPool.Close() })
		}
		client, err := a.mcpPool.Acquire(ctx, mcptool.ServerConfig{Command: tc.Command, Args: tc.Args, Env: tc.Env})
		if err != nil {
			return nil, err
		}
		return mcptool.New(mcptool.Config{
			Name:         tc.Name,
			RemoteTool:   tc.RemoteTool,
			RollbackTool: tc.RollbackTool,
			HealthTool:   tc.HealthTool,
			ReadOnly:     tc.ReadOnly,
		}, client)
	case "noop":
		return tools.NewNoop(tc.Name), nil
	default:
		return nil, fmt.Errorf("unknown tool kind %q", tc.Kind)
	}
}

func (a *app) buildEngine() (*orchestrator.Engine, error) {
	ec := a.cfg.Engine
	routes := make([]orchestrator.Route, len(ec.Routes))
	for i, r := range ec.Routes {
		routes[i] = orchestrator.Route{Pattern: r.Pattern, Tool: r.Tool}
	}
	table, err := orchestrator.NewRouteTable(routes, ec.DefaultTool)
	if err != nil {
		return nil, err
	}

	var validator governance.ApprovalValidator = governance.PlaceholderValidator{}
	if a.cfg.Approval.Mode == "jwt" {
		signed, err := governance.NewSignedApprovalValidator([]byte(a.cfg.Approval.JWTSecret))
		if err != nil {
			return nil, err
		}
		validator = signed
	}

	opts := []orchestrator.Option{
		orchestrator.WithPlanner(planner.New()),
		orchestrator.WithPolicy(a.policy),
		orchestrator.WithApprovalValidator(validator),
		orchestrator.WithRoutes(table),
		orchestrator.WithPendingTTL(ec.PendingTTL),
		orchestrator.WithObserver(a.metrics.ObserveExecution),
		orchestrator.WithLogger(a.log),
	}
	if a.cfg.Storage.Driver == "sqlite" {
		stores, err := a.openSQLite(a.cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		opts = append(opts, stores...)
	}
	return orchestrator.NewEngine(a.registry, opts...), nil
}

func (a *app) openSQLite(dsn string) ([]orchestrator.Option, error) {
	db, err := orchestrator.OpenSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return sqliteStores(db)
}

func sqliteStores(db *sql.DB) ([]orchestrator.Option, error) {
	execs, err := orchestrator.NewSQLiteExecutionStore(db)
	if err != nil {
		return nil, err
	}
	audit, err := orchestrator.NewSQLiteAuditStore(db)
	if err != nil {
		return nil, err
	}
	return []orchestrator.Option{
		orchestrator.WithExecutionStore(execs),
		orchestrator.WithAuditStore(audit),
	}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
