// SPDX-License-Identifier: Apache-2.0
// Package httptool adapts a remote HTTP endpoint to the tool contract.
//
// The endpoint exposes POST /run, POST /rollback and GET /health. Requests
// carry an Idempotency-Key derived from the execution id and action index, and
// a bearer token resolved through the credential chain.
package httptool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/credentials"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// Header names sent to the endpoint.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderExecutionID    = "X-Execution-Id"
	HeaderRiskLevel      = "X-Risk-Level"
)

// maxResponseBytes bounds decoded response bodies.
const maxResponseBytes = 4 << 20

// SecretSource resolves the bearer token. *credentials.Resolver satisfies it.
type SecretSource interface {
	GetSecret(ctx context.Context, key string, ttl ...time.Duration) (credentials.SecretResult, error)
}

// Config describes one HTTP tool.
type Config struct {
	Name     string
	Endpoint string
	// Secret names the credential used as bearer token. Empty sends no token.
	Secret string
	// Idempotent declares that the endpoint honors Idempotency-Key, which makes
	// apply and rollback requests safe to retry. Dry runs and health checks are
	// always retried.
	Idempotent bool
	ReadOnly   bool
	Retry      resilience.RetryConfig
	Client     *http.Client
}

// Tool is an HTTP-backed tool.
type Tool struct {
	cfg     Config
	secrets SecretSource
	client  *http.Client
}

// New creates an HTTP tool. secrets may be nil when cfg.Secret is empty.
func New(cfg Config, secrets SecretSource) (*Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("http tool name is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http tool %q: endpoint is required", cfg.Name)
	}
	if cfg.Secret != "" && secrets == nil {
		return nil, fmt.Errorf("http tool %q: secret configured without a credential resolver", cfg.Name)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Tool{cfg: cfg, secrets: secrets, client: client}, nil
}

// Name implements tools.Tool.
func (t *Tool) Name() string { return t.cfg.Name }

// ReadOnly implements tools.ReadOnly.
func (t *Tool) ReadOnly() bool { return t.cfg.ReadOnly }

type runRequest struct {
	Args    map[string]any  `json:"args"`
	Options core.RunOptions `json:"options"`
}

type rollbackRequest struct {
	RollbackData any             `json:"rollback_data"`
	Options      core.RunOptions `json:"options"`
}

// Run implements tools.Tool.
func (t *Tool) Run(ctx context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error) {
	phase := tools.PhaseFor(opts)
	return t.post(ctx, "/run", runRequest{Args: args, Options: opts}, opts, phase, opts.DryRun || t.cfg.Idempotent)
}

// Rollback implements tools.Rollbacker.
func (t *Tool) Rollback(ctx context.Context, rollbackData any, opts core.RunOptions) (core.ToolResult, error) {
	return t.post(ctx, "/rollback", rollbackRequest{RollbackData: rollbackData, Options: opts}, opts, tools.PhaseRollback, t.cfg.Idempotent)
}

// HealthCheck implements tools.HealthChecker.
func (t *Tool) HealthCheck(ctx context.Context) error {
	_, err := resilience.Retry(ctx, t.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint+"/health", nil)
		if err != nil {
			return struct{}{}, errors.New(errors.CodeInvalidInput, "build health request", err)
		}
		if err := t.authorize(ctx, req); err != nil {
			return struct{}{}, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode/100 != 2 {
			return struct{}{}, statusError(resp.StatusCode, "health")
		}
		return struct{}{}, nil
	})
	return err
}

func (t *Tool) post(ctx context.Context, path string, body any, opts core.RunOptions, phase tools.Phase, retry bool) (core.ToolResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.ToolResult{}, errors.New(errors.CodeInvalidInput, "encode request body", err)
	}

	rc := t.cfg.Retry
	if !retry {
		rc = rc.WithMaxAttempts(1)
	}

	start := time.Now()
	res, err := resilience.Retry(ctx, rc, func(ctx context.Context) (core.ToolResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return core.ToolResult{}, errors.New(errors.CodeInvalidInput, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderIdempotencyKey, tools.IdempotencyKey(opts, phase))
		req.Header.Set(HeaderExecutionID, opts.ExecutionID)
		if opts.RiskLevel != "" {
			req.Header.Set(HeaderRiskLevel, string(opts.RiskLevel))
		}
		if err := t.authorize(ctx, req); err != nil {
			return core.ToolResult{}, err
		}
		return t.do(req)
	})
	if err != nil {
		return core.ToolResult{}, err
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

func (t *Tool) authorize(ctx context.Context, req *http.Request) error {
	if t.cfg.Secret == "" {
		return nil
	}
	secret, err := t.secrets.GetSecret(ctx, t.cfg.Secret)
	if err != nil {
		// Exhausted credential chains do not heal on retry.
		return errors.As(err).WithRecoverable(false)
	}
	req.Header.Set("Authorization", "Bearer "+secret.Value)
	return nil
}

// do performs one request. 5xx and transport failures are errors; 4xx
// responses are business failures reported in the result.
func (t *Tool) do(req *http.Request) (core.ToolResult, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return core.ToolResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.ToolResult{}, err
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return core.ToolResult{}, statusError(resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 400:
		var res core.ToolResult
		if json.Unmarshal(raw, &res) == nil && res.Error != "" {
			res.Success = false
			return res, nil
		}
		return core.Failed(fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))), nil
	}

	var res core.ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return core.ToolResult{}, errors.New(errors.CodeToolFailure, "decode tool response", err).WithRecoverable(false)
	}
	return res, nil
}

func statusError(status int, detail string) *errors.Error {
	return errors.New(errors.CodeToolFailure, fmt.Sprintf("endpoint returned %d", status), nil).
		WithContext("status", status).
		WithContext("detail", detail).
		WithRecoverable(true)
}

var (
	_ tools.Tool          = (*Tool)(nil)
	_ tools.Rollbacker    = (*Tool)(nil)
	_ tools.HealthChecker = (*Tool)(nil)
	_ tools.ReadOnly      = (*Tool)(nil)
)
