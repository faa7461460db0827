// SPDX-License-Identifier: Apache-2.0

package config

import (
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and cross references: routes, the default
// tool and the redis store must point at something configured.
func Validate(cfg *Config) error {
	var problems []string

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return errors.New(errors.CodeInvalidInput, "invalid configuration", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if len(cfg.Tools) > 0 {
		names := make([]string, len(cfg.Tools))
		for i, t := range cfg.Tools {
			names[i] = t.Name
		}
		if cfg.Engine.DefaultTool != "" && !slices.Contains(names, cfg.Engine.DefaultTool) {
			problems = append(problems, fmt.Sprintf("engine.default_tool %q is not a configured tool", cfg.Engine.DefaultTool))
		}
		for _, r := range cfg.Engine.Routes {
			if r.Tool != "" && !slices.Contains(names, r.Tool) {
				problems = append(problems, fmt.Sprintf("route %q targets unknown tool %q", r.Pattern, r.Tool))
			}
		}
	}
	if cfg.Breaker.Store == "redis" && cfg.Redis.Addr == "" {
		problems = append(problems, "breaker.store redis requires redis.addr")
	}
	if slices.Contains(cfg.Credentials.Providers, "vault") && cfg.Credentials.VaultAddr == "" {
		problems = append(problems, "credentials provider vault requires credentials.vault_addr")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.CodeInvalidInput, "invalid configuration: "+strings.Join(problems, "; "), nil).
		WithContext("problems", problems)
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "unique":
		return field + " entries must be unique"
	default:
		return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
	}
}
