// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"sort"
	"strings"
)

// DecisionStatus captures a tool access outcome.
type DecisionStatus string

const (
	DecisionStatusAllow DecisionStatus = "allow"
	DecisionStatusDeny  DecisionStatus = "deny"
)

// Decision is the outcome of a tool access check.
type Decision struct {
	Status DecisionStatus
	Reason string
	Rule   string
}

// IsAllowed returns true when the decision permits the tool.
func (d Decision) IsAllowed() bool { return d.Status == DecisionStatusAllow }

// ToolFilter restricts which tools a plan may address. Patterns use path.Match
// globs ("deploy-*", "mcp:*").
type ToolFilter struct {
	allowlist map[string]bool
	denylist  map[string]bool
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the allowlist of permitted tool names/patterns.
func WithAllowlist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) { tf.AddToAllowlist(tools...) }
}

// WithDenylist sets the denylist of forbidden tool names/patterns.
func WithDenylist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) { tf.AddToDenylist(tools...) }
}

// Empty reports whether the filter has no rules.
func (tf *ToolFilter) Empty() bool {
	return len(tf.allowlist) == 0 && len(tf.denylist) == 0
}

// IsAllowed checks a tool name. Denies win over allows; a non-empty allowlist
// denies everything it does not match.
func (tf *ToolFilter) IsAllowed(_ context.Context, toolName string) Decision {
	if rule, ok := tf.match(toolName, tf.denylist); ok {
		return Decision{Status: DecisionStatusDeny, Reason: "tool is in denylist", Rule: rule}
	}
	if len(tf.allowlist) > 0 {
		rule, ok := tf.match(toolName, tf.allowlist)
		if !ok {
			return Decision{Status: DecisionStatusDeny, Reason: "tool is not in allowlist"}
		}
		return Decision{Status: DecisionStatusAllow, Rule: rule}
	}
	return Decision{Status: DecisionStatusAllow}
}

// FilterTools returns only the tools that pass the filter.
func (tf *ToolFilter) FilterTools(ctx context.Context, toolNames []string) []string {
	if tf.Empty() {
		return toolNames
	}
	filtered := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		if tf.IsAllowed(ctx, name).IsAllowed() {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

func (tf *ToolFilter) match(toolName string, list map[string]bool) (string, bool) {
	if list[toolName] {
		return toolName, true
	}
	patterns := make([]string, 0, len(list))
	for p := range list {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return pattern, true
		}
	}
	return "", false
}

// AddToAllowlist adds tools to the allowlist.
func (tf *ToolFilter) AddToAllowlist(tools ...string) {
	for _, tool := range tools {
		if tool = strings.TrimSpace(tool); tool != "" {
			tf.allowlist[tool] = true
		}
	}
}

// AddToDenylist adds tools to the denylist.
func (tf *ToolFilter) AddToDenylist(tools ...string) {
	for _, tool := range tools {
		if tool = strings.TrimSpace(tool); tool != "" {
			tf.denylist[tool] = true
		}
	}
}
