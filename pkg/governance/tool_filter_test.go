// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"testing"
)

func TestToolFilter_EmptyFilter(t *testing.T) {
	if !NewToolFilter().IsAllowed(context.Background(), "any-tool").IsAllowed() {
		t.Error("empty filter should allow all tools")
	}
}

func TestToolFilter_Rules(t *testing.T) {
	filter := NewToolFilter(
		WithAllowlist([]string{"deploy-*", "shell", "mcp:*"}),
		WithDenylist([]string{"deploy-prod"}),
	)

	tests := []struct {
		name    string
		tool    string
		allowed bool
	}{
		{"glob match", "deploy-staging", true},
		{"exact match", "shell", true},
		{"namespaced glob", "mcp:filesystem", true},
		{"denylist wins over allowlist glob", "deploy-prod", false},
		{"not in allowlist", "http-billing", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := filter.IsAllowed(context.Background(), tc.tool)
			if decision.IsAllowed() != tc.allowed {
				t.Errorf("tool %q: expected allowed=%v, got %v (%s)", tc.tool, tc.allowed, decision.IsAllowed(), decision.Reason)
			}
		})
	}
}

func TestToolFilter_FilterTools(t *testing.T) {
	filter := NewToolFilter(WithAllowlist([]string{"tool-a", "tool-c"}))

	result := filter.FilterTools(context.Background(), []string{"tool-a", "tool-b", "tool-c", "tool-d"})
	expected := []string{"tool-a", "tool-c"}
	if len(result) != len(expected) {
		t.Fatalf("expected %d tools, got %d", len(expected), len(result))
	}
	for i, name := range expected {
		if result[i] != name {
			t.Errorf("index %d: expected %q, got %q", i, name, result[i])
		}
	}
}

func TestToolFilter_AddToLists(t *testing.T) {
	filter := NewToolFilter()
	filter.AddToAllowlist("new-tool")
	filter.AddToDenylist("bad-tool")

	if !filter.IsAllowed(context.Background(), "new-tool").IsAllowed() {
		t.Error("new-tool should be allowed after AddToAllowlist")
	}
	if filter.IsAllowed(context.Background(), "bad-tool").IsAllowed() {
		t.Error("bad-tool should be denied after AddToDenylist")
	}
	if filter.IsAllowed(context.Background(), "other-tool").IsAllowed() {
		t.Error("other-tool should be denied (not in allowlist)")
	}
}
