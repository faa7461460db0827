// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "testing"

func TestRouteTable_Resolve(t *testing.T) {
	table, err := NewRouteTable([]Route{
		{Pattern: "deploy_*", Tool: "k8s"},
		{Pattern: "*_database", Tool: "db"},
		{Pattern: "backup_*", Tool: "storage"},
	}, "noop")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		actionType string
		want       string
	}{
		{"deploy_service", "k8s"},
		{"deploy_database", "k8s"},
		{"migrate_database", "db"},
		{"backup_target", "storage"},
		{"notify_status", "noop"},
	}
	for _, tt := range tests {
		t.Run(tt.actionType, func(t *testing.T) {
			got, ok := table.Resolve(tt.actionType)
			if !ok || got != tt.want {
				t.Fatalf("Resolve(%q) = %q, %v; want %q", tt.actionType, got, ok, tt.want)
			}
		})
	}
}

func TestRouteTable_NoFallback(t *testing.T) {
	table, err := NewRouteTable([]Route{{Pattern: "read_*", Tool: "reader"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := table.Resolve("delete_target"); ok {
		t.Fatal("expected no route")
	}
	var nilTable *RouteTable
	if _, ok := nilTable.Resolve("read_x"); ok {
		t.Fatal("nil table resolved a route")
	}
}

func TestNewRouteTable_Invalid(t *testing.T) {
	if _, err := NewRouteTable([]Route{{Pattern: "deploy_[", Tool: "k8s"}}, ""); err == nil {
		t.Error("expected malformed pattern to fail")
	}
	if _, err := NewRouteTable([]Route{{Pattern: "deploy_*"}}, ""); err == nil {
		t.Error("expected missing tool to fail")
	}
}
